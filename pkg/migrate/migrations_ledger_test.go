package migrate_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/registration-ledger/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	fsys := migrate.Migrations()
	matches, err := fs.Glob(fsys, "*_"+suffix+".sql")
	require.NoError(t, err)
	require.NotEmpty(t, matches, "no %s migration file found", suffix)
	data, err := fs.ReadFile(fsys, matches[0])
	require.NoError(t, err)
	return string(data)
}

func TestBalancesMigrationEnforcesIdentity(t *testing.T) {
	content := readMigration(t, "create_balances")
	checks := []string{
		"CREATE TABLE IF NOT EXISTS balances",
		"CONSTRAINT uq_balances_registration UNIQUE (registration_id, registration_type)",
		"CHECK (total_amount_due = amount_paid + amount_remaining)",
		"CHECK (amount_paid >= 0)",
		"version bigint NOT NULL DEFAULT 1",
		"DROP TABLE IF EXISTS balances",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestChildTablesReferenceBalances(t *testing.T) {
	for _, suffix := range []string{"create_payments", "create_refunds", "create_audit_entries"} {
		content := readMigration(t, suffix)
		if !strings.Contains(content, "REFERENCES balances(registration_id, registration_type)") {
			t.Errorf("%s: missing balances foreign key", suffix)
		}
	}

	payments := readMigration(t, "create_payments")
	require.Contains(t, payments, "CREATE UNIQUE INDEX IF NOT EXISTS uq_payments_gateway_reference")

	refunds := readMigration(t, "create_refunds")
	require.Contains(t, refunds, "CREATE UNIQUE INDEX IF NOT EXISTS uq_refunds_idempotency_key")

	audit := readMigration(t, "create_audit_entries")
	require.Contains(t, audit, "BEFORE UPDATE OR DELETE ON audit_entries")
}

func TestValidateAcceptsEmbeddedMigrations(t *testing.T) {
	require.NoError(t, migrate.Validate(migrate.Migrations()))
}

func TestValidateRejectsMalformedMigrations(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"bad name": {
			"add_notes.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		},
		"missing down": {
			"20260401000000_add_notes.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")},
		},
		"duplicate version": {
			"20260401000000_add_notes.sql":  {Data: []byte("-- +goose Up\n-- +goose Down\n")},
			"20260401000000_drop_notes.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, migrate.Validate(fsys))
		})
	}
}

func TestCreateWritesValidSkeleton(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, migrate.Create(dir, "add_refund_notes"))

	matches, err := filepath.Glob(filepath.Join(dir, "*_add_refund_notes.sql"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NoError(t, migrate.Validate(os.DirFS(dir)))
}

func TestBootstrapSQLiteRejectsAuditMutation(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:migrate_bootstrap?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, migrate.BootstrapSQLite(ctx, conn))
	require.NoError(t, migrate.BootstrapSQLite(ctx, conn))

	require.NoError(t, conn.Exec(`INSERT INTO audit_entries (id, registration_id, registration_type, edit_type, old_total, new_total, difference, acting_user_id)
		VALUES ('a1', 'r1', 'group', 'manual_total_change', '300', '250', '-50', 'u1')`).Error)

	err = conn.Exec(`UPDATE audit_entries SET notes = 'edited' WHERE id = 'a1'`).Error
	require.Error(t, err)
	require.Contains(t, err.Error(), "append-only")

	err = conn.Exec(`DELETE FROM audit_entries WHERE id = 'a1'`).Error
	require.Error(t, err)
}
