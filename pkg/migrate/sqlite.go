package migrate

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// SQLiteSchema mirrors the goose migrations for SQLite. Amounts and ids are
// stored as TEXT so decimal and uuid values round-trip without float loss.
var SQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS balances (
		id TEXT PRIMARY KEY,
		registration_id TEXT NOT NULL,
		registration_type TEXT NOT NULL,
		total_amount_due TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		amount_remaining TEXT NOT NULL,
		original_total_due TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		last_payment_date DATETIME,
		due_date DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME,
		updated_at DATETIME,
		CONSTRAINT uq_balances_registration UNIQUE (registration_id, registration_type)
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		registration_id TEXT NOT NULL,
		registration_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		gateway_reference TEXT,
		check_number TEXT,
		check_received_date DATETIME,
		processed_at DATETIME,
		notes TEXT,
		failure_reason TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_payments_gateway_reference ON payments (gateway_reference) WHERE gateway_reference IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		registration_id TEXT NOT NULL,
		registration_type TEXT NOT NULL,
		refund_amount TEXT NOT NULL,
		refund_method TEXT NOT NULL,
		refund_reason TEXT NOT NULL,
		status TEXT NOT NULL,
		balance_applied BOOLEAN NOT NULL DEFAULT 0,
		gateway_payment_reference TEXT,
		gateway_refund_reference TEXT,
		idempotency_key TEXT NOT NULL,
		processed_by_user_id TEXT NOT NULL,
		failure_reason TEXT,
		completed_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_refunds_idempotency_key ON refunds (idempotency_key)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_refunds_gateway_refund_reference ON refunds (gateway_refund_reference) WHERE gateway_refund_reference IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		registration_id TEXT NOT NULL,
		registration_type TEXT NOT NULL,
		edit_type TEXT NOT NULL,
		old_total TEXT NOT NULL,
		new_total TEXT NOT NULL,
		difference TEXT NOT NULL,
		acting_user_id TEXT NOT NULL,
		notes TEXT,
		created_at DATETIME
	)`,
	`CREATE TRIGGER IF NOT EXISTS trg_audit_entries_no_update BEFORE UPDATE ON audit_entries
		BEGIN SELECT RAISE(ABORT, 'audit_entries is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS trg_audit_entries_no_delete BEFORE DELETE ON audit_entries
		BEGIN SELECT RAISE(ABORT, 'audit_entries is append-only'); END`,
}

// BootstrapSQLite creates the ledger tables on a SQLite connection.
func BootstrapSQLite(ctx context.Context, conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db is required")
	}
	for _, stmt := range SQLiteSchema {
		if err := conn.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("bootstrap sqlite schema: %w", err)
		}
	}
	return nil
}
