package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/registration-ledger/internal/repo"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/pagination"
)

// Repository is the append-only audit trail. It deliberately has no update or delete.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Record(ctx context.Context, entry *models.AuditEntry) error
	ListByRegistration(ctx context.Context, key models.RegistrationKey) ([]models.AuditEntry, error)
	Page(ctx context.Context, key models.RegistrationKey, params pagination.Params) (*Page, error)
}

// Page is one cursor page of audit entries.
type Page struct {
	Entries    []models.AuditEntry
	NextCursor string
}

type repository struct {
	repo.Base
}

// NewRepository returns an audit repository bound to the provided database.
func NewRepository(conn *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(conn)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) Record(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := r.DB(ctx).Create(entry).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record audit entry")
	}
	return nil
}

func (r *repository) ListByRegistration(ctx context.Context, key models.RegistrationKey) ([]models.AuditEntry, error) {
	var rows []models.AuditEntry
	err := r.DB(ctx).
		Scopes(repo.ForRegistration(key)).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list audit entries")
	}
	return rows, nil
}

// Page lists entries oldest first, resuming after the cursor's (created_at, id).
func (r *repository) Page(ctx context.Context, key models.RegistrationKey, params pagination.Params) (*Page, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	var rows []models.AuditEntry
	err = r.DB(ctx).
		Scopes(repo.ForRegistration(key), pagination.Keyset(cursor, params.Limit)).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "page audit entries")
	}

	page := &Page{}
	page.Entries, page.NextCursor = pagination.Trim(rows, params.Limit, func(e models.AuditEntry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	return page, nil
}
