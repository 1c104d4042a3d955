package balances

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/registration-ledger/internal/repo"
	"github.com/angelmondragon/registration-ledger/pkg/db"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
)

// ErrVersionConflict marks a commit whose expected version no longer matches the stored row.
var ErrVersionConflict = errors.New("balance version conflict")

// Repository is the Balance Store. Commits are optimistic: a commit succeeds
// only when the stored version still equals the version the caller read.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Get(ctx context.Context, key models.RegistrationKey) (*models.Balance, error)
	Create(ctx context.Context, balance *models.Balance) error
	Commit(ctx context.Context, balance *models.Balance, expectedVersion int64) error
	ListByKeys(ctx context.Context, keys []models.RegistrationKey) ([]models.Balance, error)
	ListAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Balance, error)
}

type repository struct {
	repo.Base
}

// NewRepository returns a balance repository bound to the provided database.
func NewRepository(conn *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(conn)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) Get(ctx context.Context, key models.RegistrationKey) (*models.Balance, error) {
	var balance models.Balance
	err := r.DB(ctx).Scopes(repo.ForRegistration(key)).Take(&balance).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "balance not found").
				WithDetails(map[string]any{"registration_id": key.RegistrationID, "registration_type": key.RegistrationType})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load balance")
	}
	return &balance, nil
}

func (r *repository) Create(ctx context.Context, balance *models.Balance) error {
	if balance.ID == uuid.Nil {
		balance.ID = uuid.New()
	}
	if balance.Version == 0 {
		balance.Version = 1
	}
	if err := r.DB(ctx).Create(balance).Error; err != nil {
		if db.IsUniqueViolation(err, "uq_balances_registration") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "balance already exists")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create balance")
	}
	return nil
}

// Commit writes the balance figures when the stored version equals expectedVersion
// and advances balance.Version by one. A stale version yields a CONFLICT error
// wrapping ErrVersionConflict.
func (r *repository) Commit(ctx context.Context, balance *models.Balance, expectedVersion int64) error {
	now := time.Now().UTC()
	next := expectedVersion + 1

	res := r.DB(ctx).
		Model(&models.Balance{}).
		Where("id = ? AND version = ?", balance.ID, expectedVersion).
		Updates(map[string]any{
			"total_amount_due":  balance.TotalAmountDue,
			"amount_paid":       balance.AmountPaid,
			"amount_remaining":  balance.AmountRemaining,
			"payment_status":    balance.PaymentStatus,
			"last_payment_date": balance.LastPaymentDate,
			"due_date":          balance.DueDate,
			"version":           next,
			"updated_at":        now,
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "commit balance")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, ErrVersionConflict,
			fmt.Sprintf("balance was modified concurrently (expected version %d)", expectedVersion)).
			WithDetails(map[string]any{"balance_id": balance.ID, "expected_version": expectedVersion})
	}

	balance.Version = next
	balance.UpdatedAt = now
	return nil
}

func (r *repository) ListByKeys(ctx context.Context, keys []models.RegistrationKey) ([]models.Balance, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query := r.DB(ctx).Model(&models.Balance{})
	for i, key := range keys {
		clause := r.Conn().Where("registration_id = ? AND registration_type = ?", key.RegistrationID, key.RegistrationType)
		if i == 0 {
			query = query.Where(clause)
			continue
		}
		query = query.Or(clause)
	}

	var rows []models.Balance
	if err := query.Find(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list balances")
	}
	return rows, nil
}

// ListAfter pages through every balance ordered by id, for batch audits.
func (r *repository) ListAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Balance, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := r.DB(ctx).Order("id ASC").Limit(limit)
	if afterID != uuid.Nil {
		query = query.Where("id > ?", afterID)
	}

	var rows []models.Balance
	if err := query.Find(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list balances")
	}
	return rows, nil
}

// IsVersionConflict reports whether err stems from a stale balance commit.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
