package refunds

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/registration-ledger/internal/repo"
	"github.com/angelmondragon/registration-ledger/pkg/db"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
)

// Repository persists refund requests and their outcomes.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, refund *models.Refund) error
	Save(ctx context.Context, refund *models.Refund) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Refund, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Refund, error)
	FindByGatewayRefundReference(ctx context.Context, reference string) (*models.Refund, error)
	ListByRegistration(ctx context.Context, key models.RegistrationKey) ([]models.Refund, error)
	ListPendingGateway(ctx context.Context, key models.RegistrationKey) ([]models.Refund, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Refund, error)
}

type repository struct {
	repo.Base
}

// NewRepository returns a refund repository bound to the provided database.
func NewRepository(conn *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(conn)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) Create(ctx context.Context, refund *models.Refund) error {
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	if refund.IdempotencyKey == "" {
		refund.IdempotencyKey = refund.ID.String()
	}
	if err := r.DB(ctx).Create(refund).Error; err != nil {
		if db.IsUniqueViolation(err, "uq_refunds_idempotency_key") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "refund idempotency key already used")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create refund")
	}
	return nil
}

func (r *repository) Save(ctx context.Context, refund *models.Refund) error {
	err := r.DB(ctx).
		Model(&models.Refund{}).
		Where("id = ?", refund.ID).
		Updates(map[string]any{
			"status":                    refund.Status,
			"balance_applied":           refund.BalanceApplied,
			"gateway_payment_reference": refund.GatewayPaymentReference,
			"gateway_refund_reference":  refund.GatewayRefundReference,
			"failure_reason":            refund.FailureReason,
			"completed_at":              refund.CompletedAt,
			"updated_at":                time.Now().UTC(),
		}).Error
	if err != nil {
		if db.IsUniqueViolation(err, "uq_refunds_gateway_refund_reference") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "gateway refund reference already recorded")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update refund")
	}
	return nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	return repo.TakeOne[models.Refund](r.DB(ctx).Where("id = ?", id), "refund")
}

// FindByIdempotencyKey returns nil without error when the key is unused.
func (r *repository) FindByIdempotencyKey(ctx context.Context, key string) (*models.Refund, error) {
	return repo.TakeOptional[models.Refund](r.DB(ctx).Where("idempotency_key = ?", key), "refund by idempotency key")
}

// FindByGatewayRefundReference returns nil without error when no refund carries the reference.
func (r *repository) FindByGatewayRefundReference(ctx context.Context, reference string) (*models.Refund, error) {
	return repo.TakeOptional[models.Refund](r.DB(ctx).Where("gateway_refund_reference = ?", reference), "refund by gateway reference")
}

func (r *repository) ListByRegistration(ctx context.Context, key models.RegistrationKey) ([]models.Refund, error) {
	var rows []models.Refund
	err := r.DB(ctx).
		Scopes(repo.ForRegistration(key)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list refunds")
	}
	return rows, nil
}

// ListPendingGateway returns gateway refunds still awaiting a gateway outcome.
func (r *repository) ListPendingGateway(ctx context.Context, key models.RegistrationKey) ([]models.Refund, error) {
	var rows []models.Refund
	err := r.DB(ctx).
		Scopes(repo.ForRegistration(key)).
		Where("refund_method = ? AND status = ?", enums.RefundMethodGateway, enums.RefundStatusPending).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending gateway refunds")
	}
	return rows, nil
}

// ListStalePending returns pending gateway refunds created before olderThan, oldest first.
func (r *repository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Refund, error) {
	query := r.DB(ctx).
		Where("refund_method = ? AND status = ? AND created_at < ?", enums.RefundMethodGateway, enums.RefundStatusPending, olderThan).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.Refund
	if err := query.Find(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale refunds")
	}
	return rows, nil
}
