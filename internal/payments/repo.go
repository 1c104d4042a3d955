package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/registration-ledger/internal/repo"
	"github.com/angelmondragon/registration-ledger/pkg/db"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
)

// Repository is the Payment Record Store.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, payment *models.Payment) error
	Save(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByGatewayReference(ctx context.Context, reference string) (*models.Payment, error)
	FindPendingCheck(ctx context.Context, key models.RegistrationKey, checkNumber *string) (*models.Payment, error)
	FindCheckReceipt(ctx context.Context, key models.RegistrationKey, checkNumber *string, receivedOn time.Time, amount decimal.Decimal) (*models.Payment, error)
	LatestSucceededCard(ctx context.Context, key models.RegistrationKey) (*models.Payment, error)
	ListByRegistration(ctx context.Context, key models.RegistrationKey) ([]models.Payment, error)
}

type repository struct {
	repo.Base
}

// NewRepository returns a payment repository bound to the provided database.
func NewRepository(conn *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(conn)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

func (r *repository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if err := r.DB(ctx).Create(payment).Error; err != nil {
		if db.IsUniqueViolation(err, "uq_payments_gateway_reference") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "payment with gateway reference already exists")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment")
	}
	return nil
}

func (r *repository) Save(ctx context.Context, payment *models.Payment) error {
	err := r.DB(ctx).
		Model(&models.Payment{}).
		Where("id = ?", payment.ID).
		Updates(map[string]any{
			"payment_status":      payment.PaymentStatus,
			"amount":              payment.Amount,
			"check_number":        payment.CheckNumber,
			"check_received_date": payment.CheckReceivedDate,
			"processed_at":        payment.ProcessedAt,
			"notes":               payment.Notes,
			"failure_reason":      payment.FailureReason,
			"updated_at":          time.Now().UTC(),
		}).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment")
	}
	return nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return repo.TakeOne[models.Payment](r.DB(ctx).Where("id = ?", id), "payment")
}

// FindByGatewayReference returns nil without error when no payment carries the reference.
func (r *repository) FindByGatewayReference(ctx context.Context, reference string) (*models.Payment, error) {
	return repo.TakeOptional[models.Payment](r.DB(ctx).Where("gateway_reference = ?", reference), "payment by gateway reference")
}

// FindPendingCheck returns the oldest pending check matching checkNumber, falling
// back to an unnumbered pledge. It returns nil when nothing matches.
func (r *repository) FindPendingCheck(ctx context.Context, key models.RegistrationKey, checkNumber *string) (*models.Payment, error) {
	var pending []models.Payment
	err := r.DB(ctx).
		Scopes(repo.ForRegistration(key)).
		Where("payment_method = ? AND payment_status = ?", enums.PaymentMethodCheck, enums.PaymentStatusPending).
		Order("created_at ASC").
		Find(&pending).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending checks")
	}

	var unnumbered *models.Payment
	for i := range pending {
		p := &pending[i]
		if p.CheckNumber == nil {
			if unnumbered == nil {
				unnumbered = p
			}
			continue
		}
		if checkNumber != nil && *p.CheckNumber == *checkNumber {
			return p, nil
		}
	}
	return unnumbered, nil
}

// FindCheckReceipt returns a settled check with the same number, receipt date and amount.
func (r *repository) FindCheckReceipt(ctx context.Context, key models.RegistrationKey, checkNumber *string, receivedOn time.Time, amount decimal.Decimal) (*models.Payment, error) {
	var settled []models.Payment
	err := r.DB(ctx).
		Scopes(repo.ForRegistration(key)).
		Where("payment_method = ? AND payment_status = ?", enums.PaymentMethodCheck, enums.PaymentStatusSucceeded).
		Find(&settled).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list settled checks")
	}

	for i := range settled {
		p := &settled[i]
		if !sameCheckNumber(p.CheckNumber, checkNumber) {
			continue
		}
		if p.CheckReceivedDate == nil || !p.CheckReceivedDate.Equal(receivedOn) {
			continue
		}
		if p.Amount.Equal(amount) {
			return p, nil
		}
	}
	return nil, nil
}

func (r *repository) LatestSucceededCard(ctx context.Context, key models.RegistrationKey) (*models.Payment, error) {
	q := r.DB(ctx).
		Scopes(repo.ForRegistration(key)).
		Where("payment_method = ? AND payment_status = ? AND gateway_reference IS NOT NULL", enums.PaymentMethodCard, enums.PaymentStatusSucceeded).
		Order("processed_at DESC").
		Order("created_at DESC")
	return repo.TakeOptional[models.Payment](q, "latest card payment")
}

func (r *repository) ListByRegistration(ctx context.Context, key models.RegistrationKey) ([]models.Payment, error) {
	var rows []models.Payment
	err := r.DB(ctx).
		Scopes(repo.ForRegistration(key)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payments")
	}
	return rows, nil
}

func sameCheckNumber(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
