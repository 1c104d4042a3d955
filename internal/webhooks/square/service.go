package squarewebhook

import (
	"context"
	"strings"

	"github.com/angelmondragon/registration-ledger/internal/reconciler"
	"github.com/angelmondragon/registration-ledger/internal/refunds"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/money"
)

// Square payment statuses.
const (
	paymentStatusApproved  = "APPROVED"
	paymentStatusPending   = "PENDING"
	paymentStatusCompleted = "COMPLETED"
	paymentStatusCanceled  = "CANCELED"
	paymentStatusFailed    = "FAILED"
)

type ledger interface {
	RecordCardPaymentPending(ctx context.Context, in reconciler.CardPaymentInput) (*models.Payment, error)
	RecordCardPaymentSucceeded(ctx context.Context, in reconciler.CardPaymentInput) (*models.Payment, error)
	RecordCardPaymentFailed(ctx context.Context, in reconciler.CardPaymentFailedInput) (*models.Payment, error)
	ResolveGatewayRefund(ctx context.Context, in reconciler.ResolveGatewayRefundInput) (*models.Refund, error)
}

type ServiceParams struct {
	Ledger ledger
	Logger *logger.Logger
}

// Service turns verified Square notifications into ledger operations.
type Service struct {
	ledger ledger
	logg   *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		ledger: params.Ledger,
		logg:   params.Logger,
	}, nil
}

type SquareWebhookEvent struct {
	MerchantID string            `json:"merchant_id"`
	EventID    string            `json:"event_id"`
	Type       string            `json:"type"`
	CreatedAt  string            `json:"created_at"`
	Data       SquareWebhookData `json:"data"`
}

type SquareWebhookData struct {
	Type   string              `json:"type"`
	ID     string              `json:"id"`
	Object SquareWebhookObject `json:"object"`
}

type SquareWebhookObject struct {
	Payment *SquarePayment `json:"payment,omitempty"`
	Refund  *SquareRefund  `json:"refund,omitempty"`
}

type SquareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type SquarePayment struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	ReferenceID string       `json:"reference_id"`
	AmountMoney *SquareMoney `json:"amount_money,omitempty"`
	TotalMoney  *SquareMoney `json:"total_money,omitempty"`
}

type SquareRefund struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	PaymentID   string       `json:"payment_id"`
	AmountMoney *SquareMoney `json:"amount_money,omitempty"`
	Reason      string       `json:"reason"`
}

// HandleEvent applies payment.* and refund.* events. Other event types are
// acknowledged and ignored.
func (s *Service) HandleEvent(ctx context.Context, event *SquareWebhookEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "square event required")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"event_id": event.EventID, "event_type": event.Type})

	switch strings.ToLower(event.Type) {
	case "payment.created", "payment.updated":
		if event.Data.Object.Payment == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "payment payload missing")
		}
		return s.handlePayment(ctx, event.Data.Object.Payment)
	case "refund.created", "refund.updated":
		if event.Data.Object.Refund == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "refund payload missing")
		}
		return s.handleRefund(ctx, event.Data.Object.Refund)
	default:
		return nil
	}
}

func (s *Service) handlePayment(ctx context.Context, payment *SquarePayment) error {
	if strings.TrimSpace(payment.ID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment id missing")
	}
	key, err := models.ParseRegistrationKey(payment.ReferenceID)
	if err != nil {
		// payments taken outside registration checkout carry no ledger reference
		s.logg.Warn(s.logg.WithField(ctx, "payment_id", payment.ID), "square payment without registration reference ignored")
		return nil
	}

	amount := payment.AmountMoney
	if amount == nil {
		amount = payment.TotalMoney
	}
	if amount == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment amount missing")
	}
	in := reconciler.CardPaymentInput{
		Key:              key,
		Amount:           money.FromCents(amount.Amount),
		GatewayReference: payment.ID,
	}

	switch strings.ToUpper(payment.Status) {
	case paymentStatusCompleted:
		_, err = s.ledger.RecordCardPaymentSucceeded(ctx, in)
	case paymentStatusApproved, paymentStatusPending:
		_, err = s.ledger.RecordCardPaymentPending(ctx, in)
	case paymentStatusCanceled, paymentStatusFailed:
		_, err = s.ledger.RecordCardPaymentFailed(ctx, reconciler.CardPaymentFailedInput{
			GatewayReference: payment.ID,
			Reason:           strings.ToLower(payment.Status),
			Key:              key,
			Amount:           in.Amount,
		})
	default:
		s.logg.Warn(s.logg.WithField(ctx, "status", payment.Status), "square payment status not handled")
		return nil
	}
	return err
}

func (s *Service) handleRefund(ctx context.Context, refund *SquareRefund) error {
	if strings.TrimSpace(refund.ID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "refund id missing")
	}

	var outcome refunds.GatewayOutcome
	switch strings.ToUpper(refund.Status) {
	case "COMPLETED":
		outcome = refunds.GatewayOutcomeCompleted
	case "FAILED", "REJECTED":
		outcome = refunds.GatewayOutcomeFailed
	default:
		return nil
	}

	_, err := s.ledger.ResolveGatewayRefund(ctx, reconciler.ResolveGatewayRefundInput{
		GatewayRefundReference: refund.ID,
		Outcome:                outcome,
		FailureReason:          strings.ToLower(refund.Status),
	})
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		// issued outside the ledger or not recorded yet
		s.logg.Warn(s.logg.WithField(ctx, "refund_id", refund.ID), "square refund not tracked by the ledger")
		return nil
	}
	return err
}
