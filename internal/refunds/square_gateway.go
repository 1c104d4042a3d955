package refunds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/registration-ledger/pkg/enums"
	"github.com/angelmondragon/registration-ledger/pkg/money"
	"github.com/angelmondragon/registration-ledger/pkg/square"
)

const defaultGatewayTimeout = 15 * time.Second

type squareRefundClient interface {
	RefundPayment(ctx context.Context, params square.RefundParams) (*square.Refund, error)
	GetRefund(ctx context.Context, refundID string) (*square.Refund, error)
}

// SquareGateway executes card refunds through Square.
type SquareGateway struct {
	client   squareRefundClient
	currency string
	timeout  time.Duration
}

// NewSquareGateway wires the Square client. A zero timeout falls back to 15s.
func NewSquareGateway(client squareRefundClient, currency string, timeout time.Duration) (*SquareGateway, error) {
	if client == nil {
		return nil, errors.New("square client required")
	}
	cur, err := enums.ParseCurrency(strings.ToUpper(strings.TrimSpace(currency)))
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &SquareGateway{client: client, currency: cur.String(), timeout: timeout}, nil
}

func (g *SquareGateway) ChargeRefund(ctx context.Context, req ChargeRefundRequest) (*ChargeRefundResult, error) {
	if strings.TrimSpace(req.GatewayPaymentReference) == "" {
		return nil, &GatewayError{Kind: enums.GatewayFailureDeclined, Err: errors.New("gateway payment reference required")}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	refund, err := g.client.RefundPayment(callCtx, square.RefundParams{
		PaymentID:      req.GatewayPaymentReference,
		AmountCents:    money.ToCents(req.Amount),
		Currency:       g.currency,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, toGatewayError(err)
	}
	if refund.IsFailed() {
		return nil, &GatewayError{Kind: enums.GatewayFailureDeclined, Err: fmt.Errorf("square refund %s status %s", refund.ID, refund.Status)}
	}
	return &ChargeRefundResult{
		GatewayRefundReference: refund.ID,
		Pending:                refund.IsPending(),
	}, nil
}

func (g *SquareGateway) RefundStatus(ctx context.Context, gatewayRefundReference string) (GatewayOutcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	refund, err := g.client.GetRefund(callCtx, gatewayRefundReference)
	if err != nil {
		return "", err
	}
	return OutcomeForSquareStatus(refund.Status), nil
}

// OutcomeForSquareStatus maps a Square refund status to a gateway outcome.
func OutcomeForSquareStatus(status string) GatewayOutcome {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case square.RefundStatusCompleted:
		return GatewayOutcomeCompleted
	case square.RefundStatusRejected, square.RefundStatusFailed:
		return GatewayOutcomeFailed
	default:
		return GatewayOutcomePending
	}
}

func toGatewayError(err error) *GatewayError {
	var refundErr *square.RefundError
	if errors.As(err, &refundErr) {
		return &GatewayError{Kind: refundErr.Kind, Err: err}
	}
	return &GatewayError{Kind: enums.GatewayFailureNetwork, Err: err}
}
