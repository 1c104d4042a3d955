package refunds

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/registration-ledger/pkg/enums"
)

// Gateway is the narrow refund capability of the external payment processor.
type Gateway interface {
	ChargeRefund(ctx context.Context, req ChargeRefundRequest) (*ChargeRefundResult, error)
}

// StatusChecker looks up the current outcome of a refund the gateway accepted earlier.
type StatusChecker interface {
	RefundStatus(ctx context.Context, gatewayRefundReference string) (GatewayOutcome, error)
}

// ChargeRefundRequest is sent to the gateway for a card refund.
type ChargeRefundRequest struct {
	GatewayPaymentReference string
	Amount                  decimal.Decimal
	Reason                  string
	IdempotencyKey          string
}

// ChargeRefundResult is the gateway's answer to an accepted refund.
// Pending is set when the gateway has not settled the refund yet.
type ChargeRefundResult struct {
	GatewayRefundReference string
	Pending                bool
}

// GatewayOutcome is the settled state of a gateway refund.
type GatewayOutcome string

const (
	GatewayOutcomePending   GatewayOutcome = "pending"
	GatewayOutcomeCompleted GatewayOutcome = "completed"
	GatewayOutcomeFailed    GatewayOutcome = "failed"
)

// GatewayError is returned by Gateway implementations when a refund was not executed.
type GatewayError struct {
	Kind enums.GatewayFailure
	Err  error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("gateway refund failed: %s", e.Kind)
	}
	return fmt.Sprintf("gateway refund failed: %s: %v", e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AsGatewayError extracts a GatewayError, treating any other error as a network failure.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return &GatewayError{Kind: enums.GatewayFailureNetwork, Err: err}
}
