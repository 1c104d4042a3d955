package square

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	sqcore "github.com/square/square-go-sdk/core"

	"github.com/angelmondragon/registration-ledger/pkg/enums"
)

// Square refund statuses.
const (
	RefundStatusPending   = "PENDING"
	RefundStatusCompleted = "COMPLETED"
	RefundStatusRejected  = "REJECTED"
	RefundStatusFailed    = "FAILED"
)

// Square error codes for a repeated refund. An already refunded payment has
// had its money returned; an already pending one has not settled yet.
const (
	codePaymentAlreadyRefunded sq.ErrorCode = "PAYMENT_ALREADY_REFUNDED"
	codeRefundAlreadyPending   sq.ErrorCode = "REFUND_ALREADY_PENDING"
)

// RefundParams refunds part or all of a captured Square payment. Retries
// must reuse IdempotencyKey so Square does not refund twice.
type RefundParams struct {
	PaymentID      string
	AmountCents    int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

func (p RefundParams) request() *sq.RefundPaymentRequest {
	key := strings.TrimSpace(p.IdempotencyKey)
	if key == "" {
		key = "refund-" + uuid.NewString()
	}
	currency := sq.Currency(strings.ToUpper(strings.TrimSpace(p.Currency)))
	if currency == "" {
		currency = sq.Currency(enums.CurrencyUSD)
	}
	paymentID := strings.TrimSpace(p.PaymentID)
	amount := p.AmountCents

	req := &sq.RefundPaymentRequest{
		IdempotencyKey: key,
		PaymentID:      &paymentID,
		AmountMoney:    &sq.Money{Amount: &amount, Currency: &currency},
	}
	if reason := strings.TrimSpace(p.Reason); reason != "" {
		req.Reason = &reason
	}
	return req
}

// Refund is the part of a Square PaymentRefund the ledger reads.
type Refund struct {
	ID        string
	PaymentID string
	Status    string
}

func (r Refund) IsPending() bool {
	return strings.EqualFold(r.Status, RefundStatusPending)
}

func (r Refund) IsFailed() bool {
	return strings.EqualFold(r.Status, RefundStatusRejected) || strings.EqualFold(r.Status, RefundStatusFailed)
}

func refundFrom(r *sq.PaymentRefund) *Refund {
	if r == nil {
		return &Refund{}
	}
	return &Refund{ID: text(r.GetID()), PaymentID: text(r.GetPaymentID()), Status: text(r.GetStatus())}
}

// RefundError tells the ledger how a refund attempt failed.
type RefundError struct {
	Kind enums.GatewayFailure
	Err  error
}

func (e *RefundError) Error() string {
	return fmt.Sprintf("square refund %s: %v", e.Kind, e.Err)
}

func (e *RefundError) Unwrap() error {
	return e.Err
}

func (c *Client) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	req := params.request()
	var refund *Refund
	err := c.call(ctx, "refund_payment", map[string]any{
		"payment_id":      params.PaymentID,
		"amount_cents":    params.AmountCents,
		"idempotency_key": req.IdempotencyKey,
	}, func() error {
		resp, err := c.sdk.Refunds.RefundPayment(ctx, req)
		if err != nil {
			return err
		}
		refund = refundFrom(resp.GetRefund())
		return nil
	})
	if err != nil {
		if refundAlreadyPending(err) {
			return &Refund{PaymentID: strings.TrimSpace(params.PaymentID), Status: RefundStatusPending}, nil
		}
		return nil, classifyRefundError(err)
	}
	return refund, nil
}

func (c *Client) GetRefund(ctx context.Context, refundID string) (*Refund, error) {
	var refund *Refund
	err := c.call(ctx, "get_refund", map[string]any{"square_refund_id": refundID}, func() error {
		resp, err := c.sdk.Refunds.Get(ctx, &sq.GetRefundsRequest{RefundID: refundID})
		if err != nil {
			return err
		}
		refund = refundFrom(resp.GetRefund())
		return nil
	})
	if err != nil {
		return nil, lookupError(err, "get refund")
	}
	return refund, nil
}

// classifyRefundError splits failures into transport problems, which are
// safe to retry with the same key, and definitive answers from Square.
func classifyRefundError(err error) error {
	kind := enums.GatewayFailureNetwork
	var apiErr *sqcore.APIError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.As(err, &netErr):
	case errors.As(err, &apiErr):
		if apiErr.StatusCode < http.StatusInternalServerError && apiErr.StatusCode != http.StatusTooManyRequests {
			kind = enums.GatewayFailureDeclined
		}
		for _, e := range squareErrors(apiErr) {
			if e != nil && e.Code == codePaymentAlreadyRefunded {
				kind = enums.GatewayFailureAlreadyRefunded
				break
			}
		}
	}
	return &RefundError{Kind: kind, Err: err}
}

// refundAlreadyPending reports whether Square is still settling an earlier
// refund for the same payment.
func refundAlreadyPending(err error) bool {
	var apiErr *sqcore.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, e := range squareErrors(apiErr) {
		if e != nil && e.Code == codeRefundAlreadyPending {
			return true
		}
	}
	return false
}
