package reconciler

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/registration-ledger/internal/refunds"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/money"
)

const maxAggregateKeys = 500

type OpenBalanceInput struct {
	Key            models.RegistrationKey
	TotalAmountDue decimal.Decimal
	DueDate        *time.Time
}

type AdjustTotalInput struct {
	Key          models.RegistrationKey
	NewTotal     decimal.Decimal
	ActingUserID uuid.UUID
	Notes        *string
	DueDate      *time.Time
	// ExpectedVersion pins the commit to a version the caller has seen. When set,
	// a stale version is reported as a conflict instead of being retried.
	ExpectedVersion *int64
}

type CheckReceivedInput struct {
	Key          models.RegistrationKey
	CheckNumber  *string
	Amount       decimal.Decimal
	DateReceived time.Time
	Notes        *string
	ActingUserID uuid.UUID
}

type CheckPledgedInput struct {
	Key         models.RegistrationKey
	Amount      decimal.Decimal
	CheckNumber *string
	Notes       *string
}

type CashReceivedInput struct {
	Key          models.RegistrationKey
	Amount       decimal.Decimal
	DateReceived time.Time
	Notes        *string
}

type CardPaymentInput struct {
	Key              models.RegistrationKey
	Amount           decimal.Decimal
	GatewayReference string
}

// CardPaymentFailedInput marks a card payment failed. Key and Amount are only
// needed when the gateway reports a failure for a payment never seen as pending.
type CardPaymentFailedInput struct {
	GatewayReference string
	Reason           string
	Key              models.RegistrationKey
	Amount           decimal.Decimal
}

type AppendNotesInput struct {
	PaymentID uuid.UUID
	Notes     string
}

type ProcessRefundInput struct {
	Key          models.RegistrationKey
	Amount       decimal.Decimal
	Method       enums.RefundMethod
	Reason       string
	ActingUserID uuid.UUID
	// IdempotencyKey deduplicates retries of the same request. Empty means the
	// refund id is used as the gateway idempotency key.
	IdempotencyKey string
	// Completed records a manual refund as already settled.
	Completed bool
}

type ResolveGatewayRefundInput struct {
	GatewayRefundReference string
	Outcome                refunds.GatewayOutcome
	FailureReason          string
}

type CompleteManualRefundInput struct {
	RefundID     uuid.UUID
	ActingUserID uuid.UUID
	Notes        *string
}

func validationError(msg string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, msg)
}

func validateKey(key models.RegistrationKey) error {
	if err := key.Validate(); err != nil {
		return validationError(err.Error())
	}
	return nil
}

func validatePositive(field string, amount decimal.Decimal) error {
	if !money.IsPositive(amount) {
		return validationError(field + " must be greater than zero")
	}
	if !amount.Equal(money.Normalize(amount)) {
		return validationError(field + " must have at most two decimal places")
	}
	return nil
}

func (in OpenBalanceInput) validate() error {
	if err := validateKey(in.Key); err != nil {
		return err
	}
	if in.TotalAmountDue.IsNegative() {
		return validationError("total amount due must not be negative")
	}
	return nil
}

func (in AdjustTotalInput) validate() error {
	if err := validateKey(in.Key); err != nil {
		return err
	}
	if in.NewTotal.IsNegative() {
		return validationError("new total must not be negative")
	}
	if in.ActingUserID == uuid.Nil {
		return validationError("acting user id is required")
	}
	return nil
}

func (in CheckReceivedInput) validate() error {
	if err := validateKey(in.Key); err != nil {
		return err
	}
	if err := validatePositive("amount received", in.Amount); err != nil {
		return err
	}
	if in.DateReceived.IsZero() {
		return validationError("date received is required")
	}
	if in.ActingUserID == uuid.Nil {
		return validationError("acting user id is required")
	}
	return nil
}

func (in CheckPledgedInput) validate() error {
	if err := validateKey(in.Key); err != nil {
		return err
	}
	return validatePositive("amount", in.Amount)
}

func (in CashReceivedInput) validate() error {
	if err := validateKey(in.Key); err != nil {
		return err
	}
	if err := validatePositive("amount received", in.Amount); err != nil {
		return err
	}
	if in.DateReceived.IsZero() {
		return validationError("date received is required")
	}
	return nil
}

func (in CardPaymentInput) validate() error {
	if err := validateKey(in.Key); err != nil {
		return err
	}
	if err := validatePositive("amount", in.Amount); err != nil {
		return err
	}
	if strings.TrimSpace(in.GatewayReference) == "" {
		return validationError("gateway reference is required")
	}
	return nil
}

func (in CardPaymentFailedInput) validate() error {
	if strings.TrimSpace(in.GatewayReference) == "" {
		return validationError("gateway reference is required")
	}
	return nil
}

func (in AppendNotesInput) validate() error {
	if in.PaymentID == uuid.Nil {
		return validationError("payment id is required")
	}
	if strings.TrimSpace(in.Notes) == "" {
		return validationError("notes are required")
	}
	return nil
}

func (in ProcessRefundInput) validate() error {
	if err := validateKey(in.Key); err != nil {
		return err
	}
	if err := validatePositive("refund amount", in.Amount); err != nil {
		return err
	}
	if !in.Method.IsValid() {
		return validationError("invalid refund method")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return validationError("refund reason is required")
	}
	if in.ActingUserID == uuid.Nil {
		return validationError("acting user id is required")
	}
	if in.Method == enums.RefundMethodGateway && in.Completed {
		return validationError("gateway refunds are settled by the gateway")
	}
	return nil
}

func (in ResolveGatewayRefundInput) validate() error {
	if strings.TrimSpace(in.GatewayRefundReference) == "" {
		return validationError("gateway refund reference is required")
	}
	switch in.Outcome {
	case refunds.GatewayOutcomePending, refunds.GatewayOutcomeCompleted, refunds.GatewayOutcomeFailed:
		return nil
	default:
		return validationError("invalid gateway refund outcome")
	}
}

func (in CompleteManualRefundInput) validate() error {
	if in.RefundID == uuid.Nil {
		return validationError("refund id is required")
	}
	if in.ActingUserID == uuid.Nil {
		return validationError("acting user id is required")
	}
	return nil
}

func validateKeys(keys []models.RegistrationKey) ([]models.RegistrationKey, error) {
	if len(keys) == 0 {
		return nil, validationError("at least one registration is required")
	}
	if len(keys) > maxAggregateKeys {
		return nil, validationError(fmt.Sprintf("at most %d registrations per request", maxAggregateKeys))
	}
	seen := make(map[models.RegistrationKey]struct{}, len(keys))
	unique := make([]models.RegistrationKey, 0, len(keys))
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	return unique, nil
}

// dateOnly truncates a receipt timestamp to its UTC calendar day.
func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func trimmedPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

func appendNote(existing *string, note *string) *string {
	note = trimmedPtr(note)
	if note == nil {
		return existing
	}
	if existing == nil || strings.TrimSpace(*existing) == "" {
		return note
	}
	joined := *existing + "\n" + *note
	return &joined
}
