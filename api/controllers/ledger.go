package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/registration-ledger/api/middleware"
	"github.com/angelmondragon/registration-ledger/api/responses"
	"github.com/angelmondragon/registration-ledger/api/validators"
	"github.com/angelmondragon/registration-ledger/internal/audit"
	"github.com/angelmondragon/registration-ledger/internal/reconciler"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/pagination"
)

const (
	maxNotesLength  = 2000
	maxReasonLength = 500
)

// LedgerService is the reconciler surface exposed over HTTP.
type LedgerService interface {
	OpenBalance(ctx context.Context, in reconciler.OpenBalanceInput) (*models.Balance, error)
	AdjustTotal(ctx context.Context, in reconciler.AdjustTotalInput) (*models.Balance, error)
	RecordCheckReceived(ctx context.Context, in reconciler.CheckReceivedInput) (*models.Payment, error)
	RecordCheckPledged(ctx context.Context, in reconciler.CheckPledgedInput) (*models.Payment, error)
	RecordCashReceived(ctx context.Context, in reconciler.CashReceivedInput) (*models.Payment, error)
	AppendPaymentNotes(ctx context.Context, in reconciler.AppendNotesInput) (*models.Payment, error)
	ProcessRefund(ctx context.Context, in reconciler.ProcessRefundInput) (*models.Refund, error)
	CompleteManualRefund(ctx context.Context, in reconciler.CompleteManualRefundInput) (*models.Refund, error)
	GetStatement(ctx context.Context, key models.RegistrationKey) (*reconciler.Statement, error)
	ListAuditEntries(ctx context.Context, key models.RegistrationKey, params pagination.Params) (*audit.Page, error)
	Aggregate(ctx context.Context, keys []models.RegistrationKey) (*reconciler.AggregateReport, error)
	Rederive(ctx context.Context, key models.RegistrationKey) (*reconciler.DriftReport, error)
}

type openBalanceRequest struct {
	TotalAmountDue decimal.Decimal `json:"total_amount_due" validate:"required"`
	DueDate        *string         `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// OpenBalance creates the balance for a finalized registration.
func OpenBalance(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := validators.ParseRegistrationKey(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body openBalanceRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		dueDate, err := validators.ParseDate("due_date", body.DueDate)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		bal, err := svc.OpenBalance(r.Context(), reconciler.OpenBalanceInput{
			Key:            key,
			TotalAmountDue: body.TotalAmountDue,
			DueDate:        dueDate,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newBalanceView(bal))
	}
}

// GetStatement returns the balance with its payments, refunds and audit trail.
func GetStatement(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := validators.ParseRegistrationKey(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		stmt, err := svc.GetStatement(r.Context(), key)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newStatementView(stmt))
	}
}

// ListAuditEntries pages through a registration's audit entries.
func ListAuditEntries(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := validators.ParseRegistrationKey(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := svc.ListAuditEntries(r.Context(), key, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newAuditPageView(page))
	}
}

// Rederive recomputes the balance figures from history and reports drift.
func Rederive(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := validators.ParseRegistrationKey(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		report, err := svc.Rederive(r.Context(), key)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newDriftView(report))
	}
}

type checkReceivedRequest struct {
	CheckNumber  *string         `json:"check_number,omitempty" validate:"omitempty,max=64"`
	Amount       decimal.Decimal `json:"amount" validate:"required,money"`
	DateReceived string          `json:"date_received" validate:"required,datetime=2006-01-02"`
	Notes        *string         `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// RecordCheckReceived records a physical check against the balance.
func RecordCheckReceived(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, operator, ok := registrationAndOperator(w, r, logg)
		if !ok {
			return
		}
		var body checkReceivedRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		received, err := validators.ParseDate("date_received", &body.DateReceived)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.RecordCheckReceived(r.Context(), reconciler.CheckReceivedInput{
			Key:          key,
			CheckNumber:  sanitizeOptional(body.CheckNumber, 64),
			Amount:       body.Amount,
			DateReceived: *received,
			Notes:        sanitizeOptional(body.Notes, maxNotesLength),
			ActingUserID: operator,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newPaymentView(payment))
	}
}

type checkPledgeRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"required,money"`
	CheckNumber *string         `json:"check_number,omitempty" validate:"omitempty,max=64"`
	Notes       *string         `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// RecordCheckPledged records a check the registrant promised to send.
func RecordCheckPledged(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := validators.ParseRegistrationKey(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body checkPledgeRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.RecordCheckPledged(r.Context(), reconciler.CheckPledgedInput{
			Key:         key,
			Amount:      body.Amount,
			CheckNumber: sanitizeOptional(body.CheckNumber, 64),
			Notes:       sanitizeOptional(body.Notes, maxNotesLength),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newPaymentView(payment))
	}
}

type cashReceivedRequest struct {
	Amount       decimal.Decimal `json:"amount" validate:"required,money"`
	DateReceived string          `json:"date_received" validate:"required,datetime=2006-01-02"`
	Notes        *string         `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// RecordCashReceived records cash taken at the desk.
func RecordCashReceived(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := validators.ParseRegistrationKey(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body cashReceivedRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		received, err := validators.ParseDate("date_received", &body.DateReceived)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.RecordCashReceived(r.Context(), reconciler.CashReceivedInput{
			Key:          key,
			Amount:       body.Amount,
			DateReceived: *received,
			Notes:        sanitizeOptional(body.Notes, maxNotesLength),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newPaymentView(payment))
	}
}

type adjustTotalRequest struct {
	NewTotal        decimal.Decimal `json:"new_total" validate:"required"`
	Notes           *string         `json:"notes,omitempty" validate:"omitempty,max=2000"`
	DueDate         *string         `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ExpectedVersion *int64          `json:"expected_version,omitempty" validate:"omitempty,min=1"`
}

// AdjustTotal changes the amount owed, optionally guarded by the caller's last seen version.
func AdjustTotal(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, operator, ok := registrationAndOperator(w, r, logg)
		if !ok {
			return
		}
		var body adjustTotalRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		dueDate, err := validators.ParseDate("due_date", body.DueDate)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		bal, err := svc.AdjustTotal(r.Context(), reconciler.AdjustTotalInput{
			Key:             key,
			NewTotal:        body.NewTotal,
			ActingUserID:    operator,
			Notes:           sanitizeOptional(body.Notes, maxNotesLength),
			DueDate:         dueDate,
			ExpectedVersion: body.ExpectedVersion,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newBalanceView(bal))
	}
}

type processRefundRequest struct {
	Amount    decimal.Decimal `json:"amount" validate:"required,money"`
	Method    string          `json:"method" validate:"required,oneof=gateway check cash manual"`
	Reason    string          `json:"reason" validate:"required,max=500"`
	Completed bool            `json:"completed,omitempty"`
}

// ProcessRefund returns money to the registrant. The Idempotency-Key header
// doubles as the refund's gateway idempotency key.
func ProcessRefund(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, operator, ok := registrationAndOperator(w, r, logg)
		if !ok {
			return
		}
		var body processRefundRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		method, err := enums.ParseRefundMethod(body.Method)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid refund method"))
			return
		}

		refund, err := svc.ProcessRefund(r.Context(), reconciler.ProcessRefundInput{
			Key:            key,
			Amount:         body.Amount,
			Method:         method,
			Reason:         validators.SanitizeString(body.Reason, maxReasonLength),
			ActingUserID:   operator,
			IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
			Completed:      body.Completed,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newRefundView(refund))
	}
}

type completeRefundRequest struct {
	Notes *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// CompleteManualRefund marks a hand-issued refund as settled.
func CompleteManualRefund(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operator, ok := operatorID(w, r, logg)
		if !ok {
			return
		}
		refundID, err := validators.ParseUUIDParam(r, "refundId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body completeRefundRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &body); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		refund, err := svc.CompleteManualRefund(r.Context(), reconciler.CompleteManualRefundInput{
			RefundID:     refundID,
			ActingUserID: operator,
			Notes:        sanitizeOptional(body.Notes, maxNotesLength),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newRefundView(refund))
	}
}

type appendNotesRequest struct {
	Notes string `json:"notes" validate:"required,max=2000"`
}

// AppendPaymentNotes adds operator notes to a payment.
func AppendPaymentNotes(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paymentID, err := validators.ParseUUIDParam(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body appendNotesRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.AppendPaymentNotes(r.Context(), reconciler.AppendNotesInput{
			PaymentID: paymentID,
			Notes:     validators.SanitizeString(body.Notes, maxNotesLength),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPaymentView(payment))
	}
}

type aggregateRequest struct {
	Registrations []string `json:"registrations" validate:"required,min=1,max=500,dive,required"`
}

// Aggregate sums the balances of the listed registrations ("type:id" references).
func Aggregate(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body aggregateRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		keys := make([]models.RegistrationKey, 0, len(body.Registrations))
		for i, raw := range body.Registrations {
			key, err := models.ParseRegistrationKey(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid registration reference").
					WithDetails(map[string]any{"field": "registrations", "index": i}))
				return
			}
			keys = append(keys, key)
		}

		report, err := svc.Aggregate(r.Context(), keys)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newAggregateView(report))
	}
}

func registrationAndOperator(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (models.RegistrationKey, uuid.UUID, bool) {
	operator, ok := operatorID(w, r, logg)
	if !ok {
		return models.RegistrationKey{}, uuid.Nil, false
	}
	key, err := validators.ParseRegistrationKey(r)
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return models.RegistrationKey{}, uuid.Nil, false
	}
	return key, operator, true
}

func operatorID(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (uuid.UUID, bool) {
	op, ok := middleware.OperatorFromContext(r.Context())
	if !ok {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "operator identity missing"))
		return uuid.Nil, false
	}
	return op.ID, true
}

func sanitizeOptional(value *string, maxLen int) *string {
	if value == nil {
		return nil
	}
	clean := validators.SanitizeString(*value, maxLen)
	if clean == "" {
		return nil
	}
	return &clean
}
