package controllers

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/registration-ledger/api/validators"
	"github.com/angelmondragon/registration-ledger/internal/audit"
	"github.com/angelmondragon/registration-ledger/internal/reconciler"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	"github.com/angelmondragon/registration-ledger/pkg/money"
)

// Views render amounts as fixed two-decimal strings.

type balanceView struct {
	ID               uuid.UUID              `json:"id"`
	RegistrationID   uuid.UUID              `json:"registration_id"`
	RegistrationType enums.RegistrationType `json:"registration_type"`
	TotalAmountDue   string                 `json:"total_amount_due"`
	AmountPaid       string                 `json:"amount_paid"`
	AmountRemaining  string                 `json:"amount_remaining"`
	OriginalTotalDue string                 `json:"original_total_due"`
	PaymentStatus    enums.BalanceStatus    `json:"payment_status"`
	LastPaymentDate  *time.Time             `json:"last_payment_date,omitempty"`
	DueDate          *string                `json:"due_date,omitempty"`
	Version          int64                  `json:"version"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

type paymentView struct {
	ID                uuid.UUID           `json:"id"`
	Amount            string              `json:"amount"`
	PaymentMethod     enums.PaymentMethod `json:"payment_method"`
	PaymentStatus     enums.PaymentStatus `json:"payment_status"`
	GatewayReference  *string             `json:"gateway_reference,omitempty"`
	CheckNumber       *string             `json:"check_number,omitempty"`
	CheckReceivedDate *string             `json:"check_received_date,omitempty"`
	ProcessedAt       *time.Time          `json:"processed_at,omitempty"`
	Notes             *string             `json:"notes,omitempty"`
	FailureReason     *string             `json:"failure_reason,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

type refundView struct {
	ID                      uuid.UUID          `json:"id"`
	RefundAmount            string             `json:"refund_amount"`
	RefundMethod            enums.RefundMethod `json:"refund_method"`
	RefundReason            string             `json:"refund_reason"`
	Status                  enums.RefundStatus `json:"status"`
	BalanceApplied          bool               `json:"balance_applied"`
	GatewayPaymentReference *string            `json:"gateway_payment_reference,omitempty"`
	GatewayRefundReference  *string            `json:"gateway_refund_reference,omitempty"`
	IdempotencyKey          string             `json:"idempotency_key"`
	ProcessedByUserID       uuid.UUID          `json:"processed_by_user_id"`
	FailureReason           *string            `json:"failure_reason,omitempty"`
	CompletedAt             *time.Time         `json:"completed_at,omitempty"`
	CreatedAt               time.Time          `json:"created_at"`
}

type auditEntryView struct {
	ID           uuid.UUID           `json:"id"`
	EditType     enums.AuditEditType `json:"edit_type"`
	OldTotal     string              `json:"old_total"`
	NewTotal     string              `json:"new_total"`
	Difference   string              `json:"difference"`
	ActingUserID uuid.UUID           `json:"acting_user_id"`
	Notes        *string             `json:"notes,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

type statementView struct {
	Balance      balanceView      `json:"balance"`
	Overdue      bool             `json:"overdue"`
	Payments     []paymentView    `json:"payments"`
	Refunds      []refundView     `json:"refunds"`
	AuditEntries []auditEntryView `json:"audit_entries"`
}

type auditPageView struct {
	Entries    []auditEntryView `json:"entries"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type figuresView struct {
	TotalAmountDue  string              `json:"total_amount_due"`
	AmountPaid      string              `json:"amount_paid"`
	AmountRemaining string              `json:"amount_remaining"`
	PaymentStatus   enums.BalanceStatus `json:"payment_status"`
}

type driftView struct {
	RegistrationID   uuid.UUID              `json:"registration_id"`
	RegistrationType enums.RegistrationType `json:"registration_type"`
	Version          int64                  `json:"version"`
	Stored           figuresView            `json:"stored"`
	Derived          figuresView            `json:"derived"`
	Drifted          bool                   `json:"drifted"`
}

type aggregateView struct {
	Balances        int                         `json:"balances"`
	TotalAmountDue  string                      `json:"total_amount_due"`
	AmountPaid      string                      `json:"amount_paid"`
	AmountRemaining string                      `json:"amount_remaining"`
	StatusCounts    map[enums.BalanceStatus]int `json:"status_counts"`
	OverdueCount    int                         `json:"overdue_count"`
	OverdueAmount   string                      `json:"overdue_amount"`
	Missing         []string                    `json:"missing"`
}

func newBalanceView(b *models.Balance) balanceView {
	return balanceView{
		ID:               b.ID,
		RegistrationID:   b.RegistrationID,
		RegistrationType: b.RegistrationType,
		TotalAmountDue:   money.Format(b.TotalAmountDue),
		AmountPaid:       money.Format(b.AmountPaid),
		AmountRemaining:  money.Format(b.AmountRemaining),
		OriginalTotalDue: money.Format(b.OriginalTotalDue),
		PaymentStatus:    b.PaymentStatus,
		LastPaymentDate:  b.LastPaymentDate,
		DueDate:          formatDate(b.DueDate),
		Version:          b.Version,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func newPaymentView(p *models.Payment) paymentView {
	return paymentView{
		ID:                p.ID,
		Amount:            money.Format(p.Amount),
		PaymentMethod:     p.PaymentMethod,
		PaymentStatus:     p.PaymentStatus,
		GatewayReference:  p.GatewayReference,
		CheckNumber:       p.CheckNumber,
		CheckReceivedDate: formatDate(p.CheckReceivedDate),
		ProcessedAt:       p.ProcessedAt,
		Notes:             p.Notes,
		FailureReason:     p.FailureReason,
		CreatedAt:         p.CreatedAt,
	}
}

func newRefundView(r *models.Refund) refundView {
	return refundView{
		ID:                      r.ID,
		RefundAmount:            money.Format(r.RefundAmount),
		RefundMethod:            r.RefundMethod,
		RefundReason:            r.RefundReason,
		Status:                  r.Status,
		BalanceApplied:          r.BalanceApplied,
		GatewayPaymentReference: r.GatewayPaymentReference,
		GatewayRefundReference:  r.GatewayRefundReference,
		IdempotencyKey:          r.IdempotencyKey,
		ProcessedByUserID:       r.ProcessedByUserID,
		FailureReason:           r.FailureReason,
		CompletedAt:             r.CompletedAt,
		CreatedAt:               r.CreatedAt,
	}
}

func newAuditEntryViews(entries []models.AuditEntry) []auditEntryView {
	out := make([]auditEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryView{
			ID:           e.ID,
			EditType:     e.EditType,
			OldTotal:     money.Format(e.OldTotal),
			NewTotal:     money.Format(e.NewTotal),
			Difference:   money.Format(e.Difference),
			ActingUserID: e.ActingUserID,
			Notes:        e.Notes,
			CreatedAt:    e.CreatedAt,
		})
	}
	return out
}

func newStatementView(s *reconciler.Statement) statementView {
	view := statementView{
		Balance:      newBalanceView(&s.Balance),
		Overdue:      s.Overdue,
		Payments:     make([]paymentView, 0, len(s.Payments)),
		Refunds:      make([]refundView, 0, len(s.Refunds)),
		AuditEntries: newAuditEntryViews(s.AuditEntries),
	}
	for i := range s.Payments {
		view.Payments = append(view.Payments, newPaymentView(&s.Payments[i]))
	}
	for i := range s.Refunds {
		view.Refunds = append(view.Refunds, newRefundView(&s.Refunds[i]))
	}
	return view
}

func newAuditPageView(p *audit.Page) auditPageView {
	return auditPageView{Entries: newAuditEntryViews(p.Entries), NextCursor: p.NextCursor}
}

func newFiguresView(f reconciler.Figures) figuresView {
	return figuresView{
		TotalAmountDue:  money.Format(f.TotalAmountDue),
		AmountPaid:      money.Format(f.AmountPaid),
		AmountRemaining: money.Format(f.AmountRemaining),
		PaymentStatus:   f.PaymentStatus,
	}
}

func newDriftView(d *reconciler.DriftReport) driftView {
	return driftView{
		RegistrationID:   d.Key.RegistrationID,
		RegistrationType: d.Key.RegistrationType,
		Version:          d.Version,
		Stored:           newFiguresView(d.Stored),
		Derived:          newFiguresView(d.Derived),
		Drifted:          d.Drifted,
	}
}

func newAggregateView(a *reconciler.AggregateReport) aggregateView {
	missing := make([]string, 0, len(a.Missing))
	for _, key := range a.Missing {
		missing = append(missing, key.String())
	}
	return aggregateView{
		Balances:        a.Balances,
		TotalAmountDue:  money.Format(a.TotalAmountDue),
		AmountPaid:      money.Format(a.AmountPaid),
		AmountRemaining: money.Format(a.AmountRemaining),
		StatusCounts:    a.StatusCounts,
		OverdueCount:    a.OverdueCount,
		OverdueAmount:   money.Format(a.OverdueAmount),
		Missing:         missing,
	}
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(validators.DateLayout)
	return &v
}
