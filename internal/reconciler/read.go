package reconciler

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/registration-ledger/internal/audit"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	"github.com/angelmondragon/registration-ledger/pkg/pagination"
)

// Statement is the itemized ledger for one registration.
type Statement struct {
	Balance      models.Balance
	Overdue      bool
	Payments     []models.Payment
	Refunds      []models.Refund
	AuditEntries []models.AuditEntry
}

// AggregateReport summarizes a set of registrations for bulk reporting.
type AggregateReport struct {
	Balances        int
	TotalAmountDue  decimal.Decimal
	AmountPaid      decimal.Decimal
	AmountRemaining decimal.Decimal
	StatusCounts    map[enums.BalanceStatus]int
	OverdueCount    int
	OverdueAmount   decimal.Decimal
	Missing         []models.RegistrationKey
}

// Figures is the balance triple plus its status.
type Figures struct {
	TotalAmountDue  decimal.Decimal
	AmountPaid      decimal.Decimal
	AmountRemaining decimal.Decimal
	PaymentStatus   enums.BalanceStatus
}

// DriftReport compares the stored balance with figures rebuilt from history.
type DriftReport struct {
	Key     models.RegistrationKey
	Version int64
	Stored  Figures
	Derived Figures
	Drifted bool
}

// GetStatement reads a balance with its payments, refunds and audit entries from one snapshot.
func (r *Reconciler) GetStatement(ctx context.Context, key models.RegistrationKey) (*Statement, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var stmt Statement
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		st := r.bind(tx)
		bal, err := st.balances.Get(ctx, key)
		if err != nil {
			return err
		}
		stmt.Balance = *bal
		if stmt.Payments, err = st.payments.ListByRegistration(ctx, key); err != nil {
			return err
		}
		if stmt.Refunds, err = st.refunds.ListByRegistration(ctx, key); err != nil {
			return err
		}
		stmt.AuditEntries, err = st.audit.ListByRegistration(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	stmt.Overdue = IsOverdue(stmt.Balance, r.now())
	return &stmt, nil
}

// ListAuditEntries pages through a registration's audit trail, oldest first.
func (r *Reconciler) ListAuditEntries(ctx context.Context, key models.RegistrationKey, params pagination.Params) (*audit.Page, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if _, err := r.balances.Get(ctx, key); err != nil {
		return nil, err
	}
	return r.audit.Page(ctx, key, params)
}

// Aggregate totals the balances of the given registrations. Keys without a
// balance are reported in Missing rather than failing the request.
func (r *Reconciler) Aggregate(ctx context.Context, keys []models.RegistrationKey) (*AggregateReport, error) {
	unique, err := validateKeys(keys)
	if err != nil {
		return nil, err
	}

	rows, err := r.balances.ListByKeys(ctx, unique)
	if err != nil {
		return nil, err
	}

	now := r.now()
	report := &AggregateReport{
		TotalAmountDue:  decimal.Zero,
		AmountPaid:      decimal.Zero,
		AmountRemaining: decimal.Zero,
		OverdueAmount:   decimal.Zero,
		StatusCounts:    make(map[enums.BalanceStatus]int),
	}
	found := make(map[models.RegistrationKey]struct{}, len(rows))
	for _, b := range rows {
		found[b.Key()] = struct{}{}
		report.Balances++
		report.TotalAmountDue = report.TotalAmountDue.Add(b.TotalAmountDue)
		report.AmountPaid = report.AmountPaid.Add(b.AmountPaid)
		report.AmountRemaining = report.AmountRemaining.Add(b.AmountRemaining)
		report.StatusCounts[b.PaymentStatus]++
		if IsOverdue(b, now) {
			report.OverdueCount++
			report.OverdueAmount = report.OverdueAmount.Add(b.AmountRemaining)
		}
	}
	for _, key := range unique {
		if _, ok := found[key]; !ok {
			report.Missing = append(report.Missing, key)
		}
	}
	return report, nil
}

// Rederive rebuilds the balance from its history and reports any drift from the
// stored figures. It never writes.
func (r *Reconciler) Rederive(ctx context.Context, key models.RegistrationKey) (*DriftReport, error) {
	stmt, err := r.GetStatement(ctx, key)
	if err != nil {
		return nil, err
	}
	report := RederiveStatement(stmt)
	if report.Drifted {
		r.logg.Warn(r.logg.WithRegistration(ctx, string(key.RegistrationType), key.RegistrationID.String()), "ledger.drift_detected")
	}
	return report, nil
}

// RederiveStatement computes the drift report for an already loaded statement.
//
//	total = original total + sum of manual total changes
//	paid  = settled payments - refunds applied to the balance
func RederiveStatement(stmt *Statement) *DriftReport {
	if stmt == nil {
		return nil
	}
	b := stmt.Balance

	total := b.OriginalTotalDue
	for _, e := range stmt.AuditEntries {
		if e.EditType == enums.AuditEditManualTotalChange {
			total = total.Add(e.Difference)
		}
	}
	paid := decimal.Zero
	for _, p := range stmt.Payments {
		if p.IsSettled() {
			paid = paid.Add(p.Amount)
		}
	}
	for _, rf := range stmt.Refunds {
		if rf.BalanceApplied {
			paid = paid.Sub(rf.RefundAmount)
		}
	}

	var derived models.Balance
	recompute(&derived, total, paid)

	report := &DriftReport{
		Key:     b.Key(),
		Version: b.Version,
		Stored: Figures{
			TotalAmountDue:  b.TotalAmountDue,
			AmountPaid:      b.AmountPaid,
			AmountRemaining: b.AmountRemaining,
			PaymentStatus:   b.PaymentStatus,
		},
		Derived: Figures{
			TotalAmountDue:  derived.TotalAmountDue,
			AmountPaid:      derived.AmountPaid,
			AmountRemaining: derived.AmountRemaining,
			PaymentStatus:   derived.PaymentStatus,
		},
	}
	report.Drifted = !report.Stored.equal(report.Derived)
	return report
}

func (f Figures) equal(o Figures) bool {
	return f.TotalAmountDue.Equal(o.TotalAmountDue) &&
		f.AmountPaid.Equal(o.AmountPaid) &&
		f.AmountRemaining.Equal(o.AmountRemaining) &&
		f.PaymentStatus == o.PaymentStatus
}
