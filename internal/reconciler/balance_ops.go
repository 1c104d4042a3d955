package reconciler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/registration-ledger/internal/balances"
	"github.com/angelmondragon/registration-ledger/internal/notifications"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/money"
)

const (
	opOpenBalance = "open_balance"
	opAdjustTotal = "adjust_total"
)

// OpenBalance creates the balance for a finalized registration. Opening a
// registration that already has a balance returns the stored balance unchanged.
func (r *Reconciler) OpenBalance(ctx context.Context, in OpenBalanceInput) (bal *models.Balance, err error) {
	defer func() { r.finish(ctx, opOpenBalance, in.Key, bal, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	existing, err := r.balances.Get(ctx, in.Key)
	if err == nil {
		return existing, nil
	}
	if !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return nil, err
	}

	total := money.Normalize(in.TotalAmountDue)
	bal = &models.Balance{
		RegistrationID:   in.Key.RegistrationID,
		RegistrationType: in.Key.RegistrationType,
		OriginalTotalDue: total,
		DueDate:          utcPtr(in.DueDate),
	}
	recompute(bal, total, decimal.Zero)
	if err = checkInvariants(bal); err != nil {
		return nil, err
	}

	if err = r.balances.Create(ctx, bal); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
			// lost the race with a concurrent open
			return r.balances.Get(ctx, in.Key)
		}
		return nil, err
	}
	return bal, nil
}

// AdjustTotal re-prices a registration and records the change in the audit trail.
func (r *Reconciler) AdjustTotal(ctx context.Context, in AdjustTotalInput) (out *models.Balance, err error) {
	defer func() { r.finish(ctx, opAdjustTotal, in.Key, out, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	newTotal := money.Normalize(in.NewTotal)
	var changed bool
	err = r.mutate(ctx, opAdjustTotal, in.Key, in.ExpectedVersion == nil, func(ctx context.Context, st stores, bal *models.Balance) error {
		if in.ExpectedVersion != nil && bal.Version != *in.ExpectedVersion {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, balances.ErrVersionConflict, "balance was modified since it was read").
				WithDetails(map[string]any{"expected_version": *in.ExpectedVersion, "current_version": bal.Version})
		}

		oldTotal := bal.TotalAmountDue
		totalChanged := !oldTotal.Equal(newTotal)
		dueChanged := in.DueDate != nil && (bal.DueDate == nil || !bal.DueDate.Equal(in.DueDate.UTC()))
		if !totalChanged && !dueChanged {
			out, changed = bal, false
			return nil
		}

		expected := bal.Version
		recompute(bal, newTotal, bal.AmountPaid)
		if dueChanged {
			bal.DueDate = utcPtr(in.DueDate)
		}
		if err := r.commit(ctx, st, bal, expected); err != nil {
			return err
		}

		if totalChanged {
			entry := &models.AuditEntry{
				RegistrationID:   bal.RegistrationID,
				RegistrationType: bal.RegistrationType,
				EditType:         enums.AuditEditManualTotalChange,
				OldTotal:         oldTotal,
				NewTotal:         newTotal,
				Difference:       newTotal.Sub(oldTotal),
				ActingUserID:     in.ActingUserID,
				Notes:            trimmedPtr(in.Notes),
			}
			if err := st.audit.Record(ctx, entry); err != nil {
				return err
			}
		}
		out, changed = bal, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		r.notify(ctx, notifications.Notification{
			Recipient: in.Key,
			Kind:      enums.NotificationBalanceAdjusted,
			Payload:   balancePayload(out),
		})
	}
	return out, nil
}

func balancePayload(b *models.Balance) map[string]any {
	payload := map[string]any{
		"total_amount_due": money.Format(b.TotalAmountDue),
		"amount_paid":      money.Format(b.AmountPaid),
		"amount_remaining": money.Format(b.AmountRemaining),
		"payment_status":   b.PaymentStatus,
		"version":          b.Version,
	}
	if b.DueDate != nil {
		payload["due_date"] = b.DueDate.Format(time.RFC3339)
	}
	return payload
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// advanceLastPayment moves lastPaymentDate forward only.
func advanceLastPayment(b *models.Balance, at time.Time) {
	at = at.UTC()
	if b.LastPaymentDate == nil || at.After(*b.LastPaymentDate) {
		b.LastPaymentDate = &at
	}
}
