package reconciler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/money"
)

// DeriveStatus is the only place a balance status is computed.
//
//	remaining == 0 && totalDue > 0  -> paid_full
//	remaining < 0                   -> overpaid
//	paid > 0                        -> partial
//	otherwise                       -> unpaid
func DeriveStatus(totalDue, paid, remaining decimal.Decimal) enums.BalanceStatus {
	switch {
	case remaining.IsZero() && totalDue.IsPositive():
		return enums.BalanceStatusPaidFull
	case remaining.IsNegative():
		return enums.BalanceStatusOverpaid
	case paid.IsPositive():
		return enums.BalanceStatusPartial
	default:
		return enums.BalanceStatusUnpaid
	}
}

// IsOverdue reports whether money is still owed after the balance's due date.
// Balances without a due date are never overdue.
func IsOverdue(b models.Balance, now time.Time) bool {
	if b.DueDate == nil {
		return false
	}
	return b.DueDate.Before(now) && b.AmountRemaining.IsPositive()
}

// recompute sets the triple and status from a new total and amount paid.
func recompute(b *models.Balance, total, paid decimal.Decimal) {
	b.TotalAmountDue = money.Normalize(total)
	b.AmountPaid = money.Normalize(paid)
	b.AmountRemaining = b.TotalAmountDue.Sub(b.AmountPaid)
	b.PaymentStatus = DeriveStatus(b.TotalAmountDue, b.AmountPaid, b.AmountRemaining)
}

// checkInvariants rejects a balance that must never be committed.
func checkInvariants(b *models.Balance) error {
	violation := func(reason string) error {
		return pkgerrors.New(pkgerrors.CodeInvariantViolation, reason).WithDetails(map[string]any{
			"balance_id":        b.ID,
			"total_amount_due":  money.Format(b.TotalAmountDue),
			"amount_paid":       money.Format(b.AmountPaid),
			"amount_remaining":  money.Format(b.AmountRemaining),
			"payment_status":    b.PaymentStatus,
			"registration_id":   b.RegistrationID,
			"registration_type": b.RegistrationType,
		})
	}

	if b.TotalAmountDue.IsNegative() {
		return violation("total amount due is negative")
	}
	if b.AmountPaid.IsNegative() {
		return violation("amount paid is negative")
	}
	if !b.TotalAmountDue.Equal(b.AmountPaid.Add(b.AmountRemaining)) {
		return violation("total amount due does not equal amount paid plus amount remaining")
	}
	if b.PaymentStatus != DeriveStatus(b.TotalAmountDue, b.AmountPaid, b.AmountRemaining) {
		return violation("payment status does not match balance figures")
	}
	return nil
}
