package reconciler

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/registration-ledger/internal/notifications"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/money"
)

const (
	opRecordCheckReceived = "record_check_received"
	opRecordCheckPledged  = "record_check_pledged"
	opRecordCashReceived  = "record_cash_received"
	opRecordCardPending   = "record_card_payment_pending"
	opRecordCardSucceeded = "record_card_payment_succeeded"
	opRecordCardFailed    = "record_card_payment_failed"
	opAppendPaymentNotes  = "append_payment_notes"
)

// RecordCheckReceived settles a check. A matching pending pledge is settled in
// place; otherwise a new succeeded check payment is created. Replaying the same
// (check number, date received, amount) receipt is a no-op.
func (r *Reconciler) RecordCheckReceived(ctx context.Context, in CheckReceivedInput) (payment *models.Payment, err error) {
	var bal *models.Balance
	defer func() { r.finish(ctx, opRecordCheckReceived, in.Key, bal, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	amount := money.Normalize(in.Amount)
	received := dateOnly(in.DateReceived)
	checkNumber := trimmedPtr(in.CheckNumber)

	var applied bool
	err = r.mutate(ctx, opRecordCheckReceived, in.Key, true, func(ctx context.Context, st stores, b *models.Balance) error {
		bal = b
		existing, err := st.payments.FindCheckReceipt(ctx, in.Key, checkNumber, received, amount)
		if err != nil {
			return err
		}
		if existing != nil {
			payment, applied = existing, false
			return nil
		}

		p, err := st.payments.FindPendingCheck(ctx, in.Key, checkNumber)
		if err != nil {
			return err
		}
		now := r.now()
		create := p == nil
		if create {
			p = &models.Payment{
				RegistrationID:   in.Key.RegistrationID,
				RegistrationType: in.Key.RegistrationType,
				PaymentMethod:    enums.PaymentMethodCheck,
			}
		}
		p.Amount = amount
		p.PaymentStatus = enums.PaymentStatusSucceeded
		if checkNumber != nil {
			p.CheckNumber = checkNumber
		}
		p.CheckReceivedDate = &received
		p.ProcessedAt = &now
		p.Notes = appendNote(p.Notes, in.Notes)
		if create {
			err = st.payments.Create(ctx, p)
		} else {
			err = st.payments.Save(ctx, p)
		}
		if err != nil {
			return err
		}

		oldPaid := b.AmountPaid
		if err := r.settle(ctx, st, b, amount, received); err != nil {
			return err
		}
		entry := &models.AuditEntry{
			RegistrationID:   b.RegistrationID,
			RegistrationType: b.RegistrationType,
			EditType:         enums.AuditEditCheckReconciled,
			OldTotal:         oldPaid,
			NewTotal:         b.AmountPaid,
			Difference:       amount,
			ActingUserID:     in.ActingUserID,
			Notes:            trimmedPtr(in.Notes),
		}
		if err := st.audit.Record(ctx, entry); err != nil {
			return err
		}
		payment, applied = p, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if applied {
		r.notifyPayment(ctx, bal, payment)
	}
	return payment, nil
}

// RecordCheckPledged notes a check the registrant has promised. It does not move money.
func (r *Reconciler) RecordCheckPledged(ctx context.Context, in CheckPledgedInput) (payment *models.Payment, err error) {
	defer func() { r.finish(ctx, opRecordCheckPledged, in.Key, nil, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	err = r.mutate(ctx, opRecordCheckPledged, in.Key, false, func(ctx context.Context, st stores, _ *models.Balance) error {
		p := &models.Payment{
			RegistrationID:   in.Key.RegistrationID,
			RegistrationType: in.Key.RegistrationType,
			Amount:           money.Normalize(in.Amount),
			PaymentMethod:    enums.PaymentMethodCheck,
			PaymentStatus:    enums.PaymentStatusPending,
			CheckNumber:      trimmedPtr(in.CheckNumber),
			Notes:            trimmedPtr(in.Notes),
		}
		if err := st.payments.Create(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// RecordCashReceived settles a cash payment. The payment row is its own record;
// cash does not write an audit entry.
func (r *Reconciler) RecordCashReceived(ctx context.Context, in CashReceivedInput) (payment *models.Payment, err error) {
	var bal *models.Balance
	defer func() { r.finish(ctx, opRecordCashReceived, in.Key, bal, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	amount := money.Normalize(in.Amount)
	received := in.DateReceived.UTC()
	err = r.mutate(ctx, opRecordCashReceived, in.Key, true, func(ctx context.Context, st stores, b *models.Balance) error {
		bal = b
		now := r.now()
		p := &models.Payment{
			RegistrationID:   in.Key.RegistrationID,
			RegistrationType: in.Key.RegistrationType,
			Amount:           amount,
			PaymentMethod:    enums.PaymentMethodCash,
			PaymentStatus:    enums.PaymentStatusSucceeded,
			ProcessedAt:      &now,
			Notes:            trimmedPtr(in.Notes),
		}
		if err := st.payments.Create(ctx, p); err != nil {
			return err
		}
		if err := r.settle(ctx, st, b, amount, received); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.notifyPayment(ctx, bal, payment)
	return payment, nil
}

// RecordCardPaymentPending records a card charge the gateway has not settled yet.
// It is idempotent on the gateway reference.
func (r *Reconciler) RecordCardPaymentPending(ctx context.Context, in CardPaymentInput) (payment *models.Payment, err error) {
	defer func() { r.finish(ctx, opRecordCardPending, in.Key, nil, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	reference := strings.TrimSpace(in.GatewayReference)
	err = r.mutate(ctx, opRecordCardPending, in.Key, true, func(ctx context.Context, st stores, _ *models.Balance) error {
		existing, err := st.payments.FindByGatewayReference(ctx, reference)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Key() != in.Key {
				return referenceOwnedElsewhere(reference)
			}
			payment = existing
			return nil
		}

		p := &models.Payment{
			RegistrationID:   in.Key.RegistrationID,
			RegistrationType: in.Key.RegistrationType,
			Amount:           money.Normalize(in.Amount),
			PaymentMethod:    enums.PaymentMethodCard,
			PaymentStatus:    enums.PaymentStatusPending,
			GatewayReference: &reference,
		}
		if err := st.payments.Create(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// RecordCardPaymentSucceeded settles a card payment exactly once per gateway
// reference. Redelivered notifications return the settled payment untouched.
func (r *Reconciler) RecordCardPaymentSucceeded(ctx context.Context, in CardPaymentInput) (payment *models.Payment, err error) {
	var bal *models.Balance
	defer func() { r.finish(ctx, opRecordCardSucceeded, in.Key, bal, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	amount := money.Normalize(in.Amount)
	reference := strings.TrimSpace(in.GatewayReference)
	var applied bool
	err = r.mutate(ctx, opRecordCardSucceeded, in.Key, true, func(ctx context.Context, st stores, b *models.Balance) error {
		bal = b
		p, err := st.payments.FindByGatewayReference(ctx, reference)
		if err != nil {
			return err
		}

		now := r.now()
		switch {
		case p == nil:
			p = &models.Payment{
				RegistrationID:   in.Key.RegistrationID,
				RegistrationType: in.Key.RegistrationType,
				Amount:           amount,
				PaymentMethod:    enums.PaymentMethodCard,
				PaymentStatus:    enums.PaymentStatusSucceeded,
				GatewayReference: &reference,
				ProcessedAt:      &now,
			}
			if err := st.payments.Create(ctx, p); err != nil {
				return err
			}
		case p.Key() != in.Key:
			return referenceOwnedElsewhere(reference)
		case p.PaymentStatus == enums.PaymentStatusSucceeded:
			payment, applied = p, false
			return nil
		case p.PaymentStatus == enums.PaymentStatusFailed:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "card payment already recorded as failed").
				WithDetails(map[string]any{"payment_id": p.ID, "gateway_reference": reference})
		default:
			p.Amount = amount
			p.PaymentStatus = enums.PaymentStatusSucceeded
			p.ProcessedAt = &now
			if err := st.payments.Save(ctx, p); err != nil {
				return err
			}
		}

		if err := r.settle(ctx, st, b, amount, now); err != nil {
			return err
		}
		payment, applied = p, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if applied {
		r.notifyPayment(ctx, bal, payment)
	}
	return payment, nil
}

// RecordCardPaymentFailed marks a card payment failed. The balance never moves:
// only settled payments count toward amount paid, and a settled payment is never demoted.
func (r *Reconciler) RecordCardPaymentFailed(ctx context.Context, in CardPaymentFailedInput) (payment *models.Payment, err error) {
	key := in.Key
	defer func() { r.finish(ctx, opRecordCardFailed, key, nil, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	reference := strings.TrimSpace(in.GatewayReference)
	reason := strings.TrimSpace(in.Reason)
	err = r.db.WithTx(ctx, func(tx *gorm.DB) error {
		st := r.bind(tx)
		p, err := st.payments.FindByGatewayReference(ctx, reference)
		if err != nil {
			return err
		}

		if p == nil {
			if in.Key.Validate() != nil || !money.IsPositive(in.Amount) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found for gateway reference").
					WithDetails(map[string]any{"gateway_reference": reference})
			}
			if _, err := st.balances.Get(ctx, in.Key); err != nil {
				return err
			}
			p = &models.Payment{
				RegistrationID:   in.Key.RegistrationID,
				RegistrationType: in.Key.RegistrationType,
				Amount:           money.Normalize(in.Amount),
				PaymentMethod:    enums.PaymentMethodCard,
				PaymentStatus:    enums.PaymentStatusFailed,
				GatewayReference: &reference,
				FailureReason:    optionalString(reason),
			}
			if err := st.payments.Create(ctx, p); err != nil {
				return err
			}
			payment = p
			return nil
		}

		key = p.Key()
		switch p.PaymentStatus {
		case enums.PaymentStatusSucceeded:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "settled card payment cannot be marked failed").
				WithDetails(map[string]any{"payment_id": p.ID, "gateway_reference": reference})
		case enums.PaymentStatusFailed:
			payment = p
			return nil
		}

		p.PaymentStatus = enums.PaymentStatusFailed
		p.FailureReason = optionalString(reason)
		if err := st.payments.Save(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// AppendPaymentNotes adds free text to a payment. Notes are the only field that
// may change on a settled payment.
func (r *Reconciler) AppendPaymentNotes(ctx context.Context, in AppendNotesInput) (payment *models.Payment, err error) {
	var key models.RegistrationKey
	defer func() { r.finish(ctx, opAppendPaymentNotes, key, nil, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	err = r.db.WithTx(ctx, func(tx *gorm.DB) error {
		st := r.bind(tx)
		p, err := st.payments.FindByID(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		key = p.Key()
		p.Notes = appendNote(p.Notes, &in.Notes)
		if err := st.payments.Save(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// settle adds a settled amount to the balance and commits it.
func (r *Reconciler) settle(ctx context.Context, st stores, b *models.Balance, amount decimal.Decimal, paidAt time.Time) error {
	expected := b.Version
	recompute(b, b.TotalAmountDue, b.AmountPaid.Add(amount))
	advanceLastPayment(b, paidAt)
	return r.commit(ctx, st, b, expected)
}

func (r *Reconciler) notifyPayment(ctx context.Context, b *models.Balance, p *models.Payment) {
	payload := balancePayload(b)
	payload["payment_id"] = p.ID
	payload["payment_method"] = p.PaymentMethod
	payload["amount"] = money.Format(p.Amount)
	r.notify(ctx, notifications.Notification{
		Recipient: p.Key(),
		Kind:      enums.NotificationPaymentReceived,
		Payload:   payload,
	})
}

func referenceOwnedElsewhere(reference string) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, "gateway reference belongs to another registration").
		WithDetails(map[string]any{"gateway_reference": reference})
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
