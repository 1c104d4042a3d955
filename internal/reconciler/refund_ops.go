package reconciler

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/registration-ledger/internal/notifications"
	"github.com/angelmondragon/registration-ledger/internal/refunds"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/money"
)

const (
	opProcessRefund        = "process_refund"
	opResolveGatewayRefund = "resolve_gateway_refund"
	opCompleteManualRefund = "complete_manual_refund"
)

// gatewayResult is the settled answer for one gateway refund attempt.
type gatewayResult struct {
	outcome   refunds.GatewayOutcome
	reference string
	failure   enums.GatewayFailure
	reason    string
}

// ProcessRefund returns money to a registration.
//
// Manual refunds (check, cash, manual) reduce amount paid immediately in one
// transaction. Gateway refunds reserve a pending refund first, call the gateway
// outside any transaction, and apply the result in a second transaction.
//
// The reservation commits a balance version bump so concurrent refunds on one
// registration serialize. A declined or unreachable gateway therefore still
// moves the balance version and updated_at, while amount paid, remaining and
// status stay as they were. A gateway that reports the payment as already
// refunded completes the refund with BalanceApplied unset and no debit.
func (r *Reconciler) ProcessRefund(ctx context.Context, in ProcessRefundInput) (refund *models.Refund, err error) {
	defer func() { r.finish(ctx, opProcessRefund, in.Key, nil, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}
	amount := money.Normalize(in.Amount)
	if in.Method == enums.RefundMethodGateway && r.gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeGatewayUnavailable, "payment gateway is not configured")
	}

	if in.IdempotencyKey != "" {
		existing, err := r.refunds.FindByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return r.replayRefund(ctx, in, amount, existing)
		}
	}

	if in.Method != enums.RefundMethodGateway {
		return r.processManualRefund(ctx, in, amount)
	}
	return r.processGatewayRefund(ctx, in, amount, nil)
}

func (r *Reconciler) processManualRefund(ctx context.Context, in ProcessRefundInput, amount decimal.Decimal) (*models.Refund, error) {
	var (
		refund   *models.Refund
		replayed *models.Refund
		bal      *models.Balance
	)
	err := r.mutate(ctx, opProcessRefund, in.Key, true, func(ctx context.Context, st stores, b *models.Balance) error {
		if in.IdempotencyKey != "" {
			prior, err := st.refunds.FindByIdempotencyKey(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				replayed = prior
				return nil
			}
		}
		if err := r.checkRefundBound(ctx, st, b, amount); err != nil {
			return err
		}

		now := r.now()
		rf := &models.Refund{
			RegistrationID:    in.Key.RegistrationID,
			RegistrationType:  in.Key.RegistrationType,
			RefundAmount:      amount,
			RefundMethod:      in.Method,
			RefundReason:      strings.TrimSpace(in.Reason),
			Status:            enums.RefundStatusPending,
			BalanceApplied:    true,
			IdempotencyKey:    in.IdempotencyKey,
			ProcessedByUserID: in.ActingUserID,
		}
		if in.Completed {
			rf.Status = enums.RefundStatusCompleted
			rf.CompletedAt = &now
		}
		if err := st.refunds.Create(ctx, rf); err != nil {
			return err
		}
		if err := r.debit(ctx, st, b, rf, in.ActingUserID); err != nil {
			return err
		}
		refund, bal = rf, b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return r.replayRefund(ctx, in, amount, replayed)
	}

	r.notifyRefund(ctx, bal, refund)
	return refund, nil
}

// processGatewayRefund reserves (or re-arms a failed) refund, calls the gateway
// and applies the answer.
func (r *Reconciler) processGatewayRefund(ctx context.Context, in ProcessRefundInput, amount decimal.Decimal, failed *models.Refund) (*models.Refund, error) {
	var (
		reserved *models.Refund
		replayed *models.Refund
	)
	err := r.mutate(ctx, opProcessRefund, in.Key, true, func(ctx context.Context, st stores, b *models.Balance) error {
		var rf *models.Refund
		if failed != nil {
			current, err := st.refunds.FindByID(ctx, failed.ID)
			if err != nil {
				return err
			}
			if current.Status != enums.RefundStatusFailed {
				replayed = current
				return nil
			}
			rf = current
		} else if in.IdempotencyKey != "" {
			prior, err := st.refunds.FindByIdempotencyKey(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				replayed = prior
				return nil
			}
		}

		card, err := st.payments.LatestSucceededCard(ctx, in.Key)
		if err != nil {
			return err
		}
		if card == nil || card.GatewayReference == nil {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "no settled card payment to refund against")
		}
		if err := r.checkRefundBound(ctx, st, b, amount); err != nil {
			return err
		}

		paymentRef := *card.GatewayReference
		if rf == nil {
			rf = &models.Refund{
				RegistrationID:          in.Key.RegistrationID,
				RegistrationType:        in.Key.RegistrationType,
				RefundAmount:            amount,
				RefundMethod:            enums.RefundMethodGateway,
				RefundReason:            strings.TrimSpace(in.Reason),
				Status:                  enums.RefundStatusPending,
				GatewayPaymentReference: &paymentRef,
				IdempotencyKey:          in.IdempotencyKey,
				ProcessedByUserID:       in.ActingUserID,
			}
			if err := st.refunds.Create(ctx, rf); err != nil {
				return err
			}
		} else {
			rf.Status = enums.RefundStatusPending
			rf.FailureReason = nil
			rf.GatewayPaymentReference = &paymentRef
			if err := st.refunds.Save(ctx, rf); err != nil {
				return err
			}
		}

		// the reservation bumps the version so concurrent refunds serialize
		if err := r.commit(ctx, st, b, b.Version); err != nil {
			return err
		}
		reserved = rf
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return r.replayRefund(ctx, in, amount, replayed)
	}
	return r.chargeAndApply(ctx, reserved)
}

// chargeAndApply calls the gateway for a reserved refund and records the answer.
// The caller's cancellation does not reach the gateway call or the second
// transaction; the gateway adapter applies its own timeout.
func (r *Reconciler) chargeAndApply(ctx context.Context, rf *models.Refund) (*models.Refund, error) {
	settleCtx := context.WithoutCancel(ctx)

	paymentRef := ""
	if rf.GatewayPaymentReference != nil {
		paymentRef = *rf.GatewayPaymentReference
	}
	res, gwErr := r.gateway.ChargeRefund(settleCtx, refunds.ChargeRefundRequest{
		GatewayPaymentReference: paymentRef,
		Amount:                  rf.RefundAmount,
		Reason:                  rf.RefundReason,
		IdempotencyKey:          rf.IdempotencyKey,
	})
	result := resultFor(res, gwErr)
	r.metrics.IncGatewayRefund(result.metricOutcome())

	settled, err := r.applyGatewayResult(settleCtx, opProcessRefund, rf, result)
	if err != nil {
		return nil, err
	}
	if settled.Status == enums.RefundStatusFailed && result.outcome == refunds.GatewayOutcomeFailed {
		return nil, gatewayFailureError(settled, result, gwErr)
	}
	return settled, nil
}

func resultFor(res *refunds.ChargeRefundResult, gwErr error) gatewayResult {
	if gwErr != nil {
		typed := refunds.AsGatewayError(gwErr)
		if typed.Kind == enums.GatewayFailureAlreadyRefunded {
			// an earlier refund already returned this money and debited the balance
			return gatewayResult{outcome: refunds.GatewayOutcomeCompleted, failure: typed.Kind}
		}
		return gatewayResult{outcome: refunds.GatewayOutcomeFailed, failure: typed.Kind, reason: gwErr.Error()}
	}
	out := gatewayResult{outcome: refunds.GatewayOutcomeCompleted}
	if res != nil {
		out.reference = res.GatewayRefundReference
		if res.Pending {
			out.outcome = refunds.GatewayOutcomePending
		}
	}
	return out
}

func (g gatewayResult) metricOutcome() string {
	if g.failure != "" {
		return string(g.failure)
	}
	return string(g.outcome)
}

func gatewayFailureError(rf *models.Refund, result gatewayResult, cause error) error {
	code := pkgerrors.CodeGatewayUnavailable
	msg := "payment gateway unavailable; refund not executed"
	if result.failure == enums.GatewayFailureDeclined {
		code = pkgerrors.CodeGatewayDeclined
		msg = "payment gateway declined the refund"
	}
	return pkgerrors.Wrap(code, cause, msg).WithDetails(map[string]any{
		"refund_id":       rf.ID,
		"gateway_failure": result.failure,
	})
}

// applyGatewayResult settles a pending gateway refund. A refund that is no
// longer pending was settled elsewhere and is returned as stored. A refund the
// gateway reports as already refunded completes without touching the balance.
func (r *Reconciler) applyGatewayResult(ctx context.Context, op string, rf *models.Refund, result gatewayResult) (*models.Refund, error) {
	var (
		settled *models.Refund
		bal     *models.Balance
		changed bool
	)
	err := r.mutate(ctx, op, rf.Key(), true, func(ctx context.Context, st stores, b *models.Balance) error {
		current, err := st.refunds.FindByID(ctx, rf.ID)
		if err != nil {
			return err
		}
		settled, bal, changed = current, b, false
		if current.Status != enums.RefundStatusPending {
			return nil
		}
		if result.reference != "" {
			ref := result.reference
			current.GatewayRefundReference = &ref
		}

		switch {
		case result.outcome == refunds.GatewayOutcomeCompleted && result.failure == enums.GatewayFailureAlreadyRefunded:
			now := r.now()
			current.Status = enums.RefundStatusCompleted
			current.BalanceApplied = false
			current.CompletedAt = &now
			return st.refunds.Save(ctx, current)
		case result.outcome == refunds.GatewayOutcomeCompleted:
			now := r.now()
			current.Status = enums.RefundStatusCompleted
			current.BalanceApplied = true
			current.CompletedAt = &now
			if err := st.refunds.Save(ctx, current); err != nil {
				return err
			}
			if err := r.debit(ctx, st, b, current, current.ProcessedByUserID); err != nil {
				return err
			}
		case result.outcome == refunds.GatewayOutcomeFailed:
			current.Status = enums.RefundStatusFailed
			current.FailureReason = optionalString(result.reason)
			if err := st.refunds.Save(ctx, current); err != nil {
				return err
			}
		default:
			if err := st.refunds.Save(ctx, current); err != nil {
				return err
			}
			return nil
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		r.notifyRefund(ctx, bal, settled)
	}
	return settled, nil
}

// replayRefund answers a request whose idempotency key was seen before.
func (r *Reconciler) replayRefund(ctx context.Context, in ProcessRefundInput, amount decimal.Decimal, existing *models.Refund) (*models.Refund, error) {
	if existing.Key() != in.Key || existing.RefundMethod != in.Method || !existing.RefundAmount.Equal(amount) {
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key was already used for a different refund").
			WithDetails(map[string]any{"refund_id": existing.ID})
	}

	switch {
	case !existing.IsGateway():
		return existing, nil
	case existing.Status == enums.RefundStatusFailed:
		return r.processGatewayRefund(ctx, in, amount, existing)
	case existing.Status == enums.RefundStatusPending && existing.GatewayRefundReference == nil:
		// the gateway answer was never recorded; the idempotency key makes a second call safe
		return r.chargeAndApply(ctx, existing)
	default:
		return existing, nil
	}
}

// ResolveGatewayRefund settles a pending gateway refund from an asynchronous
// gateway notification or status lookup.
func (r *Reconciler) ResolveGatewayRefund(ctx context.Context, in ResolveGatewayRefundInput) (refund *models.Refund, err error) {
	var key models.RegistrationKey
	defer func() { r.finish(ctx, opResolveGatewayRefund, key, nil, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	reference := strings.TrimSpace(in.GatewayRefundReference)
	rf, err := r.refunds.FindByGatewayRefundReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if rf == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "refund not found for gateway reference").
			WithDetails(map[string]any{"gateway_refund_reference": reference})
	}
	key = rf.Key()
	if in.Outcome == refunds.GatewayOutcomePending || rf.Status != enums.RefundStatusPending {
		return rf, nil
	}

	result := gatewayResult{outcome: in.Outcome, reference: reference, reason: strings.TrimSpace(in.FailureReason)}
	if in.Outcome == refunds.GatewayOutcomeFailed {
		result.failure = enums.GatewayFailureDeclined
	}
	r.metrics.IncGatewayRefund(result.metricOutcome())
	return r.applyGatewayResult(ctx, opResolveGatewayRefund, rf, result)
}

// CompleteManualRefund records that a check or cash refund was handed over. The
// balance was already debited when the refund was processed, so only the
// version moves and the audit trail notes the settlement.
func (r *Reconciler) CompleteManualRefund(ctx context.Context, in CompleteManualRefundInput) (refund *models.Refund, err error) {
	var key models.RegistrationKey
	defer func() { r.finish(ctx, opCompleteManualRefund, key, nil, err) }()

	if err = in.validate(); err != nil {
		return nil, err
	}

	rf, err := r.refunds.FindByID(ctx, in.RefundID)
	if err != nil {
		return nil, err
	}
	key = rf.Key()
	if rf.IsGateway() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "gateway refunds are settled by the gateway").
			WithDetails(map[string]any{"refund_id": rf.ID})
	}

	err = r.mutate(ctx, opCompleteManualRefund, key, true, func(ctx context.Context, st stores, b *models.Balance) error {
		current, err := st.refunds.FindByID(ctx, in.RefundID)
		if err != nil {
			return err
		}
		switch current.Status {
		case enums.RefundStatusCompleted:
			refund = current
			return nil
		case enums.RefundStatusFailed:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "failed refund cannot be completed").
				WithDetails(map[string]any{"refund_id": current.ID})
		}

		now := r.now()
		current.Status = enums.RefundStatusCompleted
		current.CompletedAt = &now
		if err := st.refunds.Save(ctx, current); err != nil {
			return err
		}
		if err := r.commit(ctx, st, b, b.Version); err != nil {
			return err
		}
		entry := &models.AuditEntry{
			RegistrationID:   b.RegistrationID,
			RegistrationType: b.RegistrationType,
			EditType:         enums.AuditEditRefundProcessed,
			OldTotal:         b.AmountPaid,
			NewTotal:         b.AmountPaid,
			Difference:       decimal.Zero,
			ActingUserID:     in.ActingUserID,
			Notes:            appendNote(optionalString("refund "+current.ID.String()+" settled"), in.Notes),
		}
		if err := st.audit.Record(ctx, entry); err != nil {
			return err
		}
		refund = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// checkRefundBound rejects a refund larger than what was paid and not already
// reserved by in-flight gateway refunds.
func (r *Reconciler) checkRefundBound(ctx context.Context, st stores, b *models.Balance, amount decimal.Decimal) error {
	pending, err := st.refunds.ListPendingGateway(ctx, b.Key())
	if err != nil {
		return err
	}
	available := b.AmountPaid
	for _, p := range pending {
		available = available.Sub(p.RefundAmount)
	}
	if amount.GreaterThan(available) {
		return pkgerrors.New(pkgerrors.CodeRefundExceedsPaid, "refund amount exceeds amount paid").
			WithDetails(map[string]any{
				"refund_amount": money.Format(amount),
				"amount_paid":   money.Format(b.AmountPaid),
				"refundable":    money.Format(decimal.Max(available, decimal.Zero)),
			})
	}
	return nil
}

// debit takes an applied refund out of amount paid and audits it.
func (r *Reconciler) debit(ctx context.Context, st stores, b *models.Balance, rf *models.Refund, actingUserID uuid.UUID) error {
	expected := b.Version
	oldPaid := b.AmountPaid
	recompute(b, b.TotalAmountDue, oldPaid.Sub(rf.RefundAmount))
	if err := r.commit(ctx, st, b, expected); err != nil {
		return err
	}
	reason := rf.RefundReason
	entry := &models.AuditEntry{
		RegistrationID:   b.RegistrationID,
		RegistrationType: b.RegistrationType,
		EditType:         enums.AuditEditRefundProcessed,
		OldTotal:         oldPaid,
		NewTotal:         b.AmountPaid,
		Difference:       rf.RefundAmount.Neg(),
		ActingUserID:     actingUserID,
		Notes:            optionalString(reason),
	}
	return st.audit.Record(ctx, entry)
}

func (r *Reconciler) notifyRefund(ctx context.Context, b *models.Balance, rf *models.Refund) {
	kind := enums.NotificationRefundProcessed
	if rf.Status == enums.RefundStatusFailed {
		kind = enums.NotificationRefundFailed
	}
	payload := balancePayload(b)
	payload["refund_id"] = rf.ID
	payload["refund_method"] = rf.RefundMethod
	payload["refund_amount"] = money.Format(rf.RefundAmount)
	payload["refund_status"] = rf.Status
	r.notify(ctx, notifications.Notification{
		Recipient: rf.Key(),
		Kind:      kind,
		Payload:   payload,
	})
}
