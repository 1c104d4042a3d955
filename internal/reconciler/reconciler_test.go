package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/registration-ledger/internal/audit"
	"github.com/angelmondragon/registration-ledger/internal/balances"
	"github.com/angelmondragon/registration-ledger/internal/notifications"
	"github.com/angelmondragon/registration-ledger/internal/payments"
	"github.com/angelmondragon/registration-ledger/internal/refunds"
	"github.com/angelmondragon/registration-ledger/internal/repo/repotest"
	"github.com/angelmondragon/registration-ledger/pkg/db"
	"github.com/angelmondragon/registration-ledger/pkg/db/models"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/metrics"
	"github.com/angelmondragon/registration-ledger/pkg/pagination"
)

var testNow = time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu     sync.Mutex
	calls  []refunds.ChargeRefundRequest
	result *refunds.ChargeRefundResult
	err    error
}

func (g *fakeGateway) ChargeRefund(_ context.Context, req refunds.ChargeRefundRequest) (*refunds.ChargeRefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	if g.result != nil {
		res := *g.result
		return &res, nil
	}
	return &refunds.ChargeRefundResult{GatewayRefundReference: "sq-refund-" + req.IdempotencyKey}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notifications.Notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, msg notifications.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *fakeNotifier) kinds() []enums.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]enums.NotificationKind, 0, len(n.sent))
	for _, msg := range n.sent {
		out = append(out, msg.Kind)
	}
	return out
}

// tickingClock advances one second per reading so processed_at ordering is deterministic.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	rec      *Reconciler
	conn     *gorm.DB
	gateway  *fakeGateway
	notifier *fakeNotifier
	operator uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	conn := repotest.NewDB(t)
	clock := &tickingClock{now: testNow}
	h := &harness{
		conn:     conn,
		gateway:  &fakeGateway{},
		notifier: &fakeNotifier{},
		operator: uuid.New(),
	}
	rec, err := New(Params{
		DB:       db.NewFromConn(conn),
		Balances: balances.NewRepository(conn),
		Payments: payments.NewRepository(conn),
		Refunds:  refunds.NewRepository(conn),
		Audit:    audit.NewRepository(conn),
		Gateway:  h.gateway,
		Notifier: h.notifier,
		Logger:   logger.New(logger.Options{ServiceName: "reconciler-test", Output: io.Discard}),
		Metrics:  metrics.NewLedgerMetrics(prometheus.NewRegistry()),
		Clock:    clock.Now,
	})
	require.NoError(t, err)
	h.rec = rec
	return h
}

func amount(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func newKey() models.RegistrationKey {
	return models.RegistrationKey{RegistrationID: uuid.New(), RegistrationType: enums.RegistrationTypeGroup}
}

func (h *harness) open(t *testing.T, total string) models.RegistrationKey {
	t.Helper()
	key := newKey()
	_, err := h.rec.OpenBalance(context.Background(), OpenBalanceInput{Key: key, TotalAmountDue: amount(total)})
	require.NoError(t, err)
	return key
}

func (h *harness) balance(t *testing.T, key models.RegistrationKey) *models.Balance {
	t.Helper()
	b, err := balances.NewRepository(h.conn).Get(context.Background(), key)
	require.NoError(t, err)
	return b
}

func (h *harness) receiveCheck(t *testing.T, key models.RegistrationKey, value, number string) *models.Payment {
	t.Helper()
	p, err := h.rec.RecordCheckReceived(context.Background(), CheckReceivedInput{
		Key:          key,
		CheckNumber:  &number,
		Amount:       amount(value),
		DateReceived: testNow,
		ActingUserID: h.operator,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) settleCard(t *testing.T, key models.RegistrationKey, value, reference string) *models.Payment {
	t.Helper()
	p, err := h.rec.RecordCardPaymentSucceeded(context.Background(), CardPaymentInput{
		Key:              key,
		Amount:           amount(value),
		GatewayReference: reference,
	})
	require.NoError(t, err)
	return p
}

func assertTriple(t *testing.T, b *models.Balance, total, paid, remaining string, status enums.BalanceStatus) {
	t.Helper()
	assert.True(t, b.TotalAmountDue.Equal(amount(total)), "total: got %s want %s", b.TotalAmountDue, total)
	assert.True(t, b.AmountPaid.Equal(amount(paid)), "paid: got %s want %s", b.AmountPaid, paid)
	assert.True(t, b.AmountRemaining.Equal(amount(remaining)), "remaining: got %s want %s", b.AmountRemaining, remaining)
	assert.Equal(t, status, b.PaymentStatus)
	assert.True(t, b.TotalAmountDue.Equal(b.AmountPaid.Add(b.AmountRemaining)))
}

func requireCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed, "expected typed error, got %v", err)
	assert.Equal(t, code, typed.Code())
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name  string
		total string
		paid  string
		want  enums.BalanceStatus
	}{
		{name: "nothing paid", total: "300", paid: "0", want: enums.BalanceStatusUnpaid},
		{name: "partially paid", total: "300", paid: "100", want: enums.BalanceStatusPartial},
		{name: "paid in full", total: "300", paid: "300", want: enums.BalanceStatusPaidFull},
		{name: "overpaid", total: "300", paid: "350", want: enums.BalanceStatusOverpaid},
		{name: "zero total zero paid", total: "0", paid: "0", want: enums.BalanceStatusUnpaid},
		{name: "zero total with payment", total: "0", paid: "10", want: enums.BalanceStatusOverpaid},
		{name: "cents short", total: "300.00", paid: "299.99", want: enums.BalanceStatusPartial},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			total, paid := amount(tc.total), amount(tc.paid)
			assert.Equal(t, tc.want, DeriveStatus(total, paid, total.Sub(paid)))
		})
	}
}

func TestCheckInvariantsRejectsMismatchedTriple(t *testing.T) {
	b := &models.Balance{
		TotalAmountDue:  amount("300"),
		AmountPaid:      amount("100"),
		AmountRemaining: amount("150"),
		PaymentStatus:   enums.BalanceStatusPartial,
	}
	requireCode(t, checkInvariants(b), pkgerrors.CodeInvariantViolation)

	recompute(b, amount("300"), amount("100"))
	require.NoError(t, checkInvariants(b))

	b.PaymentStatus = enums.BalanceStatusPaidFull
	requireCode(t, checkInvariants(b), pkgerrors.CodeInvariantViolation)

	recompute(b, amount("100"), amount("-1"))
	requireCode(t, checkInvariants(b), pkgerrors.CodeInvariantViolation)
}

func TestIsOverdue(t *testing.T) {
	past := testNow.Add(-24 * time.Hour)
	future := testNow.Add(24 * time.Hour)

	b := models.Balance{AmountRemaining: amount("10")}
	assert.False(t, IsOverdue(b, testNow), "no due date is never overdue")

	b.DueDate = &past
	assert.True(t, IsOverdue(b, testNow))

	b.DueDate = &future
	assert.False(t, IsOverdue(b, testNow))

	b.DueDate = &past
	b.AmountRemaining = decimal.Zero
	assert.False(t, IsOverdue(b, testNow))
}

func TestOpenBalanceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := newKey()

	first, err := h.rec.OpenBalance(ctx, OpenBalanceInput{Key: key, TotalAmountDue: amount("300")})
	require.NoError(t, err)
	assertTriple(t, first, "300", "0", "300", enums.BalanceStatusUnpaid)
	assert.True(t, first.OriginalTotalDue.Equal(amount("300")))

	second, err := h.rec.OpenBalance(ctx, OpenBalanceInput{Key: key, TotalAmountDue: amount("999")})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.TotalAmountDue.Equal(amount("300")))
}

func TestOpenBalanceValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.rec.OpenBalance(context.Background(), OpenBalanceInput{Key: newKey(), TotalAmountDue: amount("-1")})
	requireCode(t, err, pkgerrors.CodeValidation)

	_, err = h.rec.OpenBalance(context.Background(), OpenBalanceInput{
		Key:            models.RegistrationKey{RegistrationID: uuid.New(), RegistrationType: "team"},
		TotalAmountDue: amount("10"),
	})
	requireCode(t, err, pkgerrors.CodeValidation)
}

func TestScenarios(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")

	// A: a check for the full amount settles the balance
	h.receiveCheck(t, key, "300", "1001")
	assertTriple(t, h.balance(t, key), "300", "300", "0", enums.BalanceStatusPaidFull)

	// B: a check refund moves the balance back to partial with one audit entry
	refund, err := h.rec.ProcessRefund(ctx, ProcessRefundInput{
		Key:          key,
		Amount:       amount("100"),
		Method:       enums.RefundMethodCheck,
		Reason:       "dropped one attendee",
		ActingUserID: h.operator,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusPending, refund.Status)
	assert.True(t, refund.BalanceApplied)
	assertTriple(t, h.balance(t, key), "300", "200", "100", enums.BalanceStatusPartial)

	stmt, err := h.rec.GetStatement(ctx, key)
	require.NoError(t, err)
	var refundEntries []models.AuditEntry
	for _, e := range stmt.AuditEntries {
		if e.EditType == enums.AuditEditRefundProcessed {
			refundEntries = append(refundEntries, e)
		}
	}
	require.Len(t, refundEntries, 1)
	assert.True(t, refundEntries[0].Difference.Equal(amount("-100")))

	// C: a refund above amount paid is rejected and nothing moves
	before := h.balance(t, key)
	_, err = h.rec.ProcessRefund(ctx, ProcessRefundInput{
		Key:          key,
		Amount:       amount("500"),
		Method:       enums.RefundMethodCash,
		Reason:       "too much",
		ActingUserID: h.operator,
	})
	requireCode(t, err, pkgerrors.CodeRefundExceedsPaid)
	after := h.balance(t, key)
	assert.Equal(t, before.Version, after.Version)
	assertTriple(t, after, "300", "200", "100", enums.BalanceStatusPartial)
}

func TestScenarioDAdjustTotalBelowPaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")
	h.receiveCheck(t, key, "300", "77")

	notes := "early bird discount"
	bal, err := h.rec.AdjustTotal(ctx, AdjustTotalInput{
		Key:          key,
		NewTotal:     amount("250"),
		ActingUserID: h.operator,
		Notes:        &notes,
	})
	require.NoError(t, err)
	assertTriple(t, bal, "250", "300", "-50", enums.BalanceStatusOverpaid)

	stmt, err := h.rec.GetStatement(ctx, key)
	require.NoError(t, err)
	var manual []models.AuditEntry
	for _, e := range stmt.AuditEntries {
		if e.EditType == enums.AuditEditManualTotalChange {
			manual = append(manual, e)
		}
	}
	require.Len(t, manual, 1)
	assert.True(t, manual[0].OldTotal.Equal(amount("300")))
	assert.True(t, manual[0].NewTotal.Equal(amount("250")))
	assert.True(t, manual[0].Difference.Equal(amount("-50")))
	assert.Equal(t, h.operator, manual[0].ActingUserID)
	require.NotNil(t, manual[0].Notes)
	assert.Equal(t, notes, *manual[0].Notes)
}

func TestAdjustTotalStaleVersionConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")
	read := h.balance(t, key)

	first := read.Version
	_, err := h.rec.AdjustTotal(ctx, AdjustTotalInput{Key: key, NewTotal: amount("280"), ActingUserID: h.operator, ExpectedVersion: &first})
	require.NoError(t, err)

	stale := read.Version
	_, err = h.rec.AdjustTotal(ctx, AdjustTotalInput{Key: key, NewTotal: amount("260"), ActingUserID: h.operator, ExpectedVersion: &stale})
	requireCode(t, err, pkgerrors.CodeConflict)
	assert.True(t, errors.Is(err, balances.ErrVersionConflict))

	assertTriple(t, h.balance(t, key), "280", "0", "280", enums.BalanceStatusUnpaid)
}

func TestAdjustTotalWithoutChangeIsNoop(t *testing.T) {
	h := newHarness(t)
	key := h.open(t, "120")
	before := h.balance(t, key)

	bal, err := h.rec.AdjustTotal(context.Background(), AdjustTotalInput{Key: key, NewTotal: amount("120.00"), ActingUserID: h.operator})
	require.NoError(t, err)
	assert.Equal(t, before.Version, bal.Version)

	stmt, err := h.rec.GetStatement(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, stmt.AuditEntries)
}

func TestAdjustTotalMovesDueDate(t *testing.T) {
	h := newHarness(t)
	key := h.open(t, "100")
	due := testNow.Add(-time.Hour)

	_, err := h.rec.AdjustTotal(context.Background(), AdjustTotalInput{Key: key, NewTotal: amount("100"), ActingUserID: h.operator, DueDate: &due})
	require.NoError(t, err)

	stmt, err := h.rec.GetStatement(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, stmt.Balance.DueDate)
	assert.True(t, stmt.Overdue)
	assert.Empty(t, stmt.AuditEntries, "a due date move alone is not a total change")
}

func TestRecordCardPaymentSucceededIsIdempotent(t *testing.T) {
	h := newHarness(t)
	key := h.open(t, "300")

	first := h.settleCard(t, key, "120", "sq-pay-1")
	once := h.balance(t, key)

	second := h.settleCard(t, key, "120", "sq-pay-1")
	twice := h.balance(t, key)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, once.Version, twice.Version)
	assertTriple(t, twice, "300", "120", "180", enums.BalanceStatusPartial)
}

func TestConcurrentCardSettlementsLoseNoUpdates(t *testing.T) {
	h := newHarness(t)
	key := h.open(t, "100")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.rec.RecordCardPaymentSucceeded(context.Background(), CardPaymentInput{
				Key:              key,
				Amount:           amount("10"),
				GatewayReference: fmt.Sprintf("sq-pay-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bal := h.balance(t, key)
	assertTriple(t, bal, "100", "80", "20", enums.BalanceStatusPartial)

	stmt, err := h.rec.GetStatement(context.Background(), key)
	require.NoError(t, err)
	assert.Len(t, stmt.Payments, workers)
}

func TestCardPaymentPendingThenSucceeded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "200")

	pending, err := h.rec.RecordCardPaymentPending(ctx, CardPaymentInput{Key: key, Amount: amount("200"), GatewayReference: "sq-pay-9"})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, pending.PaymentStatus)
	assertTriple(t, h.balance(t, key), "200", "0", "200", enums.BalanceStatusUnpaid)

	settled := h.settleCard(t, key, "200", "sq-pay-9")
	assert.Equal(t, pending.ID, settled.ID)
	assert.Equal(t, enums.PaymentStatusSucceeded, settled.PaymentStatus)
	assertTriple(t, h.balance(t, key), "200", "200", "0", enums.BalanceStatusPaidFull)
}

func TestCardPaymentFailedNeverDemotesSettled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "200")
	h.settleCard(t, key, "50", "sq-pay-2")

	_, err := h.rec.RecordCardPaymentFailed(ctx, CardPaymentFailedInput{GatewayReference: "sq-pay-2", Reason: "CARD_DECLINED"})
	requireCode(t, err, pkgerrors.CodeStateConflict)
	assertTriple(t, h.balance(t, key), "200", "50", "150", enums.BalanceStatusPartial)

	_, err = h.rec.RecordCardPaymentPending(ctx, CardPaymentInput{Key: key, Amount: amount("150"), GatewayReference: "sq-pay-3"})
	require.NoError(t, err)
	failed, err := h.rec.RecordCardPaymentFailed(ctx, CardPaymentFailedInput{GatewayReference: "sq-pay-3", Reason: "CARD_DECLINED"})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusFailed, failed.PaymentStatus)

	_, err = h.rec.RecordCardPaymentSucceeded(ctx, CardPaymentInput{Key: key, Amount: amount("150"), GatewayReference: "sq-pay-3"})
	requireCode(t, err, pkgerrors.CodeStateConflict)
	assertTriple(t, h.balance(t, key), "200", "50", "150", enums.BalanceStatusPartial)

	_, err = h.rec.RecordCardPaymentFailed(ctx, CardPaymentFailedInput{GatewayReference: "unknown"})
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestRecordCheckReceivedSettlesPledgeAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")

	number := "5521"
	pledge, err := h.rec.RecordCheckPledged(ctx, CheckPledgedInput{Key: key, Amount: amount("300"), CheckNumber: &number})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusPending, pledge.PaymentStatus)

	settled := h.receiveCheck(t, key, "250", number)
	assert.Equal(t, pledge.ID, settled.ID)
	assert.True(t, settled.Amount.Equal(amount("250")))

	replay := h.receiveCheck(t, key, "250", number)
	assert.Equal(t, settled.ID, replay.ID)

	bal := h.balance(t, key)
	assertTriple(t, bal, "300", "250", "50", enums.BalanceStatusPartial)
	require.NotNil(t, bal.LastPaymentDate)
	assert.True(t, bal.LastPaymentDate.Equal(dateOnly(testNow)))

	stmt, err := h.rec.GetStatement(ctx, key)
	require.NoError(t, err)
	require.Len(t, stmt.Payments, 1)
	require.Len(t, stmt.AuditEntries, 1)
	assert.Equal(t, enums.AuditEditCheckReconciled, stmt.AuditEntries[0].EditType)
	assert.True(t, stmt.AuditEntries[0].Difference.Equal(amount("250")))
}

func TestRecordCheckReceivedRequiresBalance(t *testing.T) {
	h := newHarness(t)
	number := "1"
	_, err := h.rec.RecordCheckReceived(context.Background(), CheckReceivedInput{
		Key:          newKey(),
		CheckNumber:  &number,
		Amount:       amount("10"),
		DateReceived: testNow,
		ActingUserID: h.operator,
	})
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestRecordCheckReceivedRejectsNonPositiveAmount(t *testing.T) {
	h := newHarness(t)
	key := h.open(t, "10")
	for _, value := range []string{"0", "-5", "1.005"} {
		_, err := h.rec.RecordCheckReceived(context.Background(), CheckReceivedInput{
			Key:          key,
			Amount:       amount(value),
			DateReceived: testNow,
			ActingUserID: h.operator,
		})
		requireCode(t, err, pkgerrors.CodeValidation)
	}
}

func TestRecordCashReceivedWritesNoAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "40")

	p, err := h.rec.RecordCashReceived(ctx, CashReceivedInput{Key: key, Amount: amount("40"), DateReceived: testNow})
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentMethodCash, p.PaymentMethod)
	assertTriple(t, h.balance(t, key), "40", "40", "0", enums.BalanceStatusPaidFull)

	stmt, err := h.rec.GetStatement(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, stmt.AuditEntries)
}

func TestAppendPaymentNotes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "40")
	p := h.receiveCheck(t, key, "40", "12")

	_, err := h.rec.AppendPaymentNotes(ctx, AppendNotesInput{PaymentID: p.ID, Notes: "deposited"})
	require.NoError(t, err)
	updated, err := h.rec.AppendPaymentNotes(ctx, AppendNotesInput{PaymentID: p.ID, Notes: "cleared"})
	require.NoError(t, err)
	require.NotNil(t, updated.Notes)
	assert.Equal(t, "deposited\ncleared", *updated.Notes)
	assert.Equal(t, enums.PaymentStatusSucceeded, updated.PaymentStatus)

	_, err = h.rec.AppendPaymentNotes(ctx, AppendNotesInput{PaymentID: p.ID, Notes: "  "})
	requireCode(t, err, pkgerrors.CodeValidation)
}

func gatewayRefund(h *harness, key models.RegistrationKey, value, idem string) ProcessRefundInput {
	return ProcessRefundInput{
		Key:            key,
		Amount:         amount(value),
		Method:         enums.RefundMethodGateway,
		Reason:         "requested by registrant",
		ActingUserID:   h.operator,
		IdempotencyKey: idem,
	}
}

func TestGatewayRefundSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")
	h.settleCard(t, key, "100", "sq-pay-old")
	h.settleCard(t, key, "200", "sq-pay-new")

	refund, err := h.rec.ProcessRefund(ctx, gatewayRefund(h, key, "50", "idem-1"))
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusCompleted, refund.Status)
	assert.True(t, refund.BalanceApplied)
	require.NotNil(t, refund.GatewayRefundReference)
	assert.Equal(t, "sq-refund-idem-1", *refund.GatewayRefundReference)

	require.Equal(t, 1, h.gateway.callCount())
	assert.Equal(t, "sq-pay-new", h.gateway.calls[0].GatewayPaymentReference)
	assert.Equal(t, "idem-1", h.gateway.calls[0].IdempotencyKey)
	assertTriple(t, h.balance(t, key), "300", "250", "50", enums.BalanceStatusPartial)

	replay, err := h.rec.ProcessRefund(ctx, gatewayRefund(h, key, "50", "idem-1"))
	require.NoError(t, err)
	assert.Equal(t, refund.ID, replay.ID)
	assert.Equal(t, 1, h.gateway.callCount())
	assertTriple(t, h.balance(t, key), "300", "250", "50", enums.BalanceStatusPartial)
}

func TestGatewayRefundDeclinedLeavesBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")
	h.settleCard(t, key, "300", "sq-pay-1")
	before := h.balance(t, key)
	h.gateway.err = &refunds.GatewayError{Kind: enums.GatewayFailureDeclined, Err: errors.New("card closed")}

	_, err := h.rec.ProcessRefund(ctx, gatewayRefund(h, key, "100", "idem-decline"))
	requireCode(t, err, pkgerrors.CodeGatewayDeclined)
	details, ok := pkgerrors.As(err).Details().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, enums.GatewayFailureDeclined, details["gateway_failure"])
	after := h.balance(t, key)
	assertTriple(t, after, "300", "300", "0", enums.BalanceStatusPaidFull)
	// the reservation still moved the version
	assert.Equal(t, before.Version+1, after.Version)

	stmt, err := h.rec.GetStatement(ctx, key)
	require.NoError(t, err)
	require.Len(t, stmt.Refunds, 1)
	assert.Equal(t, enums.RefundStatusFailed, stmt.Refunds[0].Status)
	assert.False(t, stmt.Refunds[0].BalanceApplied)
	assert.Empty(t, stmt.AuditEntries)

	// the same key re-attempts the failed refund in place
	h.gateway.err = nil
	refund, err := h.rec.ProcessRefund(ctx, gatewayRefund(h, key, "100", "idem-decline"))
	require.NoError(t, err)
	assert.Equal(t, stmt.Refunds[0].ID, refund.ID)
	assert.Equal(t, enums.RefundStatusCompleted, refund.Status)
	assertTriple(t, h.balance(t, key), "300", "200", "100", enums.BalanceStatusPartial)
}

func TestGatewayRefundNetworkFailureIsUnavailable(t *testing.T) {
	h := newHarness(t)
	key := h.open(t, "300")
	h.settleCard(t, key, "300", "sq-pay-1")
	h.gateway.err = context.DeadlineExceeded

	_, err := h.rec.ProcessRefund(context.Background(), gatewayRefund(h, key, "100", ""))
	requireCode(t, err, pkgerrors.CodeGatewayUnavailable)
	assertTriple(t, h.balance(t, key), "300", "300", "0", enums.BalanceStatusPaidFull)
}

func TestGatewayRefundAlreadyRefundedLeavesBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "600")
	h.settleCard(t, key, "300", "sq-pay-1")
	h.receiveCheck(t, key, "300", "12")

	first, err := h.rec.ProcessRefund(ctx, gatewayRefund(h, key, "300", "idem-a"))
	require.NoError(t, err)
	assert.True(t, first.BalanceApplied)
	assertTriple(t, h.balance(t, key), "600", "300", "300", enums.BalanceStatusPartial)

	h.gateway.err = &refunds.GatewayError{Kind: enums.GatewayFailureAlreadyRefunded, Err: errors.New("PAYMENT_ALREADY_REFUNDED")}
	second, err := h.rec.ProcessRefund(ctx, gatewayRefund(h, key, "300", "idem-b"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, enums.RefundStatusCompleted, second.Status)
	assert.False(t, second.BalanceApplied)
	assertTriple(t, h.balance(t, key), "600", "300", "300", enums.BalanceStatusPartial)

	stmt, err := h.rec.GetStatement(ctx, key)
	require.NoError(t, err)
	var debits int
	for _, entry := range stmt.AuditEntries {
		if entry.EditType == enums.AuditEditRefundProcessed {
			debits++
		}
	}
	assert.Equal(t, 1, debits)

	derived, err := h.rec.Rederive(ctx, key)
	require.NoError(t, err)
	assert.False(t, derived.Drifted)
	assert.True(t, derived.Derived.AmountPaid.Equal(amount("300")))
}

func TestGatewayRefundPendingWithoutReferenceStaysReserved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")
	h.settleCard(t, key, "300", "sq-pay-1")
	h.gateway.result = &refunds.ChargeRefundResult{Pending: true}

	refund, err := h.rec.ProcessRefund(ctx, gatewayRefund(h, key, "300", "idem-inflight"))
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusPending, refund.Status)
	assert.Nil(t, refund.GatewayRefundReference)
	assertTriple(t, h.balance(t, key), "300", "300", "0", enums.BalanceStatusPaidFull)

	_, err = h.rec.ProcessRefund(ctx, gatewayRefund(h, key, "300", "idem-other"))
	requireCode(t, err, pkgerrors.CodeRefundExceedsPaid)

	// the same key asks the gateway again and settles the reserved refund
	h.gateway.result = nil
	settled, err := h.rec.ProcessRefund(ctx, gatewayRefund(h, key, "300", "idem-inflight"))
	require.NoError(t, err)
	assert.Equal(t, refund.ID, settled.ID)
	assert.Equal(t, enums.RefundStatusCompleted, settled.Status)
	assertTriple(t, h.balance(t, key), "300", "0", "300", enums.BalanceStatusUnpaid)
}

func TestGatewayRefundPendingResolvedLater(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")
	h.settleCard(t, key, "300", "sq-pay-1")
	h.gateway.result = &refunds.ChargeRefundResult{GatewayRefundReference: "sq-rf-7", Pending: true}

	refund, err := h.rec.ProcessRefund(ctx, gatewayRefund(h, key, "200", "idem-pending"))
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusPending, refund.Status)
	assertTriple(t, h.balance(t, key), "300", "300", "0", enums.BalanceStatusPaidFull)

	// in-flight refunds count against what can still be refunded
	_, err = h.rec.ProcessRefund(ctx, ProcessRefundInput{
		Key:          key,
		Amount:       amount("150"),
		Method:       enums.RefundMethodManual,
		Reason:       "goodwill",
		ActingUserID: h.operator,
	})
	requireCode(t, err, pkgerrors.CodeRefundExceedsPaid)

	resolved, err := h.rec.ResolveGatewayRefund(ctx, ResolveGatewayRefundInput{GatewayRefundReference: "sq-rf-7", Outcome: refunds.GatewayOutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusCompleted, resolved.Status)
	assertTriple(t, h.balance(t, key), "300", "100", "200", enums.BalanceStatusPartial)

	again, err := h.rec.ResolveGatewayRefund(ctx, ResolveGatewayRefundInput{GatewayRefundReference: "sq-rf-7", Outcome: refunds.GatewayOutcomeCompleted})
	require.NoError(t, err)
	assert.Equal(t, resolved.ID, again.ID)
	assertTriple(t, h.balance(t, key), "300", "100", "200", enums.BalanceStatusPartial)

	_, err = h.rec.ResolveGatewayRefund(ctx, ResolveGatewayRefundInput{GatewayRefundReference: "sq-rf-missing", Outcome: refunds.GatewayOutcomeFailed})
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestGatewayRefundRequiresSettledCard(t *testing.T) {
	h := newHarness(t)
	key := h.open(t, "300")
	h.receiveCheck(t, key, "300", "9")

	_, err := h.rec.ProcessRefund(context.Background(), gatewayRefund(h, key, "100", ""))
	requireCode(t, err, pkgerrors.CodeStateConflict)
	assert.Equal(t, 0, h.gateway.callCount())
}

func TestProcessRefundIdempotencyKeyMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")
	h.receiveCheck(t, key, "300", "9")

	in := ProcessRefundInput{Key: key, Amount: amount("20"), Method: enums.RefundMethodCash, Reason: "parking", ActingUserID: h.operator, IdempotencyKey: "idem-cash"}
	first, err := h.rec.ProcessRefund(ctx, in)
	require.NoError(t, err)

	replay, err := h.rec.ProcessRefund(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assertTriple(t, h.balance(t, key), "300", "280", "20", enums.BalanceStatusPartial)

	in.Amount = amount("25")
	_, err = h.rec.ProcessRefund(ctx, in)
	requireCode(t, err, pkgerrors.CodeIdempotency)
}

func TestCompleteManualRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")
	h.receiveCheck(t, key, "300", "9")

	refund, err := h.rec.ProcessRefund(ctx, ProcessRefundInput{Key: key, Amount: amount("60"), Method: enums.RefundMethodCheck, Reason: "cancelled", ActingUserID: h.operator})
	require.NoError(t, err)
	before := h.balance(t, key)

	done, err := h.rec.CompleteManualRefund(ctx, CompleteManualRefundInput{RefundID: refund.ID, ActingUserID: h.operator})
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	after := h.balance(t, key)
	assert.Equal(t, before.Version+1, after.Version)
	assertTriple(t, after, "300", "240", "60", enums.BalanceStatusPartial)

	again, err := h.rec.CompleteManualRefund(ctx, CompleteManualRefundInput{RefundID: refund.ID, ActingUserID: h.operator})
	require.NoError(t, err)
	assert.Equal(t, done.ID, again.ID)
	assert.Equal(t, after.Version, h.balance(t, key).Version)

	stmt, err := h.rec.GetStatement(ctx, key)
	require.NoError(t, err)
	last := stmt.AuditEntries[len(stmt.AuditEntries)-1]
	assert.Equal(t, enums.AuditEditRefundProcessed, last.EditType)
	assert.True(t, last.Difference.IsZero())
}

func TestNotifierFailureDoesNotAffectCommit(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("pubsub down")
	key := h.open(t, "80")

	h.receiveCheck(t, key, "80", "3")
	assertTriple(t, h.balance(t, key), "80", "80", "0", enums.BalanceStatusPaidFull)

	require.Eventually(t, func() bool {
		for _, kind := range h.notifier.kinds() {
			if kind == enums.NotificationPaymentReceived {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestRederiveDetectsDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "300")
	h.receiveCheck(t, key, "200", "1")
	h.settleCard(t, key, "50", "sq-pay-1")
	_, err := h.rec.AdjustTotal(ctx, AdjustTotalInput{Key: key, NewTotal: amount("320"), ActingUserID: h.operator})
	require.NoError(t, err)
	_, err = h.rec.ProcessRefund(ctx, ProcessRefundInput{Key: key, Amount: amount("30"), Method: enums.RefundMethodCash, Reason: "meal", ActingUserID: h.operator, Completed: true})
	require.NoError(t, err)

	clean, err := h.rec.Rederive(ctx, key)
	require.NoError(t, err)
	assert.False(t, clean.Drifted)
	assert.True(t, clean.Derived.AmountPaid.Equal(amount("220")))
	assert.True(t, clean.Derived.TotalAmountDue.Equal(amount("320")))

	bal := h.balance(t, key)
	require.NoError(t, h.conn.Exec("UPDATE balances SET amount_paid = ?, amount_remaining = ? WHERE id = ?", "999.00", "-679.00", bal.ID.String()).Error)

	drifted, err := h.rec.Rederive(ctx, key)
	require.NoError(t, err)
	assert.True(t, drifted.Drifted)
	assert.True(t, drifted.Stored.AmountPaid.Equal(amount("999")))
	assert.True(t, drifted.Derived.AmountPaid.Equal(amount("220")))
}

func TestAggregate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	due := testNow.Add(-48 * time.Hour)
	overdue := newKey()
	_, err := h.rec.OpenBalance(ctx, OpenBalanceInput{Key: overdue, TotalAmountDue: amount("100"), DueDate: &due})
	require.NoError(t, err)

	paid := h.open(t, "50")
	h.receiveCheck(t, paid, "50", "2")

	missing := newKey()
	report, err := h.rec.Aggregate(ctx, []models.RegistrationKey{overdue, paid, missing, paid})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Balances)
	assert.True(t, report.TotalAmountDue.Equal(amount("150")))
	assert.True(t, report.AmountPaid.Equal(amount("50")))
	assert.True(t, report.AmountRemaining.Equal(amount("100")))
	assert.Equal(t, 1, report.StatusCounts[enums.BalanceStatusUnpaid])
	assert.Equal(t, 1, report.StatusCounts[enums.BalanceStatusPaidFull])
	assert.Equal(t, 1, report.OverdueCount)
	assert.True(t, report.OverdueAmount.Equal(amount("100")))
	assert.Equal(t, []models.RegistrationKey{missing}, report.Missing)

	_, err = h.rec.Aggregate(ctx, nil)
	requireCode(t, err, pkgerrors.CodeValidation)
}

func TestListAuditEntriesPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "100")
	for _, total := range []string{"110", "120", "130"} {
		_, err := h.rec.AdjustTotal(ctx, AdjustTotalInput{Key: key, NewTotal: amount(total), ActingUserID: h.operator})
		require.NoError(t, err)
	}

	page, err := h.rec.ListAuditEntries(ctx, key, pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.NotEmpty(t, page.NextCursor)

	rest, err := h.rec.ListAuditEntries(ctx, key, pagination.Params{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Entries, 1)
	assert.Empty(t, rest.NextCursor)

	_, err = h.rec.ListAuditEntries(ctx, newKey(), pagination.Params{})
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{})
	requireCode(t, err, pkgerrors.CodeInternal)
}
