package controllers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/registration-ledger/api/middleware"
	"github.com/angelmondragon/registration-ledger/internal/audit"
	"github.com/angelmondragon/registration-ledger/internal/balances"
	"github.com/angelmondragon/registration-ledger/internal/payments"
	"github.com/angelmondragon/registration-ledger/internal/reconciler"
	"github.com/angelmondragon/registration-ledger/internal/refunds"
	"github.com/angelmondragon/registration-ledger/internal/repo/repotest"
	"github.com/angelmondragon/registration-ledger/pkg/db"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/registration-ledger/pkg/errors"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/metrics"
)

type ledgerHarness struct {
	router   chi.Router
	operator uuid.UUID
}

func newLedgerHarness(t *testing.T) *ledgerHarness {
	t.Helper()

	conn := repotest.NewDB(t)
	logg := logger.New(logger.Options{ServiceName: "controllers-test", Output: io.Discard})
	svc, err := reconciler.New(reconciler.Params{
		DB:       db.NewFromConn(conn),
		Balances: balances.NewRepository(conn),
		Payments: payments.NewRepository(conn),
		Refunds:  refunds.NewRepository(conn),
		Audit:    audit.NewRepository(conn),
		Logger:   logg,
		Metrics:  metrics.NewLedgerMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api/v1/ledger", func(r chi.Router) {
		r.Route("/registrations/{type}/{id}", func(r chi.Router) {
			r.Post("/balance", OpenBalance(svc, logg))
			r.Get("/balance", GetStatement(svc, logg))
			r.Get("/audit", ListAuditEntries(svc, logg))
			r.Get("/rederive", Rederive(svc, logg))
			r.Post("/checks", RecordCheckReceived(svc, logg))
			r.Post("/checks/pledges", RecordCheckPledged(svc, logg))
			r.Post("/cash", RecordCashReceived(svc, logg))
			r.Patch("/total", AdjustTotal(svc, logg))
			r.Post("/refunds", ProcessRefund(svc, logg))
		})
		r.Post("/refunds/{refundId}/complete", CompleteManualRefund(svc, logg))
		r.Post("/payments/{paymentId}/notes", AppendPaymentNotes(svc, logg))
		r.Post("/aggregate", Aggregate(svc, logg))
	})

	return &ledgerHarness{router: r, operator: uuid.New()}
}

func (h *ledgerHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return h.doAs(t, h.operator.String(), method, path, body)
}

func (h *ledgerHarness) doAs(t *testing.T, operator, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if operator != "" {
		req = req.WithContext(middleware.WithOperator(req.Context(), middleware.Operator{
			ID:   uuid.MustParse(operator),
			Role: enums.OperatorRoleFinance,
		}))
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func registrationPath(id uuid.UUID, suffix string) string {
	return "/api/v1/ledger/registrations/group/" + id.String() + suffix
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) (string, map[string]any) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code, envelope.Error.Details
}

func TestLedgerOpenBalanceAndStatement(t *testing.T) {
	h := newLedgerHarness(t)
	id := uuid.New()

	rec := h.do(t, http.MethodPost, registrationPath(id, "/balance"), `{"total_amount_due":"500.00","due_date":"2026-07-01"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var bal balanceView
	decodeData(t, rec, &bal)
	assert.Equal(t, "500.00", bal.TotalAmountDue)
	assert.Equal(t, "0.00", bal.AmountPaid)
	assert.Equal(t, "500.00", bal.AmountRemaining)
	assert.Equal(t, "unpaid", string(bal.PaymentStatus))
	require.NotNil(t, bal.DueDate)
	assert.Equal(t, "2026-07-01", *bal.DueDate)

	rec = h.do(t, http.MethodPost, registrationPath(id, "/checks"), `{"check_number":"1001","amount":"200.00","date_received":"2026-06-01"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, registrationPath(id, "/balance"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stmt statementView
	decodeData(t, rec, &stmt)
	assert.Equal(t, "200.00", stmt.Balance.AmountPaid)
	assert.Equal(t, "300.00", stmt.Balance.AmountRemaining)
	assert.Equal(t, "partial", string(stmt.Balance.PaymentStatus))
	require.Len(t, stmt.Payments, 1)
	assert.Equal(t, "1001", *stmt.Payments[0].CheckNumber)
	require.Len(t, stmt.AuditEntries, 1)
	assert.Equal(t, "check_reconciled", string(stmt.AuditEntries[0].EditType))
	assert.Equal(t, h.operator, stmt.AuditEntries[0].ActingUserID)
}

func TestLedgerStatementNotFound(t *testing.T) {
	h := newLedgerHarness(t)

	rec := h.do(t, http.MethodGet, registrationPath(uuid.New(), "/balance"), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := decodeErrorCode(t, rec)
	assert.Equal(t, string(pkgerrors.CodeNotFound), code)
}

func TestLedgerRejectsInvalidPathAndBody(t *testing.T) {
	h := newLedgerHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/ledger/registrations/spaceship/"+uuid.NewString()+"/balance", `{"total_amount_due":"10.00"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/ledger/registrations/group/not-a-uuid/balance", `{"total_amount_due":"10.00"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	id := uuid.New()
	rec = h.do(t, http.MethodPost, registrationPath(id, "/balance"), `{"total_amount_due":"100.00"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, registrationPath(id, "/cash"), `{"amount":"10.005","date_received":"2026-06-01"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	code, details := decodeErrorCode(t, rec)
	assert.Equal(t, string(pkgerrors.CodeValidation), code)
	assert.Contains(t, details, "amount")

	rec = h.do(t, http.MethodPost, registrationPath(id, "/cash"), `{"amount":"-5.00","date_received":"2026-06-01"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, registrationPath(id, "/cash"), `{"amount":"5.00","date_received":"June 1st"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, details = decodeErrorCode(t, rec)
	assert.Contains(t, details, "date_received")
}

func TestLedgerMutationsRequireOperator(t *testing.T) {
	h := newLedgerHarness(t)
	id := uuid.New()
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(id, "/balance"), `{"total_amount_due":"100.00"}`).Code)

	rec := h.doAs(t, "", http.MethodPatch, registrationPath(id, "/total"), `{"new_total":"120.00"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLedgerAdjustTotalStaleVersion(t *testing.T) {
	h := newLedgerHarness(t)
	id := uuid.New()
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(id, "/balance"), `{"total_amount_due":"100.00"}`).Code)

	rec := h.do(t, http.MethodPatch, registrationPath(id, "/total"), `{"new_total":"150.00","expected_version":1,"notes":"added lodging"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bal balanceView
	decodeData(t, rec, &bal)
	assert.Equal(t, "150.00", bal.TotalAmountDue)
	assert.Equal(t, int64(2), bal.Version)

	rec = h.do(t, http.MethodPatch, registrationPath(id, "/total"), `{"new_total":"175.00","expected_version":1}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	code, _ := decodeErrorCode(t, rec)
	assert.Equal(t, string(pkgerrors.CodeConflict), code)
}

func TestLedgerRefundExceedsPaid(t *testing.T) {
	h := newLedgerHarness(t)
	id := uuid.New()
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(id, "/balance"), `{"total_amount_due":"100.00"}`).Code)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(id, "/cash"), `{"amount":"40.00","date_received":"2026-06-01"}`).Code)

	rec := h.do(t, http.MethodPost, registrationPath(id, "/refunds"), `{"amount":"50.00","method":"check","reason":"cancelled"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	code, _ := decodeErrorCode(t, rec)
	assert.Equal(t, string(pkgerrors.CodeRefundExceedsPaid), code)

	rec = h.do(t, http.MethodPost, registrationPath(id, "/refunds"), `{"amount":"50.00","method":"wire","reason":"cancelled"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerManualRefundLifecycle(t *testing.T) {
	h := newLedgerHarness(t)
	id := uuid.New()
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(id, "/balance"), `{"total_amount_due":"100.00"}`).Code)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(id, "/cash"), `{"amount":"100.00","date_received":"2026-06-01"}`).Code)

	rec := h.do(t, http.MethodPost, registrationPath(id, "/refunds"), `{"amount":"30.00","method":"check","reason":"dropped a session"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var refund refundView
	decodeData(t, rec, &refund)
	assert.Equal(t, "pending", string(refund.Status))
	assert.True(t, refund.BalanceApplied)

	rec = h.do(t, http.MethodPost, "/api/v1/ledger/refunds/"+refund.ID.String()+"/complete", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeData(t, rec, &refund)
	assert.Equal(t, "completed", string(refund.Status))

	rec = h.do(t, http.MethodGet, registrationPath(id, "/balance"), "")
	var stmt statementView
	decodeData(t, rec, &stmt)
	assert.Equal(t, "70.00", stmt.Balance.AmountPaid)
	assert.Equal(t, "30.00", stmt.Balance.AmountRemaining)
}

func TestLedgerGatewayRefundWithoutGateway(t *testing.T) {
	h := newLedgerHarness(t)
	id := uuid.New()
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(id, "/balance"), `{"total_amount_due":"100.00"}`).Code)

	rec := h.do(t, http.MethodPost, registrationPath(id, "/refunds"), `{"amount":"10.00","method":"gateway","reason":"duplicate charge"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	code, _ := decodeErrorCode(t, rec)
	assert.Equal(t, string(pkgerrors.CodeGatewayUnavailable), code)
}

func TestLedgerPaymentNotes(t *testing.T) {
	h := newLedgerHarness(t)
	id := uuid.New()
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(id, "/balance"), `{"total_amount_due":"100.00"}`).Code)

	rec := h.do(t, http.MethodPost, registrationPath(id, "/checks/pledges"), `{"amount":"25.00","check_number":"77"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var payment paymentView
	decodeData(t, rec, &payment)
	assert.Equal(t, "pending", string(payment.PaymentStatus))

	rec = h.do(t, http.MethodPost, "/api/v1/ledger/payments/"+payment.ID.String()+"/notes", `{"notes":"mailed on friday"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeData(t, rec, &payment)
	require.NotNil(t, payment.Notes)
	assert.Equal(t, "mailed on friday", *payment.Notes)

	rec = h.do(t, http.MethodPost, "/api/v1/ledger/payments/"+uuid.NewString()+"/notes", `{"notes":"nope"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerAuditPagingAndRederive(t *testing.T) {
	h := newLedgerHarness(t)
	id := uuid.New()
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(id, "/balance"), `{"total_amount_due":"100.00"}`).Code)
	for _, total := range []string{"110.00", "120.00", "130.00"} {
		rec := h.do(t, http.MethodPatch, registrationPath(id, "/total"), `{"new_total":"`+total+`"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := h.do(t, http.MethodGet, registrationPath(id, "/audit?limit=2"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page auditPageView
	decodeData(t, rec, &page)
	require.Len(t, page.Entries, 2)
	require.NotEmpty(t, page.NextCursor)

	rec = h.do(t, http.MethodGet, registrationPath(id, "/audit?limit=2&cursor="+url.QueryEscape(page.NextCursor)), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeData(t, rec, &page)
	require.Len(t, page.Entries, 1)
	assert.Empty(t, page.NextCursor)

	rec = h.do(t, http.MethodGet, registrationPath(id, "/audit?limit=1000"), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, registrationPath(id, "/rederive"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var drift driftView
	decodeData(t, rec, &drift)
	assert.False(t, drift.Drifted)
	assert.Equal(t, "130.00", drift.Derived.TotalAmountDue)
}

func TestLedgerAggregate(t *testing.T) {
	h := newLedgerHarness(t)
	first, second, missing := uuid.New(), uuid.New(), uuid.New()
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(first, "/balance"), `{"total_amount_due":"100.00"}`).Code)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(second, "/balance"), `{"total_amount_due":"50.00"}`).Code)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, registrationPath(second, "/cash"), `{"amount":"50.00","date_received":"2026-06-01"}`).Code)

	body := `{"registrations":["group:` + first.String() + `","GROUP:` + second.String() + `","group:` + missing.String() + `"]}`
	rec := h.do(t, http.MethodPost, "/api/v1/ledger/aggregate", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report aggregateView
	decodeData(t, rec, &report)
	assert.Equal(t, 2, report.Balances)
	assert.Equal(t, "150.00", report.TotalAmountDue)
	assert.Equal(t, "50.00", report.AmountPaid)
	assert.Equal(t, "100.00", report.AmountRemaining)
	assert.Equal(t, 1, report.StatusCounts["paid_full"])
	assert.Equal(t, 1, report.StatusCounts["unpaid"])
	assert.Equal(t, []string{"group:" + missing.String()}, report.Missing)

	rec = h.do(t, http.MethodPost, "/api/v1/ledger/aggregate", `{"registrations":["nonsense"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
