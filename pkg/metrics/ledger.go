package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Mutation outcomes reported on ledger_mutations_total.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// LedgerMetrics counts reconciler activity.
type LedgerMetrics struct {
	mutations      *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	gatewayRefunds *prometheus.CounterVec
	drift          prometheus.Counter
	staleRefunds   prometheus.Gauge
}

// NewLedgerMetrics registers the ledger collectors on reg. A nil registerer
// returns a no-op recorder.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_mutations_total",
		Help: "Ledger mutations by operation and outcome.",
	}, []string{"operation", "outcome"})
	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_conflicts_total",
		Help: "Optimistic version conflicts on balance commits.",
	}, []string{"operation"})
	gatewayRefunds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_gateway_refunds_total",
		Help: "Gateway refund attempts by outcome.",
	}, []string{"outcome"})
	drift := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_drift_detected_total",
		Help: "Balances whose stored figures differ from their history.",
	})
	staleRefunds := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_stale_pending_refunds",
		Help: "Gateway refunds pending longer than the configured threshold.",
	})
	reg.MustRegister(mutations, conflicts, gatewayRefunds, drift, staleRefunds)
	return &LedgerMetrics{
		mutations:      mutations,
		conflicts:      conflicts,
		gatewayRefunds: gatewayRefunds,
		drift:          drift,
		staleRefunds:   staleRefunds,
	}
}

// ObserveMutation counts one reconciler entry point invocation.
func (m *LedgerMetrics) ObserveMutation(operation, outcome string) {
	if m == nil || m.mutations == nil {
		return
	}
	m.mutations.WithLabelValues(labelValue(operation), labelValue(outcome)).Inc()
}

func (m *LedgerMetrics) IncConflict(operation string) {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.WithLabelValues(labelValue(operation)).Inc()
}

func (m *LedgerMetrics) IncGatewayRefund(outcome string) {
	if m == nil || m.gatewayRefunds == nil {
		return
	}
	m.gatewayRefunds.WithLabelValues(labelValue(outcome)).Inc()
}

func (m *LedgerMetrics) IncDrift() {
	if m == nil || m.drift == nil {
		return
	}
	m.drift.Inc()
}

func (m *LedgerMetrics) SetStalePendingRefunds(count int) {
	if m == nil || m.staleRefunds == nil {
		return
	}
	m.staleRefunds.Set(float64(count))
}
