package metrics

import "github.com/prometheus/client_golang/prometheus"

// LedgerMetrics exposes counters/histograms for transaction attempts and
// ledger outcomes. A nil *LedgerMetrics is valid and records nothing.
type LedgerMetrics struct {
	attempts   *prometheus.HistogramVec
	conflicts  *prometheus.CounterVec
	contention *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	units      *prometheus.CounterVec
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "omnirapeutic",
			Subsystem: "ledger",
			Name:      "transaction_attempts",
			Help:      "Transaction attempts needed per logical operation",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		}, []string{"operation"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnirapeutic",
			Subsystem: "ledger",
			Name:      "serialization_conflicts_total",
			Help:      "Transaction attempts aborted by a serialization conflict",
		}, []string{"operation"}),
		contention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnirapeutic",
			Subsystem: "ledger",
			Name:      "contention_total",
			Help:      "Operations that exhausted their retry budget",
		}, []string{"operation"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnirapeutic",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger and guardrail operations by outcome",
		}, []string{"operation", "outcome"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "omnirapeutic",
			Subsystem: "ledger",
			Name:      "units_total",
			Help:      "Units moved by successful ledger operations",
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.attempts, m.conflicts, m.contention, m.outcomes, m.units)
	return m
}

func (m *LedgerMetrics) ObserveAttempts(operation string, attempts int) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(operation).Observe(float64(attempts))
}

func (m *LedgerMetrics) ObserveConflict(operation string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(operation).Inc()
}

func (m *LedgerMetrics) ObserveContention(operation string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(operation).Inc()
}

func (m *LedgerMetrics) ObserveOutcome(operation, outcome string, units int64) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(operation, outcome).Inc()
	if outcome == "success" && units > 0 {
		m.units.WithLabelValues(operation).Add(float64(units))
	}
}
