package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestLedgerMetrics_CountsOutcomesAndUnits(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLedgerMetrics(reg)

	m.ObserveOutcome("reserve", "success", 4)
	m.ObserveOutcome("reserve", "success", 2)
	m.ObserveOutcome("reserve", "insufficient_units", 9)
	m.ObserveConflict("reserve")
	m.ObserveContention("reserve")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("reserve", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("reserve", "insufficient_units")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.units.WithLabelValues("reserve")), "failed operations move no units")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("reserve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.contention.WithLabelValues("reserve")))
}

func TestLedgerMetrics_NilSafe(t *testing.T) {
	var m *LedgerMetrics
	assert.NotPanics(t, func() {
		m.ObserveAttempts("reserve", 1)
		m.ObserveConflict("reserve")
		m.ObserveContention("reserve")
		m.ObserveOutcome("reserve", "success", 1)
	})
}
