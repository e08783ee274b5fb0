package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

func TestObserveAttempt(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAttempt("tradier", models.AttemptSuccess, models.StepTakeProfit, 3, time.Second)
	m.ObserveAttempt("tradier", models.AttemptFailed, models.StepGate, 0, time.Millisecond)
	m.ObserveAttempt("tradier", models.AttemptFailed, models.StepGate, 0, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("tradier", "success", "7")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("tradier", "failed", "0")))

	n, err := testutil.GatherAndCount(reg, "executor_fill_attempts")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.IncOrderPlaced("paper", "buy_to_open")
	m.IncOrderPlaced("paper", "buy_to_open")
	m.IncTakeProfit(TakeProfitFailed)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("paper", "buy_to_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.takeProfit.WithLabelValues(TakeProfitFailed)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAttempt("x", models.AttemptSuccess, models.StepFillOrder, 1, time.Second)
		m.IncOrderPlaced("x", "buy")
		m.IncTakeProfit(TakeProfitPlaced)
	})
}
