// Package metrics exposes Prometheus metrics for execution attempts:
//
//	executor_attempts_total{platform,result,step}  attempts by outcome and step reached
//	executor_fill_attempts{platform}              ladder rungs used by filled orders
//	executor_orders_placed_total{platform,side}   broker placements
//	executor_take_profit_total{outcome}           placed | failed | skipped
//	executor_attempt_duration_seconds{platform}   wall time of Execute
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eddiefleurent/signal_executor/internal/models"
)

// Take-profit outcomes.
const (
	TakeProfitPlaced  = "placed"
	TakeProfitFailed  = "failed"
	TakeProfitSkipped = "skipped"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts     *prometheus.CounterVec
	fillAttempts *prometheus.HistogramVec
	ordersPlaced *prometheus.CounterVec
	takeProfit   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executor_attempts_total",
				Help: "Execution attempts by platform, result and step reached",
			},
			[]string{"platform", "result", "step"},
		),
		fillAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "executor_fill_attempts",
				Help:    "Price ladder rungs used before an order filled",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"platform"},
		),
		ordersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executor_orders_placed_total",
				Help: "Orders accepted by the broker",
			},
			[]string{"platform", "side"},
		),
		takeProfit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "executor_take_profit_total",
				Help: "Take-profit orders by outcome (placed|failed|skipped)",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "executor_attempt_duration_seconds",
				Help:    "Wall time of one execution attempt",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"platform"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.fillAttempts, m.ordersPlaced, m.takeProfit, m.duration)
	}
	return m
}

// ObserveAttempt records the terminal state of an attempt.
func (m *Metrics) ObserveAttempt(platform string, status models.AttemptStatus, step models.Step, fillAttempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(platform, string(status), strconv.Itoa(int(step))).Inc()
	m.duration.WithLabelValues(platform).Observe(elapsed.Seconds())
	if status == models.AttemptSuccess && fillAttempts > 0 {
		m.fillAttempts.WithLabelValues(platform).Observe(float64(fillAttempts))
	}
}

// IncOrderPlaced counts one accepted placement.
func (m *Metrics) IncOrderPlaced(platform, side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(platform, side).Inc()
}

// IncTakeProfit counts one take-profit outcome.
func (m *Metrics) IncTakeProfit(outcome string) {
	if m == nil {
		return
	}
	m.takeProfit.WithLabelValues(outcome).Inc()
}
