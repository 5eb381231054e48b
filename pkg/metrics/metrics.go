// Package metrics exposes run progress as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wehubfusion/subtimizer/pkg/ledger"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
)

const namespace = "subtimizer"

// Metrics implements the dispatcher observer and the runner's outcome hooks.
type Metrics struct {
	items        *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	queued       prometheus.Gauge
	waitTimeouts prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_total",
				Help:      "Items recorded in the ledger, by stage and outcome.",
			},
			[]string{"stage", "state"},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_skipped_total",
				Help:      "Items skipped on resume because they already succeeded.",
			},
			[]string{"stage"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time from submission to observed terminal state.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"stage", "state"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_in_flight",
			Help:      "Dispatcher slots currently holding an active job.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Launch requests waiting for a free slot.",
		}),
		waitTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_timeouts_total",
			Help:      "Job waits that hit the per-job timeout and were re-polled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.items, m.skipped, m.duration, m.inFlight, m.queued, m.waitTimeouts)
	}
	return m
}

// SlotsChanged records the dispatcher's slot accounting.
func (m *Metrics) SlotsChanged(inFlight, queued int) {
	m.inFlight.Set(float64(inFlight))
	m.queued.Set(float64(queued))
}

// WaitTimedOut counts a timed-out wait.
func (m *Metrics) WaitTimedOut(workitem.Item) {
	m.waitTimeouts.Inc()
}

// ItemRecorded counts one ledger entry. Durations are observed only for
// terminal outcomes.
func (m *Metrics) ItemRecorded(stage string, state ledger.State, d time.Duration) {
	m.items.WithLabelValues(stage, string(state)).Inc()
	if state != ledger.StateCancelledPending && d > 0 {
		m.duration.WithLabelValues(stage, string(state)).Observe(d.Seconds())
	}
}

// ItemsSkipped counts items skipped on resume.
func (m *Metrics) ItemsSkipped(stage string, n int) {
	if n > 0 {
		m.skipped.WithLabelValues(stage).Add(float64(n))
	}
}
