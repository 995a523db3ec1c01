package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics

	sweepMetricsOnce sync.Once
	sweepRegistry    *SweepMetrics

	retryMetricsOnce sync.Once
	retryRegistry    *RetryMetrics
)

// EventMetrics bundles collectors for message-bus ingestion.
type EventMetrics struct {
	processed     *prometheus.CounterVec
	verifyFailed  prometheus.Counter
	lastProcessed prometheus.Gauge
}

// Events returns the lazily-initialised metrics registry for the event
// reconciler.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "glowfund",
				Subsystem: "events",
				Name:      "processed_total",
				Help:      "Count of bus events processed segmented by event type and outcome.",
			}, []string{"event_type", "outcome"}),
			verifyFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "glowfund",
				Subsystem: "events",
				Name:      "verification_failures_total",
				Help:      "Count of sale events whose on-chain receipt did not match the claimed payload.",
			}),
			lastProcessed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "glowfund",
				Subsystem: "events",
				Name:      "last_processed_timestamp_seconds",
				Help:      "Unix timestamp of the most recently processed bus event.",
			}),
		}
		prometheus.MustRegister(
			eventRegistry.processed,
			eventRegistry.verifyFailed,
			eventRegistry.lastProcessed,
		)
	})
	return eventRegistry
}

// Observe records the outcome of one bus event.
func (m *EventMetrics) Observe(eventType string, err error) {
	if m == nil {
		return
	}
	if eventType = strings.TrimSpace(eventType); eventType == "" {
		eventType = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.processed.WithLabelValues(eventType, outcome).Inc()
	m.lastProcessed.Set(float64(time.Now().Unix()))
}

// RecordVerificationFailure increments the permanent-mismatch counter.
func (m *EventMetrics) RecordVerificationFailure() {
	if m == nil {
		return
	}
	m.verifyFailed.Inc()
}

// SweepMetrics tracks the expiration and escalation sweeps.
type SweepMetrics struct {
	runs      *prometheus.CounterVec
	processed *prometheus.CounterVec
}

// Sweeps returns the metrics registry for the scheduler sweeps.
func Sweeps() *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepRegistry = &SweepMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "glowfund",
				Subsystem: "sched",
				Name:      "sweep_runs_total",
				Help:      "Count of sweep executions segmented by sweep name and outcome.",
			}, []string{"sweep", "outcome"}),
			processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "glowfund",
				Subsystem: "sched",
				Name:      "fractions_processed_total",
				Help:      "Count of fractions touched by sweeps segmented by sweep name and action.",
			}, []string{"sweep", "action"}),
		}
		prometheus.MustRegister(sweepRegistry.runs, sweepRegistry.processed)
	})
	return sweepRegistry
}

// RecordRun records a completed sweep execution.
func (m *SweepMetrics) RecordRun(sweep string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(sweep, outcome).Inc()
}

// RecordProcessed counts one fraction handled by a sweep.
func (m *SweepMetrics) RecordProcessed(sweep, action string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(sweep, action).Inc()
}

// RetryMetrics tracks the failed-operation retry queue.
type RetryMetrics struct {
	outcomes *prometheus.CounterVec
	depth    prometheus.Gauge
}

// Retries returns the metrics registry for the retry service.
func Retries() *RetryMetrics {
	retryMetricsOnce.Do(func() {
		retryRegistry = &RetryMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "glowfund",
				Subsystem: "retryqueue",
				Name:      "dispatches_total",
				Help:      "Count of retry dispatches segmented by operation type and outcome.",
			}, []string{"operation", "outcome"}),
			depth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "glowfund",
				Subsystem: "retryqueue",
				Name:      "pending_depth",
				Help:      "Number of pending or retrying operations observed by the last sweep.",
			}),
		}
		prometheus.MustRegister(retryRegistry.outcomes, retryRegistry.depth)
	})
	return retryRegistry
}

// RecordDispatch counts one retry dispatch.
func (m *RetryMetrics) RecordDispatch(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "resolved"
	if err != nil {
		outcome = "failed"
	}
	m.outcomes.WithLabelValues(operation, outcome).Inc()
}

// SetDepth records the queue depth seen at the start of a sweep.
func (m *RetryMetrics) SetDepth(depth int64) {
	if m == nil {
		return
	}
	m.depth.Set(float64(depth))
}
