// Package metrics exposes the engine's Prometheus collectors.
//
// Every method is safe on a nil *Metrics, so components take an optional
// *Metrics and record unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventide"

// Command outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
)

// Index group outcomes.
const (
	IndexWritten      = "written"
	IndexInconsistent = "inconsistent"
	IndexFailed       = "failed"
)

// Metrics holds the collectors registered by New.
type Metrics struct {
	eventsAppended    prometheus.Counter
	writeRejections   *prometheus.CounterVec
	eventsDispatched  prometheus.Counter
	gapsHealed        prometheus.Counter
	indexFlushes      prometheus.Counter
	indexGroups       *prometheus.CounterVec
	commands          *prometheus.CounterVec
	projectionStreams prometheus.Gauge
	aggregateWorkers  prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// Panics if any collector is already registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events committed to the log.",
		}),
		writeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_rejections_total",
			Help:      "Write requests that failed, by error code.",
		}, []string{"code"}),
		eventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Events published to subscribers by the dispatcher.",
		}),
		gapsHealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_gaps_healed_total",
			Help:      "Events read back from the log to fill dispatch gaps.",
		}),
		indexFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_flushes_total",
			Help:      "Projection index writer flushes.",
		}),
		indexGroups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_groups_total",
			Help:      "Projection index groups processed, by outcome.",
		}, []string{"outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Aggregate commands handled, by aggregate kind and outcome.",
		}, []string{"kind", "outcome"}),
		projectionStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "projection_streams",
			Help:      "Projection stream workers running.",
		}),
		aggregateWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregate_workers",
			Help:      "Aggregate stream workers running.",
		}),
	}

	reg.MustRegister(
		m.eventsAppended,
		m.writeRejections,
		m.eventsDispatched,
		m.gapsHealed,
		m.indexFlushes,
		m.indexGroups,
		m.commands,
		m.projectionStreams,
		m.aggregateWorkers,
	)
	return m
}

// EventsAppended adds n committed events.
func (m *Metrics) EventsAppended(n int) {
	if m == nil {
		return
	}
	m.eventsAppended.Add(float64(n))
}

// WriteRejected counts a failed write by its error code.
func (m *Metrics) WriteRejected(code string) {
	if m == nil {
		return
	}
	m.writeRejections.WithLabelValues(code).Inc()
}

// EventDispatched counts one event handed to subscribers.
func (m *Metrics) EventDispatched() {
	if m == nil {
		return
	}
	m.eventsDispatched.Inc()
}

// GapHealed counts events read back to close a dispatch gap.
func (m *Metrics) GapHealed(n int) {
	if m == nil {
		return
	}
	m.gapsHealed.Add(float64(n))
}

// IndexFlushed counts one index writer flush.
func (m *Metrics) IndexFlushed() {
	if m == nil {
		return
	}
	m.indexFlushes.Inc()
}

// IndexGroup counts one index group by outcome.
func (m *Metrics) IndexGroup(outcome string) {
	if m == nil {
		return
	}
	m.indexGroups.WithLabelValues(outcome).Inc()
}

// Command counts one command result.
func (m *Metrics) Command(kind, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, outcome).Inc()
}

// ProjectionStreamStarted tracks a new projection stream worker.
func (m *Metrics) ProjectionStreamStarted() {
	if m == nil {
		return
	}
	m.projectionStreams.Inc()
}

// ProjectionStreamStopped tracks a stopped projection stream worker.
func (m *Metrics) ProjectionStreamStopped() {
	if m == nil {
		return
	}
	m.projectionStreams.Dec()
}

// AggregateWorkerStarted tracks a new aggregate stream worker.
func (m *Metrics) AggregateWorkerStarted() {
	if m == nil {
		return
	}
	m.aggregateWorkers.Inc()
}

// AggregateWorkerStopped tracks a stopped aggregate stream worker.
func (m *Metrics) AggregateWorkerStopped() {
	if m == nil {
		return
	}
	m.aggregateWorkers.Dec()
}
