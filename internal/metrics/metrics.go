// Package metrics exposes Prometheus collectors for sync, push and audit.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldsync"

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	syncCycles   *prometheus.CounterVec
	syncDuration prometheus.Histogram
	syncRecords  *prometheus.CounterVec
	syncDropped  prometheus.Counter

	outboxPushes  *prometheus.CounterVec
	outboxPending prometheus.Gauge

	auditRecords    *prometheus.CounterVec
	auditQueueDepth prometheus.Gauge
}

// New creates collectors on a private registry, plus Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Full sync cycles by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of full sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		syncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Records written to the cache by entity.",
		}, []string{"entity"}),
		syncDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dropped_total",
			Help:      "Records skipped because a referenced parent was missing.",
		}),
		outboxPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pushes_total",
			Help:      "Outbox push attempts by kind and result.",
		}, []string{"kind", "result"}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Unsynced outbox items.",
		}),
		auditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "records_total",
			Help:      "Audit records by outcome (delivered, queued, drained, lost).",
		}, []string{"outcome"}),
		auditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "queue_depth",
			Help:      "Audit records waiting for redelivery.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.syncCycles,
		m.syncDuration,
		m.syncRecords,
		m.syncDropped,
		m.outboxPushes,
		m.outboxPending,
		m.auditRecords,
		m.auditQueueDepth,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSync records one finished full sync cycle.
func (m *Metrics) ObserveSync(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.syncCycles.WithLabelValues(result).Inc()
	m.syncDuration.Observe(d.Seconds())
}

// AddSynced counts records written for an entity.
func (m *Metrics) AddSynced(entity string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncRecords.WithLabelValues(entity).Add(float64(n))
}

// AddDropped counts records skipped for a missing parent.
func (m *Metrics) AddDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.syncDropped.Add(float64(n))
}

// ObservePush records one outbox push attempt.
func (m *Metrics) ObservePush(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.outboxPushes.WithLabelValues(kind, result).Inc()
}

// SetOutboxPending sets the unsynced outbox gauge.
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

// ObserveAudit counts an audit record outcome.
func (m *Metrics) ObserveAudit(outcome string) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(outcome).Inc()
}

// SetAuditQueueDepth sets the audit queue gauge.
func (m *Metrics) SetAuditQueueDepth(n int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(n))
}
