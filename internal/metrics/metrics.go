// Package metrics holds the Prometheus collectors for lease operations.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mistakeknot/interlock/internal/core"
)

type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	reclaimed  *prometheus.CounterVec
	retries    prometheus.Counter
	events     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interlock",
			Name:      "lease_operations_total",
			Help:      "Lease operations by operation, resource kind and outcome.",
		}, []string{"op", "kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "interlock",
			Name:      "lease_operation_duration_seconds",
			Help:      "Wall time of lease operations including storage retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interlock",
			Name:      "leases_reclaimed_total",
			Help:      "Leases transitioned to expired, by resource kind and trigger.",
		}, []string{"kind", "trigger"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "interlock",
			Name:      "storage_retries_total",
			Help:      "Transaction attempts repeated after transient storage contention.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interlock",
			Name:      "events_published_total",
			Help:      "Lease events published to live subscribers.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.reclaimed, m.retries, m.events)
	}
	return m
}

// ObserveOp records one operation. kind may be empty for operations that
// are not tied to a resource kind.
func (m *Metrics) ObserveOp(op string, kind core.ResourceKind, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = core.Kind(err)
	}
	m.operations.WithLabelValues(op, string(kind), outcome).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) Reclaimed(trigger string, leases []core.Lease) {
	if m == nil {
		return
	}
	for _, l := range leases {
		m.reclaimed.WithLabelValues(string(l.Resource.Kind), trigger).Inc()
	}
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) Published(t core.EventType) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(t)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
