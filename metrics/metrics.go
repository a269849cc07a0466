// Package metrics exposes Prometheus counters and histograms for dispatch,
// retry, and audit activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups the counters and histograms this module emits, backed by
// their own private Prometheus registry rather than the global
// DefaultRegisterer. Callers construct one per microservice process and
// pass it to the dispatchers and the audit emitter; use Gatherer to expose
// it on a /metrics HTTP handler (promhttp.HandlerFor(reg.Gatherer(), ...)).
type Registry struct {
	registry *prometheus.Registry

	DeliveriesDispatched *prometheus.CounterVec
	DeliveriesAcked      *prometheus.CounterVec
	DeliveriesNacked     *prometheus.CounterVec
	RetryDelaySeconds    *prometheus.HistogramVec
	AuditEventsEmitted   *prometheus.CounterVec
}

// New builds a Registry on its own private prometheus.Registry, so
// constructing more than one Registry in the same process (as happens
// across tests, or across multiple Client instances) never collides on
// DefaultRegisterer's global collector names.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		registry: reg,
		DeliveriesDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "legend_saga_deliveries_dispatched_total",
			Help: "Total deliveries handed to a registered event or saga handler.",
		}, []string{"tag"}),
		DeliveriesAcked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "legend_saga_deliveries_acked_total",
			Help: "Total deliveries acknowledged by a handler.",
		}, []string{"tag"}),
		DeliveriesNacked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "legend_saga_deliveries_nacked_total",
			Help: "Total deliveries nacked by a handler, by retry strategy.",
		}, []string{"tag", "strategy"}),
		RetryDelaySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "legend_saga_retry_delay_seconds",
			Help:    "Delay chosen by the retry engine before requeue.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"tag", "strategy"}),
		AuditEventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "legend_saga_audit_events_emitted_total",
			Help: "Total audit events published, by kind.",
		}, []string{"kind"}),
	}
}

// Gatherer exposes the private registry for scraping, e.g. via
// promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}).
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
