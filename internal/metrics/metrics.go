// Package metrics exposes Prometheus instrumentation for the workflows and the
// HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector registered by the service.
type Metrics struct {
	transitions       *prometheus.CounterVec
	transitionLatency *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid clashing with the default registry.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payments",
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Workflow transition attempts broken down by workflow, action and outcome.",
		}, []string{"workflow", "action", "outcome"}),

		transitionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "payments",
			Subsystem: "workflow",
			Name:      "transition_seconds",
			Help:      "Latency of workflow transitions including the database transaction.",
			Buckets: []float64{
				0.001, 0.002, 0.005,
				0.01, 0.02, 0.05, 0.1,
				0.2, 0.5, 1, 2,
			},
		}, []string{"workflow", "action"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payments",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests broken down by method, route template and status code.",
		}, []string{"method", "route", "code"}),

		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "payments",
			Subsystem: "http",
			Name:      "request_seconds",
			Help:      "HTTP request latency by method and route template.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		gatherer: reg,
	}
}

// ObserveTransition records one workflow transition attempt.
func (m *Metrics) ObserveTransition(workflow, action, outcome string, elapsed time.Duration) {
	m.transitions.With(prometheus.Labels{
		"workflow": workflow,
		"action":   action,
		"outcome":  outcome,
	}).Inc()
	m.transitionLatency.With(prometheus.Labels{
		"workflow": workflow,
		"action":   action,
	}).Observe(elapsed.Seconds())
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
