// Package metrics exposes the remindd Prometheus metrics.
//
// All counters are registered on a private registry so tests can construct
// independent instances without tripping duplicate-registration panics on
// the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every remindd application metric.
type Metrics struct {
	reg *prometheus.Registry

	// JobsScheduled counts reminder jobs created by schedule calls.
	JobsScheduled *prometheus.CounterVec
	// JobsProcessed counts due jobs examined by process runs.
	JobsProcessed *prometheus.CounterVec
	// JobsSent counts jobs that resulted in a delivered notification.
	JobsSent *prometheus.CounterVec
	// JobsSuppressed counts jobs consumed without a send (terminal invoice,
	// reminders disabled, or ledger hit from a previous crashed run).
	JobsSuppressed *prometheus.CounterVec
	// JobsFailed counts jobs left pending due to transient failures.
	JobsFailed *prometheus.CounterVec

	// HTTPRequests counts requests by method, route pattern and status.
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration observes request latency by method and route pattern.
	HTTPDuration *prometheus.HistogramVec
}

// New builds and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		JobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remindd_jobs_scheduled_total",
			Help: "Reminder jobs created by schedule calls.",
		}, []string{"tenant", "kind"}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remindd_jobs_processed_total",
			Help: "Due reminder jobs examined by process runs.",
		}, []string{"tenant"}),
		JobsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remindd_jobs_sent_total",
			Help: "Reminder notifications delivered.",
		}, []string{"tenant", "kind"}),
		JobsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remindd_jobs_suppressed_total",
			Help: "Reminder jobs consumed without a send.",
		}, []string{"tenant", "kind"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remindd_jobs_failed_total",
			Help: "Reminder jobs left pending after a transient failure.",
		}, []string{"tenant"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remindd_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remindd_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.JobsScheduled,
		m.JobsProcessed,
		m.JobsSent,
		m.JobsSuppressed,
		m.JobsFailed,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler returns the Prometheus scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
