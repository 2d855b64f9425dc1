// Package metrics defines the Prometheus metric collectors used by the
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	BatchesTotal         *prometheus.CounterVec
	BatchDuration        prometheus.Histogram
	TenantsTotal         *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	DocumentsStaged      prometheus.Counter
	DuplicateDocuments   prometheus.Counter
	RemoteCallsTotal     *prometheus.CounterVec
	ResourcesReused      prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors and registers them with reg. Tests
// pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_batches_total",
				Help: "Total batch runs by outcome (success, failed).",
			},
			[]string{"status"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_batch_duration_seconds",
				Help:    "Wall-clock duration of a batch run in seconds.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		TenantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_tenants_total",
				Help: "Tenants processed by outcome (done, failed).",
			},
			[]string{"status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_step_duration_seconds",
				Help:    "Per-tenant pipeline step latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"step"},
		),
		DocumentsStaged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_documents_staged_total",
				Help: "Total staging documents written.",
			},
		),
		DuplicateDocuments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_duplicate_document_ids_total",
				Help: "Records whose sanitized document id collided with an earlier record.",
			},
		),
		RemoteCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_remote_calls_total",
				Help: "Remote calls by operation and outcome.",
			},
			[]string{"operation", "status"},
		),
		ResourcesReused: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_resources_reused_total",
				Help: "Tenants whose index and search app were found in the ledger.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.BatchesTotal,
		m.BatchDuration,
		m.TenantsTotal,
		m.StepDuration,
		m.DocumentsStaged,
		m.DuplicateDocuments,
		m.RemoteCallsTotal,
		m.ResourcesReused,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
