// Package metrics defines the Prometheus metric collectors used across the
// services and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	HTTPRequestsInFlight   prometheus.Gauge
	AdmissionDecisions     *prometheus.CounterVec
	DocumentOpsTotal       *prometheus.CounterVec
	MessagesPublishedTotal *prometheus.CounterVec
	MessagesConsumedTotal  *prometheus.CounterVec
	MessagesDeadLettered   *prometheus.CounterVec
	IndexOpsTotal          *prometheus.CounterVec
	TenantIndexesOpen      prometheus.Gauge
	SearchQueriesTotal     *prometheus.CounterVec
	SearchLatency          *prometheus.HistogramVec
	SearchResultsCount     prometheus.Histogram
	CacheHitsTotal         *prometheus.CounterVec
	CacheMissesTotal       prometheus.Counter
	CircuitBreakerState    *prometheus.GaugeVec
	ReconciledTotal        prometheus.Counter
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg.
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
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		AdmissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_decisions_total",
				Help: "Admission outcomes (admitted, rate_limited, fail_open, invalid_credential, unauthorized).",
			},
			[]string{"decision"},
		),
		DocumentOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "document_operations_total",
				Help: "Document ingest operations by operation and status.",
			},
			[]string{"operation", "status"},
		),
		MessagesPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_published_total",
				Help: "Index messages published by operation and status.",
			},
			[]string{"operation", "status"},
		),
		MessagesConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_consumed_total",
				Help: "Index messages handled by operation and result (ok, error, dropped, skipped).",
			},
			[]string{"operation", "result"},
		),
		MessagesDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_dead_lettered_total",
				Help: "Messages moved to a dead-letter queue.",
			},
			[]string{"queue"},
		),
		IndexOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_operations_total",
				Help: "Tenant index operations by operation and status.",
			},
			[]string{"operation", "status"},
		),
		TenantIndexesOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenant_indexes_open",
				Help: "Number of tenant indexes currently open.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, miss, zero_result, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of results returned per search query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_cache_hits_total",
				Help: "Search cache hits by tier (memory, redis).",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_cache_misses_total",
				Help: "Total number of search cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		ReconciledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "documents_reconciled_total",
				Help: "Pending documents re-published by the reconciler.",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AdmissionDecisions,
		m.DocumentOpsTotal,
		m.MessagesPublishedTotal,
		m.MessagesConsumedTotal,
		m.MessagesDeadLettered,
		m.IndexOpsTotal,
		m.TenantIndexesOpen,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
		m.ReconciledTotal,
	)

	return m
}

// Admission records an admission decision.
func (m *Metrics) Admission(decision string) {
	if m == nil {
		return
	}
	m.AdmissionDecisions.WithLabelValues(decision).Inc()
}

// DocumentOp records a document create/delete outcome.
func (m *Metrics) DocumentOp(operation, status string) {
	if m == nil {
		return
	}
	m.DocumentOpsTotal.WithLabelValues(operation, status).Inc()
}

// Published records a publish attempt.
func (m *Metrics) Published(operation, status string) {
	if m == nil {
		return
	}
	m.MessagesPublishedTotal.WithLabelValues(operation, status).Inc()
}

// Consumed records how a consumed message was handled.
func (m *Metrics) Consumed(operation, result string) {
	if m == nil {
		return
	}
	m.MessagesConsumedTotal.WithLabelValues(operation, result).Inc()
}

// DeadLettered records a message moved to queue's dead-letter sink.
func (m *Metrics) DeadLettered(queue string) {
	if m == nil {
		return
	}
	m.MessagesDeadLettered.WithLabelValues(queue).Inc()
}

// IndexOp records a tenant index operation.
func (m *Metrics) IndexOp(operation, status string) {
	if m == nil {
		return
	}
	m.IndexOpsTotal.WithLabelValues(operation, status).Inc()
}

// SetTenantIndexes sets the open tenant index gauge.
func (m *Metrics) SetTenantIndexes(n int) {
	if m == nil {
		return
	}
	m.TenantIndexesOpen.Set(float64(n))
}

// Search records one search request.
func (m *Metrics) Search(resultType, cacheStatus string, seconds float64, results int) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	m.SearchLatency.WithLabelValues(cacheStatus).Observe(seconds)
	m.SearchResultsCount.Observe(float64(results))
}

// CacheHit records a search cache hit in tier.
func (m *Metrics) CacheHit(tier string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(tier).Inc()
}

// CacheMiss records a search cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// BreakerState records a circuit breaker state as its numeric value.
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Reconciled records documents re-published by the reconciler.
func (m *Metrics) Reconciled(n int) {
	if m == nil {
		return
	}
	m.ReconciledTotal.Add(float64(n))
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
