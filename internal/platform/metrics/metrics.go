// Package metrics provides Prometheus metrics for the search server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Search outcomes recorded on fhirsearch_search_requests_total.
const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Metrics holds the server's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SearchRequestsTotal *prometheus.CounterVec
	SearchDuration      *prometheus.HistogramVec
	SearchResultsTotal  *prometheus.CounterVec

	IndexFailuresTotal *prometheus.CounterVec
	IndexWarningsTotal *prometheus.CounterVec
	ReindexedTotal     prometheus.Counter

	DanglingIncludesTotal *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on a private registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SearchRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhirsearch_search_requests_total",
				Help: "Total number of search requests by resource type and outcome",
			},
			[]string{"resource_type", "outcome"},
		),
		SearchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fhirsearch_search_duration_seconds",
				Help:    "Duration of search execution in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"resource_type"},
		),
		SearchResultsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhirsearch_search_results_total",
				Help: "Total number of bundle entries returned by search mode",
			},
			[]string{"mode"},
		),
		IndexFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhirsearch_index_failures_total",
				Help: "Resources stored without index rows because indexing failed",
			},
			[]string{"resource_type"},
		),
		IndexWarningsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhirsearch_index_warnings_total",
				Help: "Malformed leaf values skipped while indexing",
			},
			[]string{"resource_type"},
		),
		ReindexedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fhirsearch_reindexed_total",
				Help: "Resources successfully reindexed from the pending queue",
			},
		),
		DanglingIncludesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhirsearch_dangling_includes_total",
				Help: "Include references whose target was missing, deleted or unindexed",
			},
			[]string{"directive"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhirsearch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fhirsearch_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// ObserveSearch records one finished search.
func (m *Metrics) ObserveSearch(resourceType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchRequestsTotal.WithLabelValues(resourceType, outcome).Inc()
	m.SearchDuration.WithLabelValues(resourceType).Observe(d.Seconds())
}

// AddResults counts bundle entries of one search mode.
func (m *Metrics) AddResults(mode string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SearchResultsTotal.WithLabelValues(mode).Add(float64(n))
}

// IndexFailure records a resource stored flagged for reindexing.
func (m *Metrics) IndexFailure(resourceType string) {
	if m == nil {
		return
	}
	m.IndexFailuresTotal.WithLabelValues(resourceType).Inc()
}

// IndexWarnings records skipped malformed values.
func (m *Metrics) IndexWarnings(resourceType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.IndexWarningsTotal.WithLabelValues(resourceType).Add(float64(n))
}

// Reindexed records resources recovered by the reindex pass.
func (m *Metrics) Reindexed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReindexedTotal.Add(float64(n))
}

// DanglingInclude records an include target that could not be loaded.
func (m *Metrics) DanglingInclude(directive string) {
	if m == nil {
		return
	}
	m.DanglingIncludesTotal.WithLabelValues(directive).Inc()
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
