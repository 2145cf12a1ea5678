// Package metrics provides Prometheus metrics for search, ingestion, index
// rebuilds and background jobs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names as constants for consistency.
const (
	MetricSearchRequestsTotal    = "contribrank_search_requests_total"
	MetricRequestDuration        = "contribrank_request_duration_seconds"
	MetricCacheLookupsTotal      = "contribrank_cache_lookups_total"
	MetricIngestTotal            = "contribrank_ingest_total"
	MetricIndexRebuildsTotal     = "contribrank_index_rebuilds_total"
	MetricIndexVectors           = "contribrank_index_vectors"
	MetricIndexVersion           = "contribrank_index_version"
	MetricBackgroundJobsTotal    = "contribrank_background_jobs_total"
	MetricBackgroundJobsDuration = "contribrank_background_jobs_duration_seconds"
	MetricBackgroundJobErrors    = "contribrank_background_job_errors_total"
)

// Search modes.
const (
	ModeHybrid      = "hybrid"
	ModeLexicalOnly = "lexical_only"
)

// Status constants for job and rebuild completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics contains Prometheus metrics for the engine.
// All operations are thread-safe.
type Metrics struct {
	searchRequests  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	ingest          *prometheus.CounterVec
	rebuilds        *prometheus.CounterVec
	indexVectors    prometheus.Gauge
	indexVersion    prometheus.Gauge
	jobsTotal       *prometheus.CounterVec
	jobsDuration    *prometheus.HistogramVec
	jobErrors       *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		searchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSearchRequestsTotal,
				Help: "Total number of search requests by ranking mode",
			},
			[]string{"mode"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricRequestDuration,
				Help:    "Histogram of request duration in seconds by operation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"operation"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCacheLookupsTotal,
				Help: "Total number of search cache lookups by result",
			},
			[]string{"result"},
		),
		ingest: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIngestTotal,
				Help: "Total number of ingested entities by entity and outcome",
			},
			[]string{"entity", "outcome"},
		),
		rebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIndexRebuildsTotal,
				Help: "Total number of vector index rebuilds by status",
			},
			[]string{"status"},
		),
		indexVectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricIndexVectors,
			Help: "Number of vectors in the active index generation",
		}),
		indexVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricIndexVersion,
			Help: "Version of the active index generation",
		}),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobsTotal,
				Help: "Total number of background job executions by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricBackgroundJobsDuration,
				Help:    "Histogram of background job duration in seconds by job type",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobErrors,
				Help: "Total number of background job errors by type and error type",
			},
			[]string{"job_type", "error_type"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.searchRequests,
		m.requestDuration,
		m.cacheLookups,
		m.ingest,
		m.rebuilds,
		m.indexVectors,
		m.indexVersion,
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
	}
}

// IncSearch counts a search served in mode (ModeHybrid or ModeLexicalOnly).
func (m *Metrics) IncSearch(mode string) {
	m.searchRequests.WithLabelValues(mode).Inc()
}

// ObserveRequestDuration records how long an operation took.
func (m *Metrics) ObserveRequestDuration(operation string, seconds float64) {
	m.requestDuration.WithLabelValues(operation).Observe(seconds)
}

// IncCacheLookup counts a search cache hit or miss.
func (m *Metrics) IncCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// IncIngest counts an ingested entity.
func (m *Metrics) IncIngest(entity, outcome string) {
	m.ingest.WithLabelValues(entity, outcome).Inc()
}

// IncRebuild counts a vector index rebuild.
func (m *Metrics) IncRebuild(status string) {
	m.rebuilds.WithLabelValues(status).Inc()
}

// SetIndexStats publishes the active index generation.
func (m *Metrics) SetIndexStats(version uint64, vectors int) {
	m.indexVersion.Set(float64(version))
	m.indexVectors.Set(float64(vectors))
}

// IncJobsTotal increments the jobs total counter.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveJobDuration records a job duration sample.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors increments the job errors counter.
// errorType is e.g. "timeout", "database_error" or "validation_error".
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// Handler serves the metrics gathered by reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
