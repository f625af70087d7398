// Package metrics defines the Prometheus metric collectors used across the
// registry backend and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the backend.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	TasksScheduledTotal  *prometheus.CounterVec
	TasksDroppedTotal    *prometheus.CounterVec
	TaskDuration         *prometheus.HistogramVec
	TasksInFlight        prometheus.Gauge
	JobsLockedTotal      *prometheus.CounterVec
	JobCompletionsTotal  *prometheus.CounterVec
	StaleLocksFreedTotal prometheus.Counter
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	IndexedDocsTotal     prometheus.Counter
	IndexDocCount        prometheus.Gauge
	SnapshotWritesTotal  *prometheus.CounterVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
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
		TasksScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_scheduled_total",
				Help: "Total tasks dispatched to the runner by source.",
			},
			[]string{"source"},
		),
		TasksDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_dropped_total",
				Help: "Total tasks dropped by reason (duplicate, stale, runner_error).",
			},
			[]string{"reason"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "task_duration_seconds",
				Help:    "Task execution latency in seconds by outcome.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"outcome"},
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tasks_in_flight",
				Help: "Number of tasks currently executing.",
			},
		),
		JobsLockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_locked_total",
				Help: "Total ledger jobs claimed for processing by service.",
			},
			[]string{"service"},
		),
		JobCompletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_completions_total",
				Help: "Total ledger job completions by service and status.",
			},
			[]string{"service", "status"},
		),
		StaleLocksFreedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stale_locks_freed_total",
				Help: "Total processing locks forcibly reverted to available.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, rejected).",
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
		IndexedDocsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexed_docs_total",
				Help: "Total package documents written to the in-memory index.",
			},
		),
		IndexDocCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_document_count",
				Help: "Number of package documents currently in the index.",
			},
		),
		SnapshotWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_writes_total",
				Help: "Total index snapshot checkpoints by status.",
			},
			[]string{"status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of search cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of search cache misses.",
			},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.TasksScheduledTotal,
		m.TasksDroppedTotal,
		m.TaskDuration,
		m.TasksInFlight,
		m.JobsLockedTotal,
		m.JobCompletionsTotal,
		m.StaleLocksFreedTotal,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.IndexedDocsTotal,
		m.IndexDocCount,
		m.SnapshotWritesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
