// Package metrics exposes Prometheus collectors for the analysis service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecotrace_jobs_total",
			Help: "Total number of jobs reaching a terminal state, labeled by kind and state.",
		},
		[]string{"kind", "state"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ecotrace_stage_duration_seconds",
			Help:    "Histogram of pipeline stage execution time, labeled by stage.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecotrace_cache_lookups_total",
			Help: "Artifact cache lookups, labeled by outcome (hit, miss, expired, error).",
		},
		[]string{"outcome"},
	)

	imagesOptimizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecotrace_images_optimized_total",
			Help: "Per-image optimization outcomes, labeled by outcome (converted, skipped, failed).",
		},
		[]string{"outcome"},
	)

	reportPagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecotrace_report_pages_total",
			Help: "Total report pages rendered.",
		},
	)

	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ecotrace_active_workers",
			Help: "Number of workers currently processing a job, labeled by partition.",
		},
		[]string{"partition"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ecotrace_queue_depth",
			Help: "Tasks waiting in a queue partition.",
		},
		[]string{"partition"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	bytesAnalyzedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ecotrace_bytes_analyzed_total",
			Help: "Total transfer bytes observed across captured pages.",
		},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the terminal job counter.
func ObserveJob(kind, state string) {
	jobsTotal.WithLabelValues(kind, state).Inc()
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, d time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveCacheLookup increments the cache outcome counter.
func ObserveCacheLookup(outcome string) {
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveImage increments the per-image optimization counter.
func ObserveImage(outcome string) {
	imagesOptimizedTotal.WithLabelValues(outcome).Inc()
}

// ObserveReportPage increments the rendered page counter.
func ObserveReportPage() {
	reportPagesTotal.Inc()
}

// ObserveBytesAnalyzed adds to the analyzed byte counter.
func ObserveBytesAnalyzed(n int64) {
	if n > 0 {
		bytesAnalyzedTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge for a partition.
func IncActiveWorkers(partition string) {
	activeWorkers.WithLabelValues(partition).Inc()
}

// DecActiveWorkers decrements the active workers gauge for a partition.
func DecActiveWorkers(partition string) {
	activeWorkers.WithLabelValues(partition).Dec()
}

// SetQueueDepth records the current depth of a queue partition.
func SetQueueDepth(partition string, depth int) {
	queueDepth.WithLabelValues(partition).Set(float64(depth))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
