// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal            *prometheus.CounterVec
	crawlerRecordsFetchedTotal   prometheus.Counter
	crawlerRecordsWrittenTotal   prometheus.Counter
	crawlerPartitionsTotal       *prometheus.CounterVec
	crawlerRetriesTotal          *prometheus.CounterVec
	crawlerBatchesTotal          *prometheus.CounterVec
	crawlerFlushDurationSeconds  prometheus.Histogram
	crawlerActiveWorkers         prometheus.Gauge
	crawlerRateLimitRemaining    prometheus.Gauge
	crawlerRateLimitDelaySeconds *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of search pages requested, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerRecordsFetchedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_records_fetched_total",
				Help: "Total number of repository records returned by search pages.",
			},
		)

		crawlerRecordsWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_records_written_total",
				Help: "Total number of deduplicated repository records committed to the store.",
			},
		)

		crawlerPartitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_partitions_total",
				Help: "Total number of partitions finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of retried search calls, labeled by error kind.",
			},
			[]string{"kind"},
		)

		crawlerBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_batches_total",
				Help: "Total number of store flushes, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerFlushDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_flush_duration_seconds",
				Help:    "Histogram of store flush latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a partition.",
			},
		)

		crawlerRateLimitRemaining = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_rate_limit_remaining",
				Help: "Remaining API quota as last reported by the server.",
			},
		)

		crawlerRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by reason.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"reason"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one search page request outcome.
func ObservePage(status string, records int) {
	Init()
	crawlerPagesTotal.WithLabelValues(status).Inc()
	if records > 0 {
		crawlerRecordsFetchedTotal.Add(float64(records))
	}
}

// ObservePartition increments the partition counter for the given outcome.
func ObservePartition(outcome string) {
	Init()
	crawlerPartitionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetry increments the retry counter for the given error kind.
func ObserveRetry(kind string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveFlush records a store flush.
func ObserveFlush(status string, records int, duration time.Duration) {
	Init()
	crawlerBatchesTotal.WithLabelValues(status).Inc()
	crawlerFlushDurationSeconds.Observe(duration.Seconds())
	if status == "success" && records > 0 {
		crawlerRecordsWrittenTotal.Add(float64(records))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// SetRateLimitRemaining records the server-reported remaining quota.
func SetRateLimitRemaining(remaining int) {
	Init()
	crawlerRateLimitRemaining.Set(float64(remaining))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(reason string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaySeconds.WithLabelValues(reason).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
