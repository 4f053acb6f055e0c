// Package metrics exposes Prometheus collectors for the readability service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	upstreamFetchesTotal       *prometheus.CounterVec
	upstreamBytesTotal         *prometheus.CounterVec
	robotsFallbacksTotal       prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	conversionsTotal           *prometheus.CounterVec
	poolTasksTotal             *prometheus.CounterVec
	poolTaskDurationSeconds    *prometheus.HistogramVec
	poolQueueWaitSeconds       prometheus.Histogram
	poolQueueDepth             prometheus.Gauge
	poolPendingTasks           prometheus.Gauge
	poolWorkers                *prometheus.GaugeVec
	poolWorkerRestartsTotal    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readability_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "readability_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		)

		upstreamFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readability_upstream_fetches_total",
				Help: "Total number of upstream page fetches, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		upstreamBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readability_upstream_bytes_total",
				Help: "Total number of bytes fetched from upstream pages, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "readability_rate_limit_delay_seconds",
				Help:    "Time upstream fetches waited on the per-host rate limiter, labeled by site.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		robotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "readability_robots_fallbacks_total",
				Help: "Total robots.txt probes that fell back to allow-all after repeated TLS handshake timeouts.",
			},
		)

		conversionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readability_conversions_total",
				Help: "Total number of page conversions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		poolTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readability_pool_tasks_total",
				Help: "Total number of pool tasks resolved, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		poolTaskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "readability_pool_task_duration_seconds",
				Help:    "Histogram of time tasks spent on a worker, labeled by outcome.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 45},
			},
			[]string{"outcome"},
		)

		poolQueueWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "readability_pool_queue_wait_seconds",
				Help:    "Histogram of time tasks waited in the queue before assignment.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		)

		poolQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "readability_pool_queue_depth",
				Help: "Number of tasks waiting for a worker.",
			},
		)

		poolPendingTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "readability_pool_pending_tasks",
				Help: "Number of submitted tasks without an outcome yet.",
			},
		)

		poolWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "readability_pool_workers",
				Help: "Number of worker slots, labeled by state.",
			},
			[]string{"state"},
		)

		poolWorkerRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readability_pool_worker_restarts_total",
				Help: "Total number of worker replacements, labeled by reason.",
			},
			[]string{"reason"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveFetch records one upstream fetch. result is a status class ("2xx", "4xx", ...) or
// "timeout"/"error".
func ObserveFetch(site, result string, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	upstreamFetchesTotal.WithLabelValues(sanitizedSite, result).Inc()
	if bytesFetched > 0 {
		upstreamBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// StatusClass buckets an HTTP status code into "1xx".."5xx".
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// ObserveRobotsFallback increments the robots.txt allow-all fallback counter.
func ObserveRobotsFallback() {
	robotsFallbacksTotal.Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for its host's rate limiter.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}

// ObserveConversion increments the conversion counter for the given outcome.
func ObserveConversion(outcome string) {
	conversionsTotal.WithLabelValues(outcome).Inc()
}
