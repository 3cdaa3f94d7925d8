// Package metrics exposes Prometheus collectors for the archive crawler.
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
	fetchRequestsTotal          *prometheus.CounterVec
	fetchDurationSeconds        *prometheus.HistogramVec
	fetchBytesTotal             *prometheus.CounterVec
	retriesTotal                *prometheus.CounterVec
	gateInFlight                prometheus.Gauge
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	politenessDelaysSeconds     prometheus.Histogram
	decompressionFailuresTotal  prometheus.Counter
	mirrorUploadsTotal          *prometheus.CounterVec
	serverRequestsTotal         *prometheus.CounterVec
	serverRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_fetch_requests_total",
				Help: "Archive GET requests, labeled by host and status class.",
			},
			[]string{"host", "status_class"},
		)
		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_fetch_duration_seconds",
				Help:    "Archive GET latency, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_fetch_bytes_total",
				Help: "Bytes received from the archive, labeled by host.",
			},
			[]string{"host"},
		)
		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_retries_total",
				Help: "Retry attempts after a transient failure, labeled by operation.",
			},
			[]string{"operation"},
		)
		gateInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archive_gate_in_flight",
				Help: "Network operations currently holding an admission gate slot.",
			},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
		politenessDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archive_politeness_delays_seconds",
				Help:    "Pauses inserted before listing fetches.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5},
			},
		)
		decompressionFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archive_decompression_failures_total",
				Help: "Downloads whose gzip payload could not be decompressed.",
			},
		)
		mirrorUploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_mirror_uploads_total",
				Help: "Uploads of materialized files to the object mirror, labeled by result.",
			},
			[]string{"result"},
		)
		serverRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ops_http_requests_total",
				Help: "Requests served by the ops server, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		serverRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ops_http_request_duration_seconds",
				Help:    "Histogram of ops server latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
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

// StatusClass groups HTTP status codes; zero means the request never completed.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one archive GET.
func ObserveFetch(rawURL string, code int, bytesFetched int, duration time.Duration) {
	Init()
	host := SanitizeSite(rawURL)
	fetchRequestsTotal.WithLabelValues(host, StatusClass(code)).Inc()
	fetchDurationSeconds.WithLabelValues(host).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveRetry counts one retry of operation.
func ObserveRetry(operation string) {
	Init()
	retriesTotal.WithLabelValues(operation).Inc()
}

// IncInFlight increments the admission gate gauge.
func IncInFlight() {
	Init()
	gateInFlight.Inc()
}

// DecInFlight decrements the admission gate gauge.
func DecInFlight() {
	Init()
	gateInFlight.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObservePoliteness records a politeness pause.
func ObservePoliteness(duration time.Duration) {
	Init()
	politenessDelaysSeconds.Observe(duration.Seconds())
}

// ObserveDecompressionFailure counts a gzip payload that failed to decompress.
func ObserveDecompressionFailure() {
	Init()
	decompressionFailuresTotal.Inc()
}

// ObserveMirrorUpload counts a mirror upload by result ("ok" or "error").
func ObserveMirrorUpload(result string) {
	Init()
	mirrorUploadsTotal.WithLabelValues(result).Inc()
}

// ObserveServerRequest records one request handled by the ops server.
func ObserveServerRequest(method, route string, code int, duration time.Duration) {
	Init()
	serverRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	serverRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
