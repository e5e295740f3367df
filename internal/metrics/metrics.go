// Package metrics exposes Prometheus collectors for the crawl service.
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
	readinessWaitSeconds       *prometheus.HistogramVec
	extractionAttempts         *prometheus.HistogramVec
	sessionsTotal              *prometheus.CounterVec
	sessionsActive             prometheus.Gauge
	fragmentsRecordedTotal     prometheus.Counter
	artifactBytesTotal         prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbacksTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		readinessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "serialcrawler_readiness_wait_seconds",
				Help:    "Time spent waiting for rendered content to settle, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
			},
			[]string{"outcome"},
		)

		extractionAttempts = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "serialcrawler_extraction_attempts",
				Help:    "Attempts needed per extraction, labeled by outcome.",
				Buckets: []float64{1, 2, 3, 5, 10, 20, 30},
			},
			[]string{"outcome"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serialcrawler_sessions_total",
				Help: "Sessions that reached a terminal state, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		sessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "serialcrawler_sessions_active",
				Help: "Number of sessions currently crawling.",
			},
		)

		fragmentsRecordedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "serialcrawler_fragments_recorded_total",
				Help: "Total fragments appended to sessions.",
			},
		)

		artifactBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "serialcrawler_artifact_bytes_total",
				Help: "Total bytes written to artifact sinks.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "serialcrawler_rate_limit_delays_seconds",
				Help:    "Histogram of navigation rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serialcrawler_robots_fallbacks_total",
				Help: "robots.txt probes that gave up and allowed the fetch, labeled by reason.",
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
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveReadiness records one readiness wait.
func ObserveReadiness(outcome string, d time.Duration) {
	Init()
	readinessWaitSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveExtraction records how many attempts an extraction used.
func ObserveExtraction(outcome string, attempts int) {
	Init()
	extractionAttempts.WithLabelValues(outcome).Observe(float64(attempts))
}

// ObserveSession counts a terminated session.
func ObserveSession(outcome string) {
	Init()
	sessionsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveSessions increments the active sessions gauge.
func IncActiveSessions() {
	Init()
	sessionsActive.Inc()
}

// DecActiveSessions decrements the active sessions gauge.
func DecActiveSessions() {
	Init()
	sessionsActive.Dec()
}

// ObserveFragment counts one recorded fragment.
func ObserveFragment() {
	Init()
	fragmentsRecordedTotal.Inc()
}

// ObserveArtifact adds the size of a written artifact.
func ObserveArtifact(bytes int) {
	Init()
	if bytes > 0 {
		artifactBytesTotal.Add(float64(bytes))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(reason).Inc()
}
