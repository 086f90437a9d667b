// Package metrics exposes Prometheus collectors for the decisions pipeline.
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
	listingPagesTotal          *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	documentsTotal             *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	stageDurationSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              *prometheus.GaugeVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		listingPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisions_listing_pages_total",
				Help: "Total number of listing pages requested, labeled by outcome.",
			},
			[]string{"status"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisions_records_total",
				Help: "Total number of listing entries seen by the crawler, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisions_documents_total",
				Help: "Total number of documents processed, labeled by stage and status.",
			},
			[]string{"stage", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisions_bytes_total",
				Help: "Total number of bytes written, labeled by storage zone.",
			},
			[]string{"zone"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decisions_fetch_duration_seconds",
				Help:    "Histogram of upstream fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decisions_stage_duration_seconds",
				Help:    "Histogram of pipeline stage durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"stage"},
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

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "decisions_active_workers",
				Help: "Number of workers currently processing a record, labeled by stage.",
			},
			[]string{"stage"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decisions_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveListingPage counts one listing page by outcome (ok, failed, unparseable).
func ObserveListingPage(status string) {
	Init()
	listingPagesTotal.WithLabelValues(status).Inc()
}

// ObserveRecord counts one listing entry by outcome (upserted, out_of_range, rejected).
func ObserveRecord(outcome string) {
	Init()
	recordsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDocument counts one document processed by a stage.
func ObserveDocument(stage, status string) {
	Init()
	documentsTotal.WithLabelValues(stage, status).Inc()
}

// ObserveBytes adds written bytes to the zone counter.
func ObserveBytes(zone string, n int) {
	Init()
	if n > 0 {
		bytesTotal.WithLabelValues(zone).Add(float64(n))
	}
}

// ObserveFetch records the latency of one upstream fetch.
func ObserveFetch(rawURL string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveStage records how long a pipeline stage ran.
func ObserveStage(stage string, duration time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers(stage string) {
	Init()
	activeWorkers.WithLabelValues(stage).Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
