// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	documentsTotal             *prometheus.CounterVec
	deliveryAttemptsTotal      *prometheus.CounterVec
	outcomesTotal              *prometheus.CounterVec
	circuitState               *prometheus.GaugeVec
	inFlight                   prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetches_total",
				Help: "Total number of fetch calls, labeled by site and status class.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_retries_total",
				Help: "Total number of retried fetches, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
				Help:    "Histogram of host gate wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_documents_total",
				Help: "Processed pages, labeled by result (accepted or a rejection reason).",
			},
			[]string{"result"},
		)

		deliveryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_delivery_attempts_total",
				Help: "Delivery attempts, labeled by sink, domain and error kind.",
			},
			[]string{"sink", "domain", "result"},
		)

		outcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_outcomes_total",
				Help: "Terminal outcomes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		circuitState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_circuit_state",
				Help: "Circuit breaker state per sink and domain (0 closed, 1 half-open, 2 open).",
			},
			[]string{"sink", "domain"},
		)

		inFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_in_flight",
				Help: "Fetch and sink calls currently holding a worker slot.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_admin_requests_total",
				Help: "Admin API requests by method, route pattern and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_admin_request_duration_seconds",
				Help:    "Admin API latency by method and route pattern.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
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

// Handler returns an http.Handler for exposing Prometheus metrics. Extra
// gatherers are served alongside the default registry.
func Handler(extra ...prometheus.Gatherer) http.Handler {
	Init()
	if len(extra) == 0 {
		return promhttp.Handler()
	}
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	gatherers = append(gatherers, extra...)
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

// ObserveFetch records a completed fetch call.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchRetry counts a retried fetch.
func ObserveFetchRetry(site string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRateLimitDelay records the duration of a host gate wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveDocument counts a processed page by result.
func ObserveDocument(result string) {
	Init()
	documentsTotal.WithLabelValues(result).Inc()
}

// ObserveDeliveryAttempt counts one sink attempt. result is "ok" or an error kind.
func ObserveDeliveryAttempt(sink, domain, result string) {
	Init()
	deliveryAttemptsTotal.WithLabelValues(sink, domain, result).Inc()
}

// ObserveOutcome counts a terminal outcome.
func ObserveOutcome(outcome string) {
	Init()
	outcomesTotal.WithLabelValues(outcome).Inc()
}

// SetCircuitState publishes the breaker state for a (sink, domain) pair.
func SetCircuitState(sink, domain string, state int) {
	Init()
	circuitState.WithLabelValues(sink, domain).Set(float64(state))
}

// IncInFlight increments the in-flight gauge.
func IncInFlight() {
	Init()
	inFlight.Inc()
}

// DecInFlight decrements the in-flight gauge.
func DecInFlight() {
	Init()
	inFlight.Dec()
}

// ObserveHTTPRequest records one admin API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
