// Package metrics exposes Prometheus collectors for the acquisition service.
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
	urlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_urls_total",
			Help: "Terminal URL outcomes, labeled by source and status.",
		},
		[]string{"source", "status"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_fetch_bytes_total",
			Help: "Bytes fetched over plain HTTP, labeled by source.",
		},
		[]string{"source"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_fetch_duration_seconds",
			Help:    "Histogram of HTTP fetch latencies, labeled by source.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"source"},
	)

	fetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_fetch_retries_total",
			Help: "HTTP fetch attempts beyond the first, labeled by source.",
		},
		[]string{"source"},
	)

	browserFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_browser_fetches_total",
			Help: "Headless browser fetches, labeled by domain and result.",
		},
		[]string{"domain", "result"},
	)

	browserContexts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_browser_contexts",
			Help: "Live headless browser contexts.",
		},
	)

	activeProxies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_proxies_active",
			Help: "Proxies currently in the active set.",
		},
	)

	proxyRetirementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_proxy_retirements_total",
			Help: "Proxies retired after consecutive failures.",
		},
	)

	rateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_rate_limit_wait_seconds",
			Help:    "Histogram of per-domain rate limit waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 4, 6, 10, 30},
		},
		[]string{"domain"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_active_workers",
			Help: "Workers currently processing a URL.",
		},
	)

	storeWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_store_writes_total",
			Help: "Mutations applied by the store writer, labeled by op and result.",
		},
		[]string{"op", "result"},
	)

	storeBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvest_store_batch_size",
			Help:    "Histogram of mutation batch sizes flushed by the writer.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total admin HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of admin HTTP latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutcome counts one terminal URL outcome.
func ObserveOutcome(source, status string) {
	urlsTotal.WithLabelValues(source, status).Inc()
}

// ObserveFetch records one completed HTTP fetch.
func ObserveFetch(source string, duration time.Duration, bytes int, attempts int) {
	fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(source).Add(float64(bytes))
	}
	if attempts > 1 {
		fetchRetriesTotal.WithLabelValues(source).Add(float64(attempts - 1))
	}
}

// ObserveBrowserFetch counts one headless fetch by result.
func ObserveBrowserFetch(domain string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	browserFetchesTotal.WithLabelValues(domain, result).Inc()
}

// SetBrowserContexts records the number of live browser contexts.
func SetBrowserContexts(n int) {
	browserContexts.Set(float64(n))
}

// SetActiveProxies records the size of the active proxy set.
func SetActiveProxies(n int) {
	activeProxies.Set(float64(n))
}

// ObserveProxyRetirement counts one proxy retirement.
func ObserveProxyRetirement() {
	proxyRetirementsTotal.Inc()
}

// ObserveRateLimitWait records the duration of a rate limit acquisition.
func ObserveRateLimitWait(domain string, duration time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveStoreWrite counts one mutation applied under a writer op.
func ObserveStoreWrite(op string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	storeWritesTotal.WithLabelValues(op, result).Inc()
}

// ObserveStoreBatch records the size of one flushed writer batch.
func ObserveStoreBatch(n int) {
	storeBatchSize.Observe(float64(n))
}

// ObserveHTTPRequest records one admin HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
