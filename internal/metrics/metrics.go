// Package metrics exposes Prometheus collectors for the match-run service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsSubmittedTotal     *prometheus.CounterVec
	runsClaimedTotal       prometheus.Counter
	runsCompletedTotal     *prometheus.CounterVec
	workerTickSeconds      prometheus.Histogram
	statusCacheTotal       *prometheus.CounterVec
	statusRateLimitedTotal prometheus.Counter
	httpRequestsTotal      *prometheus.CounterVec
	activeWorkers          prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchrun_runs_submitted_total",
				Help: "Total submissions, labeled by outcome (created, existing, forced).",
			},
			[]string{"outcome"},
		)

		runsClaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "matchrun_runs_claimed_total",
				Help: "Total successful run claims, including lease-expiry reclaims.",
			},
		)

		runsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchrun_runs_completed_total",
				Help: "Total runs finished by a worker, labeled by final status.",
			},
			[]string{"status"},
		)

		workerTickSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "matchrun_worker_tick_seconds",
				Help:    "Histogram of worker tick wall-clock durations.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60},
			},
		)

		statusCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchrun_status_cache_total",
				Help: "Status endpoint cache lookups, labeled by result (hit, miss).",
			},
			[]string{"result"},
		)

		statusRateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "matchrun_status_rate_limited_total",
				Help: "Status requests rejected by the per-client rate limiter.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchrun_http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "matchrun_active_workers",
				Help: "Number of workers currently processing a claimed run.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission increments the submission counter for the given outcome.
func ObserveSubmission(outcome string) {
	runsSubmittedTotal.WithLabelValues(outcome).Inc()
}

// ObserveClaim increments the claim counter.
func ObserveClaim() {
	runsClaimedTotal.Inc()
}

// ObserveCompletion increments the completion counter for the final status.
func ObserveCompletion(status string) {
	runsCompletedTotal.WithLabelValues(status).Inc()
}

// ObserveTick records the duration of a worker tick.
func ObserveTick(duration time.Duration) {
	workerTickSeconds.Observe(duration.Seconds())
}

// ObserveCacheLookup records a status cache hit or miss.
func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	statusCacheTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimited increments the rate-limited request counter.
func ObserveRateLimited() {
	statusRateLimitedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request counter.
func ObserveHTTPRequest(method string, code string) {
	httpRequestsTotal.WithLabelValues(method, code).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
