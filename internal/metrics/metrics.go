// Package metrics exposes Prometheus collectors for the HTTP surface and the
// local worker pool. Dispatch-event counters live in the events sinks.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	workerRunsTotal            *prometheus.CounterVec
	workerRunDurationSeconds   prometheus.Histogram
	activeWorkers              prometheus.Gauge
	rateLimitRejectionsTotal   prometheus.Counter
	eventsDroppedTotal         *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
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

		workerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashtriage_worker_runs_total",
				Help: "Jobs executed by local workers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		workerRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crashtriage_worker_run_duration_seconds",
				Help:    "Wall time of one test run, from claim to ingest.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crashtriage_active_workers",
				Help: "Number of local workers currently running a job.",
			},
		)

		rateLimitRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crashtriage_rate_limit_rejections_total",
				Help: "Claim requests rejected by the per-worker rate limiter.",
			},
		)

		eventsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashtriage_events_dropped_total",
				Help: "Dispatch events lost to a full event hub queue, labeled by stage.",
			},
			[]string{"stage"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun records one worker run and its duration.
func ObserveRun(outcome string, duration time.Duration) {
	workerRunsTotal.WithLabelValues(outcome).Inc()
	workerRunDurationSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitRejection counts a throttled claim request.
func ObserveRateLimitRejection() {
	rateLimitRejectionsTotal.Inc()
}

// ObserveEventDrop counts a dispatch event the hub could not queue.
func ObserveEventDrop(stage string) {
	eventsDroppedTotal.WithLabelValues(stage).Inc()
}
