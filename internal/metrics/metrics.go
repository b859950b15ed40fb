// Package metrics exposes Prometheus collectors for the harvester.
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
	tasksTotal                 *prometheus.CounterVec
	pagesCommittedTotal        *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	leasesLostTotal            prometheus.Counter
	tasksReapedTotal           prometheus.Counter
	contentIngestedTotal       *prometheus.CounterVec
	uploadsTotal               *prometheus.CounterVec
	limiterWaitSeconds         prometheus.Histogram
	inFlightRequests           prometheus.Gauge
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_total",
				Help: "Task transitions performed by workers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pagesCommittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_committed_total",
				Help: "Pages committed under a valid lease, labeled by endpoint.",
			},
			[]string{"endpoint"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_attempts_total",
				Help: "Remote API calls, labeled by endpoint and result kind.",
			},
			[]string{"endpoint", "result"},
		)

		leasesLostTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_leases_lost_total",
				Help: "Tasks abandoned because their lease was no longer valid.",
			},
		)

		tasksReapedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_tasks_reaped_total",
				Help: "Expired claims recovered by the reaper.",
			},
		)

		contentIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_content_ingested_total",
				Help: "Payloads ingested into the content store, labeled new or duplicate.",
			},
			[]string{"kind"},
		)

		uploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_uploads_total",
				Help: "Archive upload outcomes, labeled by status.",
			},
			[]string{"status"},
		)

		limiterWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_limiter_wait_seconds",
				Help:    "Time spent waiting for a concurrency slot.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		inFlightRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_in_flight_requests",
				Help: "Remote API requests currently holding a limiter slot.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a task.",
			},
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

// ObserveTask counts a task outcome (completed, failed, lease_lost, released).
func ObserveTask(outcome string) {
	Init()
	tasksTotal.WithLabelValues(outcome).Inc()
}

// ObservePageCommitted counts a committed page.
func ObservePageCommitted(endpoint string) {
	Init()
	pagesCommittedTotal.WithLabelValues(endpoint).Inc()
}

// ObserveFetch counts one remote API call.
func ObserveFetch(endpoint, result string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(endpoint, result).Inc()
}

// ObserveLeaseLost counts an abandoned task.
func ObserveLeaseLost() {
	Init()
	leasesLostTotal.Inc()
}

// ObserveReaped adds n reaped claims.
func ObserveReaped(n int) {
	Init()
	if n > 0 {
		tasksReapedTotal.Add(float64(n))
	}
}

// ObserveContentIngested counts an ingest as new or duplicate.
func ObserveContentIngested(created bool) {
	Init()
	kind := "duplicate"
	if created {
		kind = "new"
	}
	contentIngestedTotal.WithLabelValues(kind).Inc()
}

// ObserveUpload counts an archive upload outcome.
func ObserveUpload(status string) {
	Init()
	uploadsTotal.WithLabelValues(status).Inc()
}

// ObserveLimiterWait records how long a caller waited for a slot.
func ObserveLimiterWait(d time.Duration) {
	Init()
	limiterWaitSeconds.Observe(d.Seconds())
}

// IncInFlight increments the in-flight requests gauge.
func IncInFlight() {
	Init()
	inFlightRequests.Inc()
}

// DecInFlight decrements the in-flight requests gauge.
func DecInFlight() {
	Init()
	inFlightRequests.Dec()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
