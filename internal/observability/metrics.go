package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowPersistLagTotal  prometheus.Counter
	WorkflowStartsTotal      prometheus.Counter

	// Calculation metrics
	CalculationDispatchesTotal *prometheus.CounterVec
	FallbackEntriesTotal       *prometheus.CounterVec
	PollerTicksTotal           *prometheus.CounterVec
	ActivePollers              prometheus.Gauge

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        prometheus.Counter

	// Period catalog metrics
	PeriodCacheHitsTotal   prometheus.Counter
	PeriodCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrun_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payrun_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrun_workflow_transitions_total",
			Help: "Total number of workflow step transitions.",
		}, []string{"step", "status"}),
		WorkflowPersistLagTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payrun_workflow_persist_lag_total",
			Help: "Transitions applied to the in-memory shadow because the backend write failed.",
		}),
		WorkflowStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payrun_workflow_starts_total",
			Help: "Total number of workflow starts.",
		}),

		CalculationDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrun_calculation_dispatches_total",
			Help: "Total number of calculation dispatches by route.",
		}, []string{"route"}),
		FallbackEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrun_fallback_entries_total",
			Help: "Entries processed by the fallback summation engine.",
		}, []string{"result"}),
		PollerTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrun_poller_ticks_total",
			Help: "Progress poller ticks by outcome.",
		}, []string{"outcome"}),
		ActivePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payrun_active_pollers",
			Help: "Number of active calculation progress pollers.",
		}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payrun_backend_requests_total",
			Help: "Total number of requests to the payroll backend.",
		}, []string{"operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payrun_backend_request_duration_seconds",
			Help:    "Payroll backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payrun_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),
		BackendRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payrun_backend_retries_total",
			Help: "Total number of retried backend requests.",
		}),

		PeriodCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payrun_period_cache_hits_total",
			Help: "Period catalog cache hits.",
		}),
		PeriodCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payrun_period_cache_misses_total",
			Help: "Period catalog cache misses.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkflowTransitionsTotal,
		m.WorkflowPersistLagTotal,
		m.WorkflowStartsTotal,
		m.CalculationDispatchesTotal,
		m.FallbackEntriesTotal,
		m.PollerTicksTotal,
		m.ActivePollers,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.PeriodCacheHitsTotal,
		m.PeriodCacheMissesTotal,
	)

	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware records request counts and durations labeled by the chi
// route pattern, so path parameters don't explode label cardinality.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
