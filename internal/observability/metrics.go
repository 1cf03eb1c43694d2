package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the dashboard engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	DispatchTotal         *prometheus.CounterVec
	DispatchDuration      *prometheus.HistogramVec
	FormSubmissionsTotal  *prometheus.CounterVec
	ValidationPassesTotal *prometheus.CounterVec
	TableFetchTotal       *prometheus.CounterVec
	TableFetchDuration    *prometheus.HistogramVec
	ActionRunsTotal       *prometheus.CounterVec

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// State metrics
	PersistenceOpsTotal        *prometheus.CounterVec
	SessionsActive             prometheus.Gauge
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	DataSourcesLoaded          prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashboard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashboard_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashboard_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_dispatch_total",
			Help: "Total number of data-source function dispatches.",
		}, []string{"data_source", "capability", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashboard_dispatch_duration_seconds",
			Help:    "Data-source function duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"data_source", "capability"}),
		FormSubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_form_submissions_total",
			Help: "Total number of form submissions.",
		}, []string{"data_source", "mode", "situation"}),
		ValidationPassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_validation_passes_total",
			Help: "Total number of form validation passes.",
		}, []string{"data_source", "result"}),
		TableFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_table_fetch_total",
			Help: "Total number of table fetches.",
		}, []string{"data_source", "status"}),
		TableFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashboard_table_fetch_duration_seconds",
			Help:    "Table fetch duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"data_source"}),
		ActionRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_action_runs_total",
			Help: "Total number of action runs.",
		}, []string{"data_source", "action", "situation"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_backend_requests_total",
			Help: "Total number of backend service requests.",
		}, []string{"service_id", "operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashboard_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashboard_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service_id"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"service_id"}),

		// State
		PersistenceOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_persistence_ops_total",
			Help: "Total number of table state persistence operations.",
		}, []string{"driver", "op", "status"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashboard_sessions_active",
			Help: "Number of live engine sessions.",
		}),
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		DataSourcesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashboard_data_sources_loaded",
			Help: "Number of registered data sources.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.DispatchTotal,
		m.DispatchDuration,
		m.FormSubmissionsTotal,
		m.ValidationPassesTotal,
		m.TableFetchTotal,
		m.TableFetchDuration,
		m.ActionRunsTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.PersistenceOpsTotal,
		m.SessionsActive,
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.DataSourcesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordDispatch records one data-source function dispatch. Outcome is one
// of ok, missing, or error.
func (m *Metrics) RecordDispatch(dataSource, capability, outcome string, duration time.Duration) {
	m.DispatchTotal.WithLabelValues(dataSource, capability, outcome).Inc()
	m.DispatchDuration.WithLabelValues(dataSource, capability).Observe(duration.Seconds())
}

// RecordFormSubmission records the final situation of a form submission.
func (m *Metrics) RecordFormSubmission(dataSource, mode, situation string) {
	m.FormSubmissionsTotal.WithLabelValues(dataSource, mode, situation).Inc()
}

// RecordValidationPass records one validation pass.
func (m *Metrics) RecordValidationPass(dataSource string, success bool) {
	result := "invalid"
	if success {
		result = "valid"
	}
	m.ValidationPassesTotal.WithLabelValues(dataSource, result).Inc()
}

// RecordTableFetch records a table fetch. Status is ok, error, or superseded.
func (m *Metrics) RecordTableFetch(dataSource, status string, duration time.Duration) {
	m.TableFetchTotal.WithLabelValues(dataSource, status).Inc()
	m.TableFetchDuration.WithLabelValues(dataSource).Observe(duration.Seconds())
}

// RecordActionRun records the final situation of an action run.
func (m *Metrics) RecordActionRun(dataSource, action, situation string) {
	m.ActionRunsTotal.WithLabelValues(dataSource, action, situation).Inc()
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(serviceID, operation string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(serviceID, operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// RecordPersistenceOp records a table state load or save.
func (m *Metrics) RecordPersistenceOp(driver, op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.PersistenceOpsTotal.WithLabelValues(driver, op, status).Inc()
}

// SetSessionsActive sets the number of live sessions.
func (m *Metrics) SetSessionsActive(count int) {
	m.SessionsActive.Set(float64(count))
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// SetDataSourcesLoaded sets the number of registered data sources.
func (m *Metrics) SetDataSourcesLoaded(count int) {
	m.DataSourcesLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
