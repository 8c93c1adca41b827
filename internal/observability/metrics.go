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
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Transition outcomes recorded by RecordTransition.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics holds all Prometheus metric instruments for reviewflow. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	WorkflowReconciledTotal  *prometheus.CounterVec

	// Store metrics
	StoreOperationDuration *prometheus.HistogramVec

	// System metrics
	DefinitionReloadsTotal *prometheus.CounterVec
	DefinitionsLoaded      prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reviewflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewflow_workflow_transitions_total",
			Help: "Total number of workflow transitions by outcome.",
		}, []string{"workflow", "action", "outcome"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reviewflow_workflow_active_instances",
			Help: "Number of active workflow instances started by this process.",
		}, []string{"workflow"}),
		WorkflowReconciledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewflow_workflow_reconciled_total",
			Help: "Total number of documents reconciled by result.",
		}, []string{"result"}),

		// Store
		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reviewflow_store_operation_duration_seconds",
			Help:    "Instance store operation duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"store", "op"}),

		// System
		DefinitionReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reviewflow_definition_reloads_total",
			Help: "Total definition reloads.",
		}, []string{"outcome"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reviewflow_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkflowTransitionsTotal,
		m.WorkflowActiveInstances,
		m.WorkflowReconciledTotal,
		m.StoreOperationDuration,
		m.DefinitionReloadsTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordTransition records a start, advance, or reset attempt.
func (m *Metrics) RecordTransition(workflowID, action, outcome string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(workflowID, action, outcome).Inc()
}

// RecordActivated records an instance becoming active.
func (m *Metrics) RecordActivated(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Inc()
}

// RecordDeactivated records an instance leaving the active state through
// completion, reset, or repair.
func (m *Metrics) RecordDeactivated(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Dec()
}

// RecordReconcile records one document reconcile. result is "clean",
// "repaired" or "failed".
func (m *Metrics) RecordReconcile(result string) {
	if m == nil {
		return
	}
	m.WorkflowReconciledTotal.WithLabelValues(result).Inc()
}

// ObserveStoreOperation records the duration of one store call.
func (m *Metrics) ObserveStoreOperation(store, op string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreOperationDuration.WithLabelValues(store, op).Observe(duration.Seconds())
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(outcome string) {
	if m == nil {
		return
	}
	m.DefinitionReloadsTotal.WithLabelValues(outcome).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
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
		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint,
// serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
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

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
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
	return w.ResponseWriter.Write(b)
}
