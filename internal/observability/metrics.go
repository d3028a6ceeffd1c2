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
	sweepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	EntitiesStartedTotal      *prometheus.CounterVec
	TransitionsTotal          *prometheus.CounterVec
	TransitionRejectionsTotal *prometheus.CounterVec
	TerminalEntitiesTotal     *prometheus.CounterVec
	IdempotentReplaysTotal    *prometheus.CounterVec
	DispatchFailuresTotal     *prometheus.CounterVec
	DispatcherCircuitBreaker  *prometheus.GaugeVec
	NotificationsSentTotal    *prometheus.CounterVec

	// Compliance metrics
	ComplianceAssessmentsTotal *prometheus.CounterVec
	ComplianceEntities         *prometheus.GaugeVec
	ComplianceAlertsTotal      *prometheus.CounterVec
	UnknownPolicyTotal         *prometheus.CounterVec
	SweepDuration              prometheus.Histogram
	SweepErrorsTotal           prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	MachinesLoaded        prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pravasi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pravasi_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pravasi_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		EntitiesStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_entities_started_total",
			Help: "Total number of entities registered on a machine.",
		}, []string{"machine"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_transitions_total",
			Help: "Total number of committed stage transitions.",
		}, []string{"machine", "from", "to"}),
		TransitionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_transition_rejections_total",
			Help: "Total number of rejected transition requests by error code.",
		}, []string{"machine", "code"}),
		TerminalEntitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_terminal_entities_total",
			Help: "Total number of entities that reached a terminal stage.",
		}, []string{"machine", "stage"}),
		IdempotentReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_idempotent_replays_total",
			Help: "Total number of transition requests answered from the idempotency store.",
		}, []string{"machine"}),
		DispatchFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_dispatch_failures_total",
			Help: "Total number of notification dispatch failures after commit.",
		}, []string{"machine"}),
		DispatcherCircuitBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pravasi_dispatcher_circuit_breaker_state",
			Help: "Dispatcher circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"dispatcher"}),
		NotificationsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_notifications_sent_total",
			Help: "Total number of notifications handed to a dispatcher.",
		}, []string{"dispatcher", "status"}),

		// Compliance
		ComplianceAssessmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_compliance_assessments_total",
			Help: "Total number of SLA assessments by policy and band.",
		}, []string{"policy", "band"}),
		ComplianceEntities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pravasi_compliance_entities",
			Help: "Open entities per policy and risk band at the last sweep.",
		}, []string{"policy", "band"}),
		ComplianceAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_compliance_alerts_total",
			Help: "Total number of compliance alerts raised.",
		}, []string{"policy", "band"}),
		UnknownPolicyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_compliance_unknown_policy_total",
			Help: "Total number of transitions whose entity names a policy no longer defined.",
		}, []string{"machine", "policy"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pravasi_compliance_sweep_duration_seconds",
			Help:    "Compliance sweep duration in seconds.",
			Buckets: sweepDurationBuckets,
		}),
		SweepErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pravasi_compliance_sweep_errors_total",
			Help: "Total number of failed compliance sweeps.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pravasi_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		MachinesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pravasi_machines_loaded",
			Help: "Number of loaded state machines.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow
		m.EntitiesStartedTotal,
		m.TransitionsTotal,
		m.TransitionRejectionsTotal,
		m.TerminalEntitiesTotal,
		m.IdempotentReplaysTotal,
		m.DispatchFailuresTotal,
		m.DispatcherCircuitBreaker,
		m.NotificationsSentTotal,
		// Compliance
		m.ComplianceAssessmentsTotal,
		m.ComplianceEntities,
		m.ComplianceAlertsTotal,
		m.UnknownPolicyTotal,
		m.SweepDuration,
		m.SweepErrorsTotal,
		// System
		m.DefinitionReloadTotal,
		m.MachinesLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that library code can run
// without a registry (CLI, unit tests).

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordEntityStarted records a new entity on a machine.
func (m *Metrics) RecordEntityStarted(machine string) {
	if m == nil {
		return
	}
	m.EntitiesStartedTotal.WithLabelValues(machine).Inc()
}

// RecordTransition records a committed transition.
func (m *Metrics) RecordTransition(machine, from, to string, terminal bool) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(machine, from, to).Inc()
	if terminal {
		m.TerminalEntitiesTotal.WithLabelValues(machine, to).Inc()
	}
}

// RecordTransitionRejection records a transition refused with the given code.
func (m *Metrics) RecordTransitionRejection(machine, code string) {
	if m == nil {
		return
	}
	m.TransitionRejectionsTotal.WithLabelValues(machine, code).Inc()
}

// RecordIdempotentReplay records a replayed transition response.
func (m *Metrics) RecordIdempotentReplay(machine string) {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.WithLabelValues(machine).Inc()
}

// RecordDispatchFailure records a notification failure after commit.
func (m *Metrics) RecordDispatchFailure(machine string) {
	if m == nil {
		return
	}
	m.DispatchFailuresTotal.WithLabelValues(machine).Inc()
}

// SetDispatcherCircuitBreakerState sets the breaker state for a dispatcher.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetDispatcherCircuitBreakerState(dispatcher string, state float64) {
	if m == nil {
		return
	}
	m.DispatcherCircuitBreaker.WithLabelValues(dispatcher).Set(state)
}

// RecordNotification records a dispatch attempt.
func (m *Metrics) RecordNotification(dispatcher, status string) {
	if m == nil {
		return
	}
	m.NotificationsSentTotal.WithLabelValues(dispatcher, status).Inc()
}

// RecordAssessment records one SLA assessment.
func (m *Metrics) RecordAssessment(policy, band string) {
	if m == nil {
		return
	}
	m.ComplianceAssessmentsTotal.WithLabelValues(policy, band).Inc()
}

// RecordComplianceAlert records a raised compliance alert.
func (m *Metrics) RecordComplianceAlert(policy, band string) {
	if m == nil {
		return
	}
	m.ComplianceAlertsTotal.WithLabelValues(policy, band).Inc()
}

// RecordUnknownPolicy records an entity whose policy key is missing from the
// loaded definitions.
func (m *Metrics) RecordUnknownPolicy(machine, policy string) {
	if m == nil {
		return
	}
	m.UnknownPolicyTotal.WithLabelValues(machine, policy).Inc()
}

// RecordSweep records a completed sweep and replaces the per-band gauges with
// the sweep's counts.
func (m *Metrics) RecordSweep(duration time.Duration, counts map[string]map[string]int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(duration.Seconds())
	m.ComplianceEntities.Reset()
	for policy, bands := range counts {
		for band, n := range bands {
			m.ComplianceEntities.WithLabelValues(policy, band).Set(float64(n))
		}
	}
}

// RecordSweepError records a failed sweep.
func (m *Metrics) RecordSweepError() {
	if m == nil {
		return
	}
	m.SweepErrorsTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetMachinesLoaded sets the number of loaded machines.
func (m *Metrics) SetMachinesLoaded(count float64) {
	if m == nil {
		return
	}
	m.MachinesLoaded.Set(count)
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

// HandlerFor returns a /metrics handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
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
	// Mounted sub-routers leave "/*" between and after their patterns.
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
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
