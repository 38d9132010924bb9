package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	scanDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Condition metrics
	ConditionEvaluationsTotal *prometheus.CounterVec
	ActionExecutionsTotal     *prometheus.CounterVec

	// Escalation metrics
	EscalationScansTotal      *prometheus.CounterVec
	EscalationScanDuration    prometheus.Histogram
	EscalationCandidates      prometheus.Gauge
	EscalationTransitions     *prometheus.CounterVec
	EscalationCandidateErrors prometheus.Counter

	// Notification metrics
	NotificationsTotal          *prometheus.CounterVec
	NotifierCircuitBreakerState prometheus.Gauge

	// System metrics
	RulesLoadedTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escalate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Conditions
		ConditionEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_condition_evaluations_total",
			Help: "Total number of condition group evaluations.",
		}, []string{"workflow_id", "result"}),
		ActionExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_action_executions_total",
			Help: "Total number of conditional action executions.",
		}, []string{"action_type", "status"}),

		// Escalations
		EscalationScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_escalation_scans_total",
			Help: "Total number of escalation scans.",
		}, []string{"status"}),
		EscalationScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escalate_escalation_scan_duration_seconds",
			Help:    "Escalation scan duration in seconds.",
			Buckets: scanDurationBuckets,
		}),
		EscalationCandidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escalate_escalation_candidates",
			Help: "Number of candidate steps examined by the last scan.",
		}),
		EscalationTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_escalation_transitions_total",
			Help: "Total number of escalation state transitions.",
		}, []string{"workflow_id", "transition"}),
		EscalationCandidateErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escalate_escalation_candidate_errors_total",
			Help: "Total number of candidates that failed during a scan.",
		}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_notifications_total",
			Help: "Total number of notifications sent.",
		}, []string{"type", "status"}),
		NotifierCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escalate_notifier_circuit_breaker_state",
			Help: "Webhook notifier circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// System
		RulesLoadedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escalate_rules_loaded_total",
			Help: "Total number of rule definitions loaded from seed files.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ConditionEvaluationsTotal,
		m.ActionExecutionsTotal,
		m.EscalationScansTotal,
		m.EscalationScanDuration,
		m.EscalationCandidates,
		m.EscalationTransitions,
		m.EscalationCandidateErrors,
		m.NotificationsTotal,
		m.NotifierCircuitBreakerState,
		m.RulesLoadedTotal,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordConditionEvaluation records one condition group evaluation.
func (m *Metrics) RecordConditionEvaluation(workflowID string, result bool) {
	if m == nil {
		return
	}
	m.ConditionEvaluationsTotal.WithLabelValues(workflowID, strconv.FormatBool(result)).Inc()
}

// RecordActionExecution records one conditional action execution.
func (m *Metrics) RecordActionExecution(actionType, status string) {
	if m == nil {
		return
	}
	m.ActionExecutionsTotal.WithLabelValues(actionType, status).Inc()
}

// RecordEscalationScan records a finished scan.
func (m *Metrics) RecordEscalationScan(status string, candidates int, duration time.Duration) {
	if m == nil {
		return
	}
	m.EscalationScansTotal.WithLabelValues(status).Inc()
	m.EscalationScanDuration.Observe(duration.Seconds())
	m.EscalationCandidates.Set(float64(candidates))
}

// RecordEscalationTransition records an escalation state change such as
// created, advanced, resolved or auto_approved.
func (m *Metrics) RecordEscalationTransition(workflowID, transition string) {
	if m == nil {
		return
	}
	m.EscalationTransitions.WithLabelValues(workflowID, transition).Inc()
}

// RecordCandidateError records a failed scan candidate.
func (m *Metrics) RecordCandidateError() {
	if m == nil {
		return
	}
	m.EscalationCandidateErrors.Inc()
}

// RecordNotification records a notification attempt.
func (m *Metrics) RecordNotification(notificationType, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(notificationType, status).Inc()
}

// SetNotifierCircuitBreakerState sets the webhook breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.NotifierCircuitBreakerState.Set(state)
}

// RecordRulesLoaded records definitions loaded from seed files.
func (m *Metrics) RecordRulesLoaded(kind string, count int) {
	if m == nil {
		return
	}
	m.RulesLoadedTotal.WithLabelValues(kind).Add(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled by chi route pattern,
// so escalation IDs in paths do not become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := NewStatusRecorder(w)

		next.ServeHTTP(sr, r)

		m.RecordHTTPRequest(r.Method, RoutePattern(r), sr.Status(), time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
