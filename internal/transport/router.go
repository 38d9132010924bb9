package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/escalate/internal/config"
	"github.com/pitabwire/escalate/internal/idempotency"
	"github.com/pitabwire/escalate/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Service      EscalationService
	Idempotency  idempotency.Store
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/v1", func(r chi.Router) {
			r.Post("/workflow-instances/{instanceId}/evaluate", handleEvaluate(deps.Service))
			r.Post("/workflows/{workflowId}/escalation-rules", handleCreateRule(deps.Service, deps.Idempotency, deps.Config.Idempotency.TTL))
			r.Post("/escalations/scan", handleScan(deps.Service))
			r.Get("/escalations/statistics", handleStatistics(deps.Service))
			r.Post("/escalations/{escalationId}/resolve", handleResolve(deps.Service))
		})
	})

	return r
}
