package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/pravasi/internal/compliance"
	"github.com/pitabwire/pravasi/internal/config"
	"github.com/pitabwire/pravasi/internal/definition"
	"github.com/pitabwire/pravasi/internal/observability"
	"github.com/pitabwire/pravasi/internal/transition"
	"github.com/pitabwire/pravasi/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Registry  *definition.Registry
	Validator *transition.Validator
	Evaluator *compliance.Evaluator
	Service   *workflow.Service

	Logger         *zap.Logger
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks

	// Clock stamps each API request; nil uses the wall clock.
	Clock func() time.Time
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints skip the
// API middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		h := deps.MetricsHandler
		if h == nil {
			h = observability.Handler()
		}
		r.Handle(cfg.Observability.Metrics.Path, h)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(BuildRequestContext)
		r.Use(StampRequestTime(deps.Clock))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/machines", handleListMachines(deps.Registry))
		r.Get("/machines/{machine}/stages", handleListStages(deps.Registry))
		r.Get("/machines/{machine}/stages/{stage}", handleGetStage(deps.Registry, deps.Validator))
		r.Get("/machines/{machine}/stages/{stage}/next", handleNextStages(deps.Validator))
		r.Get("/machines/{machine}/transitions/{from}/{to}", handleCanTransition(deps.Validator))

		r.Get("/policies", handleListPolicies(deps.Registry))
		r.Post("/compliance/assess", handleAssessPolicy(deps.Evaluator))

		r.Post("/entities", handleStartEntity(deps.Service))
		r.Get("/entities/{entityId}", handleGetEntity(deps.Service))
		r.Post("/entities/{entityId}/transitions", handleTransitionEntity(deps.Service))
		r.Get("/entities/{entityId}/compliance", handleEntityCompliance(deps.Service))
	})

	return r
}
