package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/reviewflow/internal/config"
	"github.com/pitabwire/reviewflow/internal/definition"
	"github.com/pitabwire/reviewflow/internal/idempotency"
	"github.com/pitabwire/reviewflow/internal/observability"
	"github.com/pitabwire/reviewflow/internal/workflow"
	"github.com/pitabwire/reviewflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config     *config.Config
	Manager    *workflow.Manager
	Registry   *definition.Registry
	Authorizer workflow.RoleAuthorizer

	// Reload re-reads definitions and policy. Nil disables the reload
	// endpoint.
	Reload func(ctx context.Context) error

	// Idempotency is optional. Without it Idempotency-Key is ignored.
	Idempotency idempotency.Store

	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// actor middleware.
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
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)
	r.Use(RequestLogging(logger))

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled && deps.Gatherer != nil {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	keyed := keyedWrite{
		store:  deps.Idempotency,
		ttl:    cfg.Idempotency.TTL,
		logger: logger,
	}
	if keyed.ttl <= 0 {
		keyed.ttl = 24 * time.Hour
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(Actor)
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))

		r.Route("/documents/{documentId}/workflow", func(r chi.Router) {
			r.Get("/", handleGetInstance(deps.Manager))
			r.Get("/history", handleGetHistory(deps.Manager))
			r.Get("/actions", handleGetActions(deps.Manager))
			r.Post("/start", handleStart(deps.Manager, keyed))
			r.Post("/advance", handleAdvance(deps.Manager, keyed))
			r.Post("/reset", handleReset(deps.Manager))
			r.Post("/reconcile", handleReconcile(deps.Manager))
		})

		r.Get("/workflows/definitions", handleListDefinitions(deps.Registry))
		r.Get("/workflows/definitions/{workflowId}", handleGetDefinition(deps.Registry))

		r.Route("/admin", func(r chi.Router) {
			r.Get("/instances", requireCapability(deps.Authorizer, model.CapWorkflowAdmin,
				handleListInstances(deps.Manager)))
			r.Post("/reconcile", handleReconcileAll(deps.Manager, cfg.Reconcile.Concurrency))
			r.Post("/definitions/reload", requireCapability(deps.Authorizer, model.CapWorkflowAdmin,
				handleReloadDefinitions(deps.Registry, deps.Reload)))
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "no route")
	})

	return r
}
