package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pitabwire/ringi/internal/config"
	"github.com/pitabwire/ringi/internal/engine"
	"github.com/pitabwire/ringi/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *engine.Engine
	Store        observability.HealthChecker
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Store))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, promhttp.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(MetricsRecording(deps.Metrics))

		r.Route("/instances", func(r chi.Router) {
			r.Post("/", handleInstanceCreate(deps.Engine))
			r.Get("/", handleInstanceList(deps.Engine))
			r.Get("/{instanceId}", handleInstanceGet(deps.Engine))
			r.Patch("/{instanceId}", handleInstanceUpdateDraft(deps.Engine))
			r.Post("/{instanceId}/submit", handleInstanceSubmit(deps.Engine))
			r.Post("/{instanceId}/resubmit", handleInstanceResubmit(deps.Engine))
			r.Post("/{instanceId}/cancel", handleInstanceCancel(deps.Engine))
			r.Post("/{instanceId}/steps/{stepId}/approve", handleStepDecision(deps.Engine, decisionApprove))
			r.Post("/{instanceId}/steps/{stepId}/reject", handleStepDecision(deps.Engine, decisionReject))
			r.Post("/{instanceId}/steps/{stepId}/request-changes", handleStepDecision(deps.Engine, decisionRequestChanges))
		})

		r.Route("/definitions", func(r chi.Router) {
			r.Post("/", handleDefinitionCreate(deps.Engine))
			r.Get("/", handleDefinitionList(deps.Engine))
			r.Get("/{definitionId}", handleDefinitionGet(deps.Engine))
			r.Patch("/{definitionId}", handleDefinitionUpdate(deps.Engine))
			r.Post("/{definitionId}/publish", handleDefinitionPublish(deps.Engine))
			r.Post("/{definitionId}/archive", handleDefinitionArchive(deps.Engine))
		})
	})

	return r
}
