package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hrsuite/payrun/internal/calculation"
	"github.com/hrsuite/payrun/internal/config"
	"github.com/hrsuite/payrun/internal/observability"
	"github.com/hrsuite/payrun/internal/period"
	"github.com/hrsuite/payrun/internal/workflow"
)

// Server holds the handler dependencies.
type Server struct {
	orchestrator *workflow.Orchestrator
	catalog      *period.Catalog
	hub          *calculation.Hub
	logger       *zap.Logger
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Orchestrator *workflow.Orchestrator
	Catalog      *period.Catalog
	Hub          *calculation.Hub
	Backend      observability.HealthChecker
	Metrics      *observability.Metrics
	Logger       *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	s := &Server{
		orchestrator: deps.Orchestrator,
		catalog:      deps.Catalog,
		hub:          deps.Hub,
		logger:       deps.Logger,
	}

	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Backend))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthenticator(deps.Config.Identity, deps.Logger))
		r.Use(RequestLogging(deps.Logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/ui/periods", s.handleListPeriods)
		r.Get("/ui/periods/{periodID}/data-check", s.handleCheckPeriodData)
		r.Post("/ui/periods/{periodID}/workflow/start", s.handleStartWorkflow)
		r.Post("/ui/periods/{periodID}/copy-previous", s.handleCopyPrevious)

		r.Get("/ui/runs/{runID}/workflow-status", s.handleWorkflowStatus)
		r.Post("/ui/runs/{runID}/steps/{stepKey}/complete", s.handleCompleteStep)
		r.Post("/ui/runs/{runID}/steps/{stepKey}/retry", s.handleRetryStep)

		r.Post("/ui/runs/{runID}/calculation", s.handleStartCalculation)
		r.Get("/ui/runs/{runID}/calculation/progress", s.handleCalculationProgress)
		r.Get("/ui/runs/{runID}/calculation/summary", s.handleCalculationSummary)

		r.Get("/ui/runs/{runID}/export/{kind}", s.handleExport)
	})

	return r
}
