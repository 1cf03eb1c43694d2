package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/action"
	"github.com/Tripsy/dashboard/internal/config"
	"github.com/Tripsy/dashboard/internal/datasource"
	"github.com/Tripsy/dashboard/internal/form"
	"github.com/Tripsy/dashboard/internal/observability"
	"github.com/Tripsy/dashboard/internal/session"
	"github.com/Tripsy/dashboard/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Registry           *datasource.Registry
	Sessions           *session.Manager
	Forms              *form.Machine
	Actions            *action.Runner
	Metrics            *observability.Metrics
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
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

	// Applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	r.Handle("/metrics", observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		reg, sessions := deps.Registry, deps.Sessions

		r.Get("/ui/data-sources", handleListDataSources(reg))
		r.Get("/ui/data-sources/{key}", handleDescribeDataSource(reg, sessions, deps.Actions))

		r.Get("/ui/data-sources/{key}/table", handleGetTable(sessions, deps.Actions))
		r.Patch("/ui/data-sources/{key}/table", handlePatchTable(sessions))
		r.Post("/ui/data-sources/{key}/table/refresh", handleRefreshTable(sessions))
		r.Post("/ui/data-sources/{key}/table/reset", handleResetFilters(sessions))
		r.Put("/ui/data-sources/{key}/table/selection", handleSetSelection(sessions))
		r.Delete("/ui/data-sources/{key}/table/selection", handleClearSelection(sessions))
		r.Post("/ui/data-sources/{key}/table/modal", handleOpenModal(sessions))
		r.Delete("/ui/data-sources/{key}/table/modal", handleCloseModal(sessions))
		r.Post("/ui/data-sources/{key}/table/action-requests", handleRequestAction(sessions))
		r.Get("/ui/data-sources/{key}/entries", handleGetEntries(sessions, deps.Actions, logger))

		r.Post("/ui/data-sources/{key}/forms", handleOpenForm(sessions))
		r.Get("/ui/data-sources/{key}/forms", handleGetForm(sessions))
		r.Patch("/ui/data-sources/{key}/forms", handleEditForm(sessions))
		r.Delete("/ui/data-sources/{key}/forms", handleCloseForm(sessions))
		r.Post("/ui/data-sources/{key}/forms/submit", handleSubmitForm(sessions))
		r.Post("/ui/data-sources/{key}/forms/validate", handleValidateForm(reg, deps.Forms))

		r.Post("/ui/data-sources/{key}/actions/{name}", handleRunAction(sessions, deps.Actions))
		r.Post("/ui/data-sources/{key}/actions/{name}/preview", handlePreviewAction(reg, sessions, deps.Actions))
	})

	return r
}
