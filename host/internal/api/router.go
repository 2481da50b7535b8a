package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/orbitmesh/orbitmesh/host/internal/auth"
	"github.com/orbitmesh/orbitmesh/host/internal/deployment"
	"github.com/orbitmesh/orbitmesh/host/internal/jobmanager"
	"github.com/orbitmesh/orbitmesh/host/internal/metrics"
	"github.com/orbitmesh/orbitmesh/host/internal/registry"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/host/internal/trigger"
	"github.com/orbitmesh/orbitmesh/host/internal/websocket"
	"github.com/orbitmesh/orbitmesh/host/internal/workflow"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after every component is initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable
// as the number of dependencies grows.
type RouterConfig struct {
	Logger *zap.Logger
	Admin  *auth.AdminAuthenticator
	Tokens *auth.TokenManager
	DB     *gorm.DB

	Registry *registry.Registry
	Jobs     *jobmanager.Manager
	Engine   *workflow.Engine
	Triggers *trigger.Manager
	Deploy   *deployment.Engine
	Hub      *websocket.Hub

	WorkflowDefs      repositories.WorkflowDefinitionRepository
	WorkflowInstances repositories.WorkflowInstanceRepository
	ApiTokens         repositories.ApiTokenRepository
	BootstrapTokens   repositories.BootstrapTokenRepository
	DeploymentProfiles repositories.DeploymentProfileRepository
	DeploymentExecs   repositories.DeploymentExecutionRepository
}

// NewRouter builds the fully configured Chi router for the HTTP/JSON control
// plane. Every route is served under /api; the dashboard websocket
// upgrade is mounted at /ws.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	status := NewStatusHandler(cfg.Registry, cfg.Jobs, cfg.DB, cfg.Logger)
	agents := NewAgentHandler(cfg.Registry, cfg.Logger)
	jobs := NewJobHandler(cfg.Jobs, cfg.Logger)
	workflows := NewWorkflowHandler(cfg.WorkflowDefs, cfg.WorkflowInstances, cfg.Engine, cfg.Triggers, cfg.Logger)
	tokens := NewTokenHandler(cfg.Tokens, cfg.ApiTokens, cfg.Logger)
	enrollment := NewEnrollmentHandler(cfg.BootstrapTokens, cfg.Logger)
	deploy := NewDeploymentHandler(cfg.DeploymentProfiles, cfg.DeploymentExecs, cfg.Deploy, cfg.Logger)
	events := NewEventHandler(cfg.Triggers, cfg.Engine, cfg.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Tokens))

			r.Get("/status", status.Get)

			r.Get("/agents", agents.List)
			r.Get("/agents/{id}", agents.GetByID)

			r.Get("/jobs", jobs.List)
			r.Post("/jobs", jobs.Create)
			r.Get("/jobs/{id}", jobs.GetByID)
			r.Post("/jobs/{id}/cancel", jobs.Cancel)

			r.Get("/workflows", workflows.List)
			r.Post("/workflows", workflows.Create)
			r.Get("/workflows/{id}", workflows.GetByID)
			r.Patch("/workflows/{id}", workflows.Update)
			r.Delete("/workflows/{id}", workflows.Delete)
			r.Post("/workflows/{id}/start", workflows.Start)
			r.Get("/workflows/instances", workflows.ListInstances)
			r.Get("/workflows/instances/{id}", workflows.GetInstance)
			r.Post("/workflows/instances/{id}/cancel", workflows.CancelInstance)
			r.Post("/workflows/instances/{id}/steps/{stepId}/complete-event", events.CompleteStepEvent)
			r.Post("/workflows/instances/{id}/steps/{stepId}/approve", events.ApproveStep)

			r.Post("/events", events.Ingest)

			r.Get("/deployment/profiles", deploy.List)
			r.Get("/deployment/profiles/{id}", deploy.GetByID)
			r.Post("/deployment/profiles/{id}/deploy", deploy.Deploy)
			r.Get("/deployment/profiles/{id}/agents", deploy.Agents)
			r.Get("/deployment/executions", deploy.ListExecutions)
			r.Get("/deployment/status", deploy.Status)
		})

		// --- Admin-only routes: manage the control surfaces that grant
		// access (API tokens, node enrollment) or mutate infrastructure
		// (deployment profile definitions). ---
		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin(cfg.Admin))

			r.Get("/tokens", tokens.List)
			r.Post("/tokens", tokens.Create)
			r.Delete("/tokens/{id}", tokens.Revoke)

			r.Get("/enrollment/bootstrap-token", enrollment.Get)
			r.Post("/enrollment/bootstrap-token/regenerate", enrollment.Regenerate)
			r.Patch("/enrollment/bootstrap-token/enabled", enrollment.SetEnabled)
			r.Patch("/enrollment/bootstrap-token/auto-approve", enrollment.SetAutoApprove)

			r.Post("/deployment/profiles", deploy.Create)
			r.Patch("/deployment/profiles/{id}", deploy.Update)
			r.Delete("/deployment/profiles/{id}", deploy.Delete)
		})

		// Webhook callbacks come from third-party systems that hold no API
		// token; the registered trigger enforces its own allowed-method and
		// X-Webhook-Secret checks instead.
		r.HandleFunc("/webhooks/*", events.Webhook)
	})

	r.Get("/ws", NewWSHandler(cfg.Hub, cfg.Tokens, cfg.Logger).Handle)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}
