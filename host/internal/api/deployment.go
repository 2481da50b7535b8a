package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/deployment"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// DeploymentHandler groups deployment profile/execution endpoints.
type DeploymentHandler struct {
	profiles   repositories.DeploymentProfileRepository
	executions repositories.DeploymentExecutionRepository
	engine     *deployment.Engine
	logger     *zap.Logger
}

// NewDeploymentHandler creates a DeploymentHandler.
func NewDeploymentHandler(profiles repositories.DeploymentProfileRepository, executions repositories.DeploymentExecutionRepository, engine *deployment.Engine, logger *zap.Logger) *DeploymentHandler {
	return &DeploymentHandler{profiles: profiles, executions: executions, engine: engine, logger: logger.Named("deployment_handler")}
}

type listProfilesResponse struct {
	Items []domain.DeploymentProfile `json:"items"`
	Total int64                      `json:"total"`
}

// List handles GET /api/deployment/profiles.
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	profiles, total, err := h.profiles.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("list deployment profiles failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listProfilesResponse{Items: profiles, Total: total})
}

// Create handles POST /api/deployment/profiles.
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p domain.DeploymentProfile
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Name == "" || p.SourcePath == "" || p.TargetAgentPattern == "" {
		ErrBadRequest(w, "name, sourcePath and targetAgentPattern are required")
		return
	}

	if err := h.profiles.Create(r.Context(), &p); err != nil {
		h.logger.Error("create deployment profile failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if p.IsActive {
		if err := h.engine.Activate(r.Context(), p); err != nil {
			h.logger.Error("activate deployment profile failed", zap.Error(err))
		}
	}
	Created(w, p)
}

// GetByID handles GET /api/deployment/profiles/{id}.
func (h *DeploymentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, p)
}

// Update handles PATCH /api/deployment/profiles/{id}.
func (h *DeploymentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.profiles.GetByID(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	var patch domain.DeploymentProfile
	if !decodeJSON(w, r, &patch) {
		return
	}
	patch.ID = existing.ID
	if err := h.profiles.Update(r.Context(), &patch); err != nil {
		h.logger.Error("update deployment profile failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.engine.Deactivate(patch.ID)
	if patch.IsActive {
		if err := h.engine.Activate(r.Context(), patch); err != nil {
			h.logger.Error("activate deployment profile failed", zap.Error(err))
		}
	}
	Ok(w, patch)
}

// Delete handles DELETE /api/deployment/profiles/{id}.
func (h *DeploymentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.profiles.Delete(r.Context(), id); err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	h.engine.Deactivate(id)
	NoContent(w)
}

// Deploy handles POST /api/deployment/profiles/{id}/deploy, forcing an
// immediate sync cycle outside the debounce window.
func (h *DeploymentHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.TriggerDeploy(r.Context(), id); err != nil {
		h.logger.Warn("trigger deploy failed", zap.String("profile_id", id), zap.Error(err))
		ErrUnprocessable(w, err.Error())
		return
	}
	NoContent(w)
}

// Agents handles GET /api/deployment/profiles/{id}/agents, listing the nodes
// a profile currently matches.
func (h *DeploymentHandler) Agents(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	agents, err := h.engine.MatchingAgents(*p)
	if err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	Ok(w, agents)
}

type listExecutionsResponse struct {
	Items []domain.DeploymentExecution `json:"items"`
	Total int64                        `json:"total"`
}

// ListExecutions handles GET /api/deployment/executions?profileId=.
func (h *DeploymentHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	profileID := r.URL.Query().Get("profileId")
	executions, total, err := h.executions.List(r.Context(), profileID, paginationOpts(r))
	if err != nil {
		h.logger.Error("list deployment executions failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listExecutionsResponse{Items: executions, Total: total})
}

type deploymentStatusResponse struct {
	ActiveProfiles int `json:"activeProfiles"`
}

// Status handles GET /api/deployment/status.
func (h *DeploymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	active, err := h.profiles.ListActive(r.Context())
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, deploymentStatusResponse{ActiveProfiles: len(active)})
}
