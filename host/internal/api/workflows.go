package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/host/internal/trigger"
	"github.com/orbitmesh/orbitmesh/host/internal/workflow"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// WorkflowHandler groups workflow definition/instance endpoints.
type WorkflowHandler struct {
	defs      repositories.WorkflowDefinitionRepository
	instances repositories.WorkflowInstanceRepository
	engine    *workflow.Engine
	triggers  *trigger.Manager
	logger    *zap.Logger
}

// NewWorkflowHandler creates a WorkflowHandler.
func NewWorkflowHandler(defs repositories.WorkflowDefinitionRepository, instances repositories.WorkflowInstanceRepository, engine *workflow.Engine, triggers *trigger.Manager, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{defs: defs, instances: instances, engine: engine, triggers: triggers, logger: logger.Named("workflow_handler")}
}

type listDefinitionsResponse struct {
	Items []domain.WorkflowDefinition `json:"items"`
	Total int64                       `json:"total"`
}

// List handles GET /api/workflows.
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	defs, total, err := h.defs.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("list workflow definitions failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listDefinitionsResponse{Items: defs, Total: total})
}

// Create handles POST /api/workflows.
func (h *WorkflowHandler) Create(w http.ResponseWriter, r *http.Request) {
	var def domain.WorkflowDefinition
	if !decodeJSON(w, r, &def) {
		return
	}
	if def.Name == "" || def.Version == "" {
		ErrBadRequest(w, "name and version are required")
		return
	}

	if err := h.defs.Create(r.Context(), &def); err != nil {
		if isConflict(err) {
			ErrConflict(w, "a workflow with this name and version already exists")
			return
		}
		h.logger.Error("create workflow definition failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if def.IsActive {
		h.triggers.Activate(&def)
	}
	Created(w, def)
}

// GetByID handles GET /api/workflows/{id}.
func (h *WorkflowHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	def, err := h.defs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, def)
}

// Update handles PATCH /api/workflows/{id}.
func (h *WorkflowHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.defs.GetByID(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	var patch domain.WorkflowDefinition
	if !decodeJSON(w, r, &patch) {
		return
	}
	patch.ID = existing.ID
	if err := h.defs.Update(r.Context(), &patch); err != nil {
		h.logger.Error("update workflow definition failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if patch.IsActive {
		h.triggers.Activate(&patch)
	} else {
		h.triggers.Deactivate(patch.ID)
	}
	Ok(w, patch)
}

// Delete handles DELETE /api/workflows/{id}.
func (h *WorkflowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.defs.Delete(r.Context(), id); err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	h.triggers.Deactivate(id)
	NoContent(w)
}

type startWorkflowRequest struct {
	Input map[string]any `json:"input,omitempty"`
}

// Start handles POST /api/workflows/{id}/start.
func (h *WorkflowHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req startWorkflowRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	inst, err := h.triggers.TriggerManually(r.Context(), id, req.Input, "api")
	if err != nil {
		h.logger.Warn("manual trigger failed", zap.String("workflow_id", id), zap.Error(err))
		ErrUnprocessable(w, err.Error())
		return
	}
	Created(w, inst)
}

type listInstancesResponse struct {
	Items []domain.WorkflowInstance `json:"items"`
	Total int64                     `json:"total"`
}

// ListInstances handles GET /api/workflows/instances?workflowId=.
func (h *WorkflowHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflowId")
	instances, total, err := h.instances.List(r.Context(), workflowID, paginationOpts(r))
	if err != nil {
		h.logger.Error("list workflow instances failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listInstancesResponse{Items: instances, Total: total})
}

// GetInstance handles GET /api/workflows/instances/{id}.
func (h *WorkflowHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instances.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, inst)
}

// CancelInstance handles POST /api/workflows/instances/{id}/cancel.
func (h *WorkflowHandler) CancelInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(chi.URLParam(r, "id")); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	NoContent(w)
}

func isConflict(err error) bool {
	return errors.Is(err, repositories.ErrConflict)
}
