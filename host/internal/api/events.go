package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/trigger"
	"github.com/orbitmesh/orbitmesh/host/internal/workflow"
)

// EventHandler is the inbound side of the trigger service and of waiting
// workflow steps: external events and webhook callbacks start new instances
// through the trigger manager, and the step-resolution endpoints resume
// instances paused on WaitForEvent/Approval.
type EventHandler struct {
	triggers *trigger.Manager
	engine   *workflow.Engine
	logger   *zap.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(triggers *trigger.Manager, engine *workflow.Engine, logger *zap.Logger) *EventHandler {
	return &EventHandler{triggers: triggers, engine: engine, logger: logger.Named("event_handler")}
}

type ingestEventRequest struct {
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
}

type ingestEventResponse struct {
	StartedInstanceIDs []string `json:"startedInstanceIds"`
	ResumedInstanceIDs []string `json:"resumedInstanceIds"`
}

// Ingest handles POST /api/events. One event does double duty: it starts an
// instance for every matching enabled Event trigger, and it resumes every
// step currently waiting on the same event type.
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EventType == "" {
		ErrBadRequest(w, "eventType is required")
		return
	}

	started, err := h.triggers.ProcessEvent(r.Context(), req.EventType, req.Data)
	if err != nil {
		h.logger.Warn("event processing failed", zap.String("event_type", req.EventType), zap.Error(err))
		ErrUnprocessable(w, err.Error())
		return
	}
	resumed := h.engine.DeliverEvent(req.EventType, req.Data)

	resp := ingestEventResponse{StartedInstanceIDs: make([]string, 0, len(started)), ResumedInstanceIDs: resumed}
	for _, inst := range started {
		resp.StartedInstanceIDs = append(resp.StartedInstanceIDs, inst.ID)
	}
	if resp.ResumedInstanceIDs == nil {
		resp.ResumedInstanceIDs = []string{}
	}
	Ok(w, resp)
}

// Webhook handles any method on /api/webhooks/{path}. Authentication is the
// trigger's own business: the registered trigger decides which methods are
// allowed and whether an X-Webhook-Secret must be presented, so this route
// is mounted outside the bearer-token middleware.
func (h *EventHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if path == "" {
		ErrNotFound(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		ErrBadRequest(w, "failed to read request body")
		return
	}
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	inst, err := h.triggers.ProcessWebhook(r.Context(), path, r.Method, body, headers)
	if err != nil {
		h.logger.Warn("webhook processing failed",
			zap.String("path", path), zap.String("method", r.Method), zap.Error(err))
		ErrUnprocessable(w, err.Error())
		return
	}
	Created(w, inst)
}

type completeStepEventRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// CompleteStepEvent handles POST /api/workflows/instances/{id}/steps/{stepId}/complete-event,
// resolving a specific WaitForEvent step directly by instance and step id —
// the targeted alternative to broadcasting through /api/events.
func (h *EventHandler) CompleteStepEvent(w http.ResponseWriter, r *http.Request) {
	var req completeStepEventRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	instanceID := chi.URLParam(r, "id")
	stepID := chi.URLParam(r, "stepId")
	if err := h.engine.CompleteEvent(instanceID, stepID, req.Payload); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	NoContent(w)
}

type approveStepRequest struct {
	Approver string `json:"approver"`
	Approve  bool   `json:"approve"`
}

// ApproveStep handles POST /api/workflows/instances/{id}/steps/{stepId}/approve.
func (h *EventHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	var req approveStepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Approver == "" {
		ErrBadRequest(w, "approver is required")
		return
	}

	instanceID := chi.URLParam(r, "id")
	stepID := chi.URLParam(r, "stepId")
	if err := h.engine.Approve(instanceID, stepID, req.Approver, req.Approve); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	NoContent(w)
}
