package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/registry"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// AgentHandler groups agent registry read endpoints.
type AgentHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(reg *registry.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{registry: reg, logger: logger.Named("agent_handler")}
}

type listAgentsResponse struct {
	Items []agentSummary `json:"items"`
}

type agentSummary struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Status        string            `json:"status"`
	Group         string            `json:"group,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	LastHeartbeat string            `json:"lastHeartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func toAgentSummary(a domain.AgentInfo) agentSummary {
	caps := make([]string, len(a.Capabilities))
	for i, c := range a.Capabilities {
		caps[i] = c.Name
	}
	return agentSummary{
		ID:            a.ID,
		Name:          a.Name,
		Status:        string(a.Status),
		Group:         a.Group,
		Tags:          a.Tags,
		Capabilities:  caps,
		LastHeartbeat: a.LastHeartbeat.UTC().Format(http.TimeFormat),
		Metadata:      a.Metadata,
	}
}

// List handles GET /api/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.List()
	items := make([]agentSummary, len(agents))
	for i, a := range agents {
		items[i] = toAgentSummary(a)
	}
	Ok(w, listAgentsResponse{Items: items})
}

// GetByID handles GET /api/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, ok := h.registry.Get(id)
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, toAgentSummary(agent))
}
