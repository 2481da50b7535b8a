package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/jobmanager"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// JobHandler groups job submission/inspection endpoints.
type JobHandler struct {
	jobs   *jobmanager.Manager
	logger *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(jobs *jobmanager.Manager, logger *zap.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger.Named("job_handler")}
}

type createJobRequest struct {
	Command              string            `json:"command"`
	Pattern              string            `json:"pattern"`
	Parameters           []byte            `json:"parameters,omitempty"`
	Priority             int               `json:"priority"`
	TimeoutSeconds       int               `json:"timeoutSeconds,omitempty"`
	MaxRetries           int               `json:"maxRetries"`
	IdempotencyKey       string            `json:"idempotencyKey,omitempty"`
	TargetAgentID        string            `json:"targetAgentId,omitempty"`
	RequiredCapabilities []string          `json:"requiredCapabilities,omitempty"`
	RequiredTags         []string          `json:"requiredTags,omitempty"`
	CorrelationID        string            `json:"correlationId,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Create handles POST /api/jobs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		ErrBadRequest(w, "command is required")
		return
	}

	jr := domain.JobRequest{
		IdempotencyKey:       req.IdempotencyKey,
		Command:              req.Command,
		Pattern:              domain.JobPattern(req.Pattern),
		Parameters:           req.Parameters,
		Priority:             req.Priority,
		Timeout:              time.Duration(req.TimeoutSeconds) * time.Second,
		MaxRetries:           req.MaxRetries,
		TargetAgentID:        req.TargetAgentID,
		RequiredCapabilities: req.RequiredCapabilities,
		RequiredTags:         req.RequiredTags,
		CorrelationID:        req.CorrelationID,
		Metadata:             req.Metadata,
	}

	job, err := h.jobs.Enqueue(r.Context(), jr)
	if err != nil {
		h.logger.Error("enqueue job failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, job)
}

type listJobsResponse struct {
	Items []domain.Job `json:"items"`
	Total int64        `json:"total"`
}

// List handles GET /api/jobs?status=&agentId=&limit=&offset=.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	status := r.URL.Query().Get("status")
	agentID := r.URL.Query().Get("agentId")

	var (
		jobs  []domain.Job
		total int64
		err   error
	)
	if agentID != "" {
		jobs, total, err = h.jobs.GetByAgent(r.Context(), agentID, opts)
	} else {
		jobs, total, err = h.jobs.GetByStatus(r.Context(), status, opts)
	}
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, listJobsResponse{Items: jobs, Total: total})
}

// GetByID handles GET /api/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, job)
}

// Cancel handles POST /api/jobs/{id}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "id"), "cancelled via API")
	if err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrUnprocessable(w, err.Error())
		return
	}
	Ok(w, job)
}

func isNotFound(err error) bool {
	return errors.Is(err, repositories.ErrNotFound)
}
