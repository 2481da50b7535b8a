package api

import (
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/orbitmesh/orbitmesh/host/internal/db"
	"github.com/orbitmesh/orbitmesh/host/internal/jobmanager"
	"github.com/orbitmesh/orbitmesh/host/internal/registry"
)

// StatusHandler serves the top-level health/summary endpoint.
type StatusHandler struct {
	registry *registry.Registry
	jobs     *jobmanager.Manager
	database *gorm.DB
	logger   *zap.Logger
}

// NewStatusHandler creates a StatusHandler. database may be nil in tests;
// the schema version is then reported as zero.
func NewStatusHandler(reg *registry.Registry, jobs *jobmanager.Manager, database *gorm.DB, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{registry: reg, jobs: jobs, database: database, logger: logger.Named("status_handler")}
}

type statusResponse struct {
	SchemaVersion int    `json:"schemaVersion"`
	SchemaUpdated string `json:"schemaUpdated,omitempty"`
	NodeCount     int    `json:"nodeCount"`
	RunningJobs   int    `json:"runningJobs"`
}

// Get handles GET /api/status.
func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.List()

	running := 0
	for _, a := range agents {
		running += h.jobs.RunningCount(a.ID)
	}

	resp := statusResponse{NodeCount: len(agents), RunningJobs: running}
	if h.database != nil {
		if info, err := db.CurrentSchemaVersion(r.Context(), h.database); err == nil {
			resp.SchemaVersion = info.Version
			resp.SchemaUpdated = info.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
		} else {
			h.logger.Warn("schema version lookup failed", zap.Error(err))
		}
	}
	Ok(w, resp)
}
