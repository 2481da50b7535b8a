package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/auth"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
	"github.com/orbitmesh/orbitmesh/shared/domain"
)

// EnrollmentHandler groups the /api/enrollment/bootstrap-token
// management endpoints.
type EnrollmentHandler struct {
	tokens repositories.BootstrapTokenRepository
	logger *zap.Logger
}

// NewEnrollmentHandler creates an EnrollmentHandler.
func NewEnrollmentHandler(tokens repositories.BootstrapTokenRepository, logger *zap.Logger) *EnrollmentHandler {
	return &EnrollmentHandler{tokens: tokens, logger: logger.Named("enrollment_handler")}
}

type bootstrapTokenResponse struct {
	domain.BootstrapToken
	Token string `json:"token,omitempty"`
}

// Get handles GET /api/enrollment/bootstrap-token.
func (h *EnrollmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.tokens.Get(r.Context())
	if err != nil {
		if isNotFound(err) {
			Ok(w, bootstrapTokenResponse{})
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, bootstrapTokenResponse{BootstrapToken: *t})
}

// Regenerate handles POST /api/enrollment/bootstrap-token/regenerate. The
// raw secret is returned only in this response.
func (h *EnrollmentHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	existing, err := h.tokens.Get(r.Context())
	if err != nil && !isNotFound(err) {
		ErrInternal(w)
		return
	}
	if existing == nil {
		existing = &domain.BootstrapToken{IsEnabled: true}
	}

	raw, err := auth.GenerateSecret()
	if err != nil {
		h.logger.Error("generate bootstrap secret failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	hash, err := auth.HashSecret(raw)
	if err != nil {
		h.logger.Error("hash bootstrap secret failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	existing.Hash = hash
	existing.LastRegeneratedAt = time.Now()
	if err := h.tokens.Upsert(r.Context(), existing); err != nil {
		h.logger.Error("upsert bootstrap token failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, bootstrapTokenResponse{BootstrapToken: *existing, Token: raw})
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetEnabled handles PATCH /api/enrollment/bootstrap-token/enabled.
func (h *EnrollmentHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req setEnabledRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := h.tokens.Get(r.Context())
	if err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	t.IsEnabled = req.Enabled
	if err := h.tokens.Upsert(r.Context(), t); err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, bootstrapTokenResponse{BootstrapToken: *t})
}

type setAutoApproveRequest struct {
	AutoApprove bool `json:"autoApprove"`
}

// SetAutoApprove handles PATCH /api/enrollment/bootstrap-token/auto-approve.
func (h *EnrollmentHandler) SetAutoApprove(w http.ResponseWriter, r *http.Request) {
	var req setAutoApproveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := h.tokens.Get(r.Context())
	if err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	t.AutoApprove = req.AutoApprove
	if err := h.tokens.Upsert(r.Context(), t); err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, bootstrapTokenResponse{BootstrapToken: *t})
}
