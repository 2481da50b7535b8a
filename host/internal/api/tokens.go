package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/auth"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
)

// TokenHandler groups the /api/tokens bearer API token management
// endpoints. All routes require admin authentication — tokens grant
// general API access, so minting one is itself an admin action.
type TokenHandler struct {
	tokens *auth.TokenManager
	repo   repositories.ApiTokenRepository
	logger *zap.Logger
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(tokens *auth.TokenManager, repo repositories.ApiTokenRepository, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, repo: repo, logger: logger.Named("token_handler")}
}

// List handles GET /api/tokens.
func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("list api tokens failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, tokens)
}

type createTokenRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes,omitempty"`
}

type createTokenResponse struct {
	repositories.ApiToken
	Token string `json:"token"`
}

// Create handles POST /api/tokens. The raw bearer string is returned only
// in this response — it cannot be recovered afterward.
func (h *TokenHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	token, raw, err := h.tokens.IssueToken(r.Context(), req.Name, req.Scopes)
	if err != nil {
		h.logger.Error("issue api token failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, createTokenResponse{ApiToken: *token, Token: raw})
}

// Revoke handles DELETE /api/tokens/{id}.
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
		if isNotFound(err) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	NoContent(w)
}
