package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/auth"
	"github.com/orbitmesh/orbitmesh/host/internal/websocket"
)

// WSHandler handles the dashboard WebSocket upgrade endpoint GET /ws.
// Authentication uses the bearer API token passed as the `token` query
// parameter instead of the Authorization header — browsers cannot set
// custom headers on a WebSocket handshake.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter, a comma-separated list drawn from the hub's topic set (agents,
// jobs, jobs:<job_id>, workflows, workflows:<instance_id>, deployment).
type WSHandler struct {
	hub    *websocket.Hub
	tokens *auth.TokenManager
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *websocket.Hub, tokens *auth.TokenManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, tokens: tokens, logger: logger.Named("ws_handler")}
}

// Handle handles GET /ws. It authenticates the request, resolves the
// requested topics, upgrades the connection, and runs the client pumps. It
// blocks until the connection closes — expected for a WebSocket handler.
func (h *WSHandler) Handle(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}
	if _, err := h.tokens.Verify(r.Context(), tokenStr); err != nil {
		ErrUnauthorized(w)
		return
	}

	topics := resolveTopics(r)

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected", zap.String("remote_addr", r.RemoteAddr), zap.Strings("topics", topics))
	client.Run()
	h.logger.Info("ws: client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// resolveTopics parses the comma-separated `topics` query parameter.
// Unknown topic strings are harmless — the client simply never receives
// messages published to a topic nobody else uses either.
func resolveTopics(r *http.Request) []string {
	seen := make(map[string]struct{})
	var topics []string
	raw := r.URL.Query().Get("topics")
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	return topics
}
