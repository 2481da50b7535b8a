package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/host/internal/auth"
	"github.com/orbitmesh/orbitmesh/host/internal/repositories"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyToken is the context key under which the authenticated
	// *repositories.ApiToken is stored after successful bearer validation.
	contextKeyToken contextKey = iota
)

// RequireAdmin is a middleware that validates the X-Admin-Password header
// against the configured admin password. On failure it writes a 401
// and stops the chain.
func RequireAdmin(admin *auth.AdminAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := admin.Check(r.Header.Get("X-Admin-Password")); err != nil {
				ErrUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authenticate is a middleware that validates the bearer API token present in
// the Authorization header. On success it stores the resolved
// *repositories.ApiToken in the request context so downstream handlers can
// retrieve it via tokenFromCtx. On failure it writes a 401 and stops the
// chain.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(tokens *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			token, err := tokens.Verify(r.Context(), parts[1])
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyToken, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope returns a middleware that allows the request to proceed only
// if the authenticated token carries scope. It must run after Authenticate.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromCtx(r.Context())
			if token == nil {
				ErrUnauthorized(w)
				return
			}
			if !hasScope(token, scope) {
				ErrForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasScope(token *repositories.ApiToken, scope string) bool {
	for _, s := range token.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// tokenFromCtx retrieves the ApiToken stored by the Authenticate middleware.
// Returns nil if no token is present (i.e. the request is unauthenticated).
func tokenFromCtx(ctx context.Context) *repositories.ApiToken {
	token, _ := ctx.Value(contextKeyToken).(*repositories.ApiToken)
	return token
}
