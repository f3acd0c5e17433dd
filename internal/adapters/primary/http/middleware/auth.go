package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/lorrc/event-gateway/internal/core/domain"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PrincipalKey is the key used to store the authenticated principal in the
// request context.
const PrincipalKey contextKey = "principal"

// OptionalAuth resolves a bearer token from the Authorization header or the
// "token" query parameter. A missing credential yields an anonymous
// principal; a present but invalid credential is rejected with 401. This
// makes bad tokens loud instead of silently downgrading the caller.
func OptionalAuth(validator ports.TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, present := extractToken(r)
			if !present {
				ctx := context.WithValue(r.Context(), PrincipalKey, domain.Principal{})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			principal, err := validator.Validate(token)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"Invalid or expired token","code":"AUTH_REJECTED"}`))
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal retrieves the authenticated principal from the context.
func GetPrincipal(ctx context.Context) domain.Principal {
	if principal, ok := ctx.Value(PrincipalKey).(domain.Principal); ok {
		return principal
	}
	return domain.Principal{}
}

// extractToken pulls a credential from the Authorization header or, for
// browser clients that cannot set headers on WebSocket and EventSource
// requests, the "token" query parameter.
func extractToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1], true
		}
		return authHeader, true
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}

	return "", false
}
