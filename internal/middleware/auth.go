package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const userIDContextKey contextKey = "userID"

// UserIDHeader names the authenticated user. Identity is owned by an
// external authentication system; this service only consumes the
// resolved id it forwards.
const UserIDHeader = "X-User-Id"

// GetUserIDFromContext retrieves the authenticated user id from request context
func GetUserIDFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDContextKey).(string); ok {
		return userID
	}
	return ""
}

// WithUserID returns a context carrying the user id. Exposed for tests.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// APIKeyAuth authenticates API routes with a shared key and resolves
// the acting user from the identity header. Health endpoints are open.
func APIKeyAuth(apiKey, headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/health" || path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			if !strings.HasPrefix(path, "/api") {
				next.ServeHTTP(w, r)
				return
			}

			providedKey := r.Header.Get(headerName)
			if providedKey == "" {
				// Websocket clients cannot set headers from a browser;
				// accept the key as a query parameter there.
				providedKey = r.URL.Query().Get("apiKey")
			}
			if providedKey == "" {
				respondUnauthorized(w, "API key is required.")
				return
			}

			// Constant-time comparison to prevent timing attacks
			if !constantTimeEquals(apiKey, providedKey) {
				respondUnauthorized(w, "Invalid API key.")
				return
			}

			userID := r.Header.Get(UserIDHeader)
			if userID == "" {
				userID = r.URL.Query().Get("userId")
			}
			if userID == "" {
				respondUnauthorized(w, "User identity is required.")
				return
			}

			ctx := WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
