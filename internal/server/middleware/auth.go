package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/medivault/lifeline/internal/config"
)

type contextKeyAuth string

// CallerIDKey is the context key for the authenticated caller id.
const CallerIDKey contextKeyAuth = "caller_id"

// Authenticate returns an HTTP middleware that validates the request's API
// key against the configured key hashes. The raw key travels in the
// configured header; only its SHA-256 digest is ever compared or stored.
// On success the caller id is attached to the request context.
func Authenticate(auth config.AuthConfig) func(http.Handler) http.Handler {
	header := auth.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(header)
			if raw == "" {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required. Provide the "+header+" header.")
				return
			}

			sum := sha256.Sum256([]byte(raw))
			digest := hex.EncodeToString(sum[:])

			callerID := ""
			for _, k := range auth.Keys {
				if subtle.ConstantTimeCompare([]byte(digest), []byte(k.KeyHash)) == 1 {
					callerID = k.ID
					break
				}
			}
			if callerID == "" {
				writeAuthError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), CallerIDKey, callerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCallerID extracts the authenticated caller id from the context. Returns
// an empty string for unauthenticated requests.
func GetCallerID(ctx context.Context) string {
	if id, ok := ctx.Value(CallerIDKey).(string); ok {
		return id
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Built here rather than via the handler package to avoid an import cycle.
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}
