package core

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tutorbill/internal/types"
)

// BearerHashAuth guards a route with a static bearer token whose bcrypt hash
// is configured. An empty hash rejects every request.
func BearerHashAuth(hash types.SecretString) func(http.Handler) http.Handler {
	hashed := []byte(hash.Unmask())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil))
				return
			}
			if len(hashed) == 0 || bcrypt.CompareHashAndPassword(hashed, []byte(token)) != nil {
				types.LoggerFromContext(r.Context(), nil).WarnContext(r.Context(), "rejected trigger token",
					"path", r.URL.Path,
				)
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid bearer token", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken returns the token of an "Bearer <token>" header, with
// the scheme matched case-insensitively, or "".
func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
