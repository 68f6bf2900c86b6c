package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// APIKey returns middleware that requires the Authorization header to carry
// key, either as "Bearer <key>" or bare. An empty key disables the check.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				slog.Warn("invalid api key", "security", true, "path", r.URL.Path, "remote", realIP(r))
				writeJSONError(w, http.StatusForbidden, "invalid credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
