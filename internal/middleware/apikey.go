package middleware

import (
	"crypto/subtle"
	"net/http"
)

const headerAPIKey = "X-API-Key"

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/ready": true,
}

// APIKey returns middleware that requires the X-API-Key header to match key.
// An empty key disables authentication.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(headerAPIKey)
			if got == "" {
				writeJSONError(w, http.StatusUnauthorized, "authorization required")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
