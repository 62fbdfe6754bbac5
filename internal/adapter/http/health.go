package http

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Health returns a handler reporting the state of each named dependency.
// Any failing check turns the response into 503.
func Health(checks map[string]HealthCheck) http.HandlerFunc {
	type healthStatus struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := healthStatus{Status: "ok", Dependencies: make(map[string]string, len(checks))}
		code := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status.Dependencies[name] = err.Error()
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			status.Dependencies[name] = "ok"
		}
		writeJSON(w, code, status)
	}
}
