package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Strob0t/licenser/internal/domain"
	"github.com/Strob0t/licenser/internal/resilience"
)

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// queryInt parses an optional integer query parameter. Missing means 0.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return n, true
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps sentinel errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": "))
	case errors.Is(err, domain.ErrDuplicateTenant),
		errors.Is(err, domain.ErrDuplicateCode),
		errors.Is(err, domain.ErrDuplicateEntitlement),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrDriftDetected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrMissingDefault),
		errors.Is(err, domain.ErrQuotaExceeded):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrCapabilityGone),
		errors.Is(err, domain.ErrTenantGone):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrGrantDenied),
		errors.Is(err, domain.ErrRevokeDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "external service unavailable")
	case errors.Is(err, resilience.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "external service timed out")
	default:
		writeInternalError(w, err)
	}
}

// writeInternalError logs the actual error server-side and returns a generic message to the client.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
