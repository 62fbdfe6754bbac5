package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/licenser/internal/logger"
	"github.com/Strob0t/licenser/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxIdempotencyBody   = 1 << 20
	idempotencyPrefix    = "idempotency:"
)

// idempotencyEntry stores a replayable HTTP response.
type idempotencyEntry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency returns middleware that replays the stored response of a
// mutating request retried with the same Idempotency-Key header, so a
// retried generate does not mint a second batch.
//
// Concurrent requests with the same key share one handler run: the first
// executes next and the rest replay its response. Completed responses are
// kept in store for ttl, except server errors which are not stored. The
// store may evict or refuse entries, so replays across time are best
// effort; in-flight duplicates are always collapsed.
func Idempotency(store cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	var inflight singleflight.Group
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(headerIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			// Keys are scoped to the route so one key cannot replay another endpoint.
			cacheKey := idempotencyPrefix + r.Method + " " + r.URL.Path + " " + key

			if cached, ok := lookupEntry(r, store, cacheKey); ok {
				replay(w, cached)
				return
			}

			served := false
			v, _, _ := inflight.Do(cacheKey, func() (any, error) {
				// A flight that finished between the lookup above and
				// this one has already stored its response.
				if cached, ok := lookupEntry(r, store, cacheKey); ok {
					return cached, nil
				}
				served = true
				rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK, body: &bytes.Buffer{}}
				next.ServeHTTP(rec, r)

				headers := w.Header().Clone()
				headers.Del(headerRequestID)
				entry := idempotencyEntry{StatusCode: rec.statusCode, Headers: headers, Body: rec.body.Bytes()}
				if rec.statusCode < http.StatusInternalServerError && rec.body.Len() <= maxIdempotencyBody {
					storeEntry(r, store, cacheKey, key, entry, ttl)
				}
				return entry, nil
			})
			if !served {
				replay(w, v.(idempotencyEntry))
			}
		})
	}
}

func lookupEntry(r *http.Request, store cache.Cache, cacheKey string) (idempotencyEntry, bool) {
	raw, ok, err := store.Get(r.Context(), cacheKey)
	if err != nil {
		slog.WarnContext(r.Context(), "idempotency: lookup failed", "error", err)
	}
	if !ok {
		return idempotencyEntry{}, false
	}
	var cached idempotencyEntry
	if err := json.Unmarshal(raw, &cached); err != nil {
		slog.WarnContext(r.Context(), "idempotency: corrupt cache entry", "key", cacheKey)
		return idempotencyEntry{}, false
	}
	return cached, true
}

func storeEntry(r *http.Request, store cache.Cache, cacheKey, key string, entry idempotencyEntry, ttl time.Duration) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := store.Set(r.Context(), cacheKey, data, ttl); err != nil {
		slog.WarnContext(r.Context(), "idempotency: failed to store response",
			"key", key, "request_id", logger.RequestID(r.Context()), "error", err)
	}
}

func replay(w http.ResponseWriter, e idempotencyEntry) {
	for k, vals := range e.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(e.Body)
}

// responseRecorder wraps http.ResponseWriter to capture the response.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
