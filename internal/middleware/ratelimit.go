package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// RateLimiter is per-client token bucket rate limiting middleware. It
// guards code redemption against guessing.
type RateLimiter struct {
	clock      quartz.Clock
	mu         sync.Mutex
	buckets    map[string]*bucket
	rate       float64 // tokens per second
	burst      int
	maxBuckets int
}

type bucket struct {
	tokens    float64
	updatedAt time.Time
}

// NewRateLimiter creates a rate limiter with the given sustained rate
// (requests per second) and burst size.
func NewRateLimiter(rate float64, burst int, clock quartz.Clock) *RateLimiter {
	return &RateLimiter{
		clock:      clock,
		buckets:    make(map[string]*bucket),
		rate:       rate,
		burst:      burst,
		maxBuckets: 100_000,
	}
}

// Handler returns HTTP middleware that enforces per-client rate limiting.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, allowed := rl.allow(clientIP(r))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow takes one token from the client's bucket.
func (rl *RateLimiter) allow(client string) (remaining int, retryAfter time.Duration, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	b, ok := rl.buckets[client]
	if !ok {
		if len(rl.buckets) >= rl.maxBuckets {
			return 0, rl.perToken(), false
		}
		b = &bucket{tokens: float64(rl.burst), updatedAt: now}
		rl.buckets[client] = b
	}

	b.tokens = min(float64(rl.burst), b.tokens+now.Sub(b.updatedAt).Seconds()*rl.rate)
	b.updatedAt = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / rl.rate * float64(time.Second))
		return 0, wait, false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

func (rl *RateLimiter) perToken() time.Duration {
	return time.Duration(float64(time.Second) / rl.rate)
}

// StartCleanup drops buckets idle for longer than maxIdle every interval
// until ctx is cancelled.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	rl.clock.TickerFunc(ctx, interval, func() error {
		rl.cleanup(maxIdle)
		return nil
	}, "ratelimit", "cleanup")
}

func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.clock.Now().Add(-maxIdle)
	for client, b := range rl.buckets {
		if b.updatedAt.Before(cutoff) {
			delete(rl.buckets, client)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// clientIP extracts the client IP from RemoteAddr. Proxy headers are not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
