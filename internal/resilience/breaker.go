// Package resilience provides reliability patterns for calls to the
// privilege authority and other external collaborators.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTimeout is returned when a guarded call exceeds its deadline.
var ErrTimeout = errors.New("external call timed out")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker opens after maxFailures consecutive failures and rejects calls
// until the cool-down elapses, then lets a single probe through.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	clock       quartz.Clock
}

// NewBreaker creates a circuit breaker using the real clock.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return NewBreakerWithClock(maxFailures, timeout, quartz.NewReal())
}

// NewBreakerWithClock creates a circuit breaker driven by clk.
func NewBreakerWithClock(maxFailures int, timeout time.Duration, clk quartz.Clock) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		clock:       clk,
	}
}

// Execute runs fn if the circuit is closed or half-open.
// Returns ErrCircuitOpen if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	return b.execute(fn, func(err error) bool { return err != nil })
}

func (b *Breaker) execute(fn func() error, isFailure func(error) bool) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if isFailure(err) {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return err
}

// State reports the current breaker state as a string.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.clock.Since(b.openedAt) >= b.timeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.state = stateOpen
		b.openedAt = b.clock.Now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = stateClosed
}

// Guard bounds every external call with a deadline and a circuit breaker.
// Errors for which Ignore returns true are passed through without
// counting as breaker failures (e.g. "not found" answers from a healthy
// remote).
type Guard struct {
	Breaker *Breaker
	Timeout time.Duration
	Ignore  func(error) bool
}

// NewGuard creates a Guard with its own breaker.
func NewGuard(maxFailures int, cooldown, timeout time.Duration, clk quartz.Clock) *Guard {
	return &Guard{
		Breaker: NewBreakerWithClock(maxFailures, cooldown, clk),
		Timeout: timeout,
	}
}

// Call runs fn with a derived context that expires after g.Timeout.
// A deadline hit is reported as ErrTimeout wrapping the context error.
func (g *Guard) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	isFailure := func(err error) bool {
		if err == nil {
			return false
		}
		if g.Ignore != nil && g.Ignore(err) {
			return false
		}
		return true
	}
	return g.Breaker.execute(func() error {
		callCtx := ctx
		if g.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return err
	}, isFailure)
}
