package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
)

var (
	errTest     = errors.New("service unavailable")
	errNotFound = errors.New("not found")
)

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker(3, time.Second)
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Second)

	for range 3 {
		_ = b.Execute(func() error { return errTest })
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != "open" {
		t.Fatalf("expected open, got %s", b.State())
	}
}

func TestTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	clk := quartz.NewMock(t)
	b := NewBreakerWithClock(2, time.Second, clk)

	for range 2 {
		_ = b.Execute(func() error { return errTest })
	}

	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	clk.Advance(2 * time.Second)

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error in half-open, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called in half-open")
	}
	if b.State() != "closed" {
		t.Fatalf("expected closed after half-open success, got %s", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := quartz.NewMock(t)
	b := NewBreakerWithClock(2, time.Second, clk)

	for range 2 {
		_ = b.Execute(func() error { return errTest })
	}
	clk.Advance(2 * time.Second)

	_ = b.Execute(func() error { return errTest })
	if b.State() != "open" {
		t.Fatalf("expected open after half-open failure, got %s", b.State())
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Second)

	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected circuit still closed, got %v", err)
	}
}

func TestGuardTimeout(t *testing.T) {
	g := NewGuard(5, time.Minute, 10*time.Millisecond, quartz.NewReal())

	err := g.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped DeadlineExceeded, got %v", err)
	}
}

func TestGuardCallerCancelIsNotTimeout(t *testing.T) {
	g := NewGuard(5, time.Minute, time.Minute, quartz.NewReal())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("caller cancellation reported as timeout: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGuardIgnoredErrorsDoNotTrip(t *testing.T) {
	g := NewGuard(1, time.Minute, time.Second, quartz.NewMock(t))
	g.Ignore = func(err error) bool { return errors.Is(err, errNotFound) }

	for range 3 {
		err := g.Call(context.Background(), func(context.Context) error { return errNotFound })
		if !errors.Is(err, errNotFound) {
			t.Fatalf("expected errNotFound passthrough, got %v", err)
		}
	}
	if g.Breaker.State() != "closed" {
		t.Fatalf("expected closed, got %s", g.Breaker.State())
	}

	_ = g.Call(context.Background(), func(context.Context) error { return errTest })
	err := g.Call(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}
