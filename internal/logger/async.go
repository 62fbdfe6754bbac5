package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler hands records to a buffered channel drained by worker
// goroutines. Records below WARN are dropped when the buffer is full;
// WARN and above block so sweep and revoke failures are never lost.
type AsyncHandler struct {
	inner   slog.Handler
	ch      chan slog.Record
	wg      *sync.WaitGroup
	dropped *atomic.Int64
	mu      *sync.RWMutex // guards ch against send-after-close
	closed  *bool
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	if workers < 1 {
		workers = 1
	}
	h := &AsyncHandler{
		inner:   inner,
		ch:      make(chan slog.Record, chanSize),
		wg:      &sync.WaitGroup{},
		dropped: &atomic.Int64{},
		mu:      &sync.RWMutex{},
		closed:  new(bool),
	}
	for range workers {
		h.wg.Add(1)
		go h.drain()
	}
	return h
}

func (h *AsyncHandler) drain() {
	defer h.wg.Done()
	for rec := range h.ch {
		_ = h.inner.Handle(context.Background(), rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. After Close, records are written synchronously.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.mu.RLock()
	defer h.mu.RUnlock()
	if *h.closed {
		return h.inner.Handle(ctx, rec)
	}
	rec = rec.Clone()
	if rec.Level >= slog.LevelWarn {
		h.ch <- rec
		return nil
	}
	select {
	case h.ch <- rec:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the same channel but wrapping a new inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	return &c
}

// WithGroup returns a handler sharing the same channel but wrapping a new inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.inner = h.inner.WithGroup(name)
	return &c
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.dropped.Load()
}

// Close stops accepting async records and waits for the workers to drain.
// Safe to call more than once.
func (h *AsyncHandler) Close() {
	h.mu.Lock()
	if *h.closed {
		h.mu.Unlock()
		return
	}
	*h.closed = true
	close(h.ch)
	h.mu.Unlock()
	h.wg.Wait()
}
