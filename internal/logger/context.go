package logger

import (
	"context"
	"log/slog"
)

type requestIDKey struct{}
type sweepIDKey struct{}

// WithRequestID returns a new context carrying the command-layer request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the request ID from the context, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithSweepID returns a new context carrying the ID of the current sweep tick.
func WithSweepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sweepIDKey{}, id)
}

// SweepID extracts the sweep tick ID from the context, or "".
func SweepID(ctx context.Context) string {
	id, _ := ctx.Value(sweepIDKey{}).(string)
	return id
}

// contextHandler copies correlation IDs from the context onto each record,
// so the slog.*Context helpers are enough to correlate log lines.
type contextHandler struct {
	inner slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if ctx != nil {
		if id := RequestID(ctx); id != "" {
			rec.AddAttrs(slog.String("request_id", id))
		}
		if id := SweepID(ctx); id != "" {
			rec.AddAttrs(slog.String("sweep_id", id))
		}
	}
	return h.inner.Handle(ctx, rec)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name)}
}
