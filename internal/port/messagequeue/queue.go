// Package messagequeue defines the message queue port (interface) and the
// lifecycle event subjects exchanged with the external system.
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Inbound subjects: the external system reports out-of-band removals.
const (
	SubjectTenantRemoved     = "licenser.tenant.removed"
	SubjectCapabilityRemoved = "licenser.capability.removed"
)

// Outbound subjects: entitlement lifecycle events, published best effort.
const (
	SubjectEntitlementGranted = "licenser.entitlement.granted"
	SubjectEntitlementRevoked = "licenser.entitlement.revoked"
	SubjectEntitlementExpired = "licenser.entitlement.expired"
)

// StreamSubjects are captured by the JetStream stream.
var StreamSubjects = []string{"licenser.>"}

type msgIDKey struct{}

// WithMessageID attaches a deduplication id to the next Publish made with ctx.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, msgIDKey{}, id)
}

// MessageID returns the deduplication id set by WithMessageID, if any.
func MessageID(ctx context.Context) string {
	id, _ := ctx.Value(msgIDKey{}).(string)
	return id
}
