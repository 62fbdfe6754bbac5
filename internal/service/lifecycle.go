package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/Strob0t/licenser/internal/domain/entitlement"
	"github.com/Strob0t/licenser/internal/port/messagequeue"
	"github.com/Strob0t/licenser/internal/port/notifier"
)

// Lifecycle announces entitlement changes: a direct message to the
// identity, an audit line for the tenant, and an event on the queue. All of
// it is best effort. A nil *Lifecycle is a no-op.
type Lifecycle struct {
	notify *NotificationService
	queue  messagequeue.Queue
	clock  quartz.Clock
}

// NewLifecycle creates a Lifecycle. notify and queue may be nil.
func NewLifecycle(notify *NotificationService, queue messagequeue.Queue, clock quartz.Clock) *Lifecycle {
	return &Lifecycle{notify: notify, queue: queue, clock: clock}
}

// Granted announces a new or replaced entitlement.
func (l *Lifecycle) Granted(ctx context.Context, e entitlement.Entitlement, reason string) {
	if l == nil {
		return
	}
	until := e.ExpiresAt.UTC().Format(time.RFC3339)
	l.notify.Notify(ctx, notifier.Notification{
		Recipient: e.IdentityID,
		Title:     "License activated",
		Message:   fmt.Sprintf("You received role %s in server %s until %s.", e.CapabilityID, e.TenantID, until),
		Level:     "success",
		Source:    SourceGranted,
	})
	l.notify.Notify(ctx, notifier.Notification{
		Title:   "Entitlement granted",
		Message: fmt.Sprintf("Member %s received role %s in server %s until %s (%s).", e.IdentityID, e.CapabilityID, e.TenantID, until, reason),
		Level:   "info",
		Source:  SourceGranted,
	})
	l.publish(ctx, messagequeue.SubjectEntitlementGranted, e, reason)
}

// Revoked announces an administrator revocation.
func (l *Lifecycle) Revoked(ctx context.Context, e entitlement.Entitlement, reason string) {
	if l == nil {
		return
	}
	l.notify.Notify(ctx, notifier.Notification{
		Recipient: e.IdentityID,
		Title:     "License revoked",
		Message:   fmt.Sprintf("Your role %s in server %s was revoked.", e.CapabilityID, e.TenantID),
		Level:     "warning",
		Source:    SourceRevoked,
	})
	l.notify.Notify(ctx, notifier.Notification{
		Title:   "Entitlement revoked",
		Message: fmt.Sprintf("Role %s was removed from member %s in server %s (%s).", e.CapabilityID, e.IdentityID, e.TenantID, reason),
		Level:   "warning",
		Source:  SourceRevoked,
	})
	l.publish(ctx, messagequeue.SubjectEntitlementRevoked, e, reason)
}

// Expired announces an entitlement removed by the sweeper. The identity is
// only messaged when the role was actually taken away.
func (l *Lifecycle) Expired(ctx context.Context, e entitlement.Entitlement, reason string, notifyIdentity bool) {
	if l == nil {
		return
	}
	if notifyIdentity {
		l.notify.Notify(ctx, notifier.Notification{
			Recipient: e.IdentityID,
			Title:     "License expired",
			Message:   fmt.Sprintf("Your role %s in server %s has expired.", e.CapabilityID, e.TenantID),
			Level:     "info",
			Source:    SourceExpired,
		})
	}
	l.publish(ctx, messagequeue.SubjectEntitlementExpired, e, reason)
}

func (l *Lifecycle) publish(ctx context.Context, subject string, e entitlement.Entitlement, reason string) {
	if l.queue == nil {
		return
	}
	payload := messagequeue.EntitlementEventPayload{
		EventID:      uuid.NewString(),
		IdentityID:   e.IdentityID,
		TenantID:     e.TenantID,
		CapabilityID: e.CapabilityID,
		ExpiresAt:    e.ExpiresAt.UTC(),
		Reason:       reason,
		OccurredAt:   l.clock.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.WarnContext(ctx, "event marshal failed", "subject", subject, "error", err)
		return
	}
	if err := l.queue.Publish(messagequeue.WithMessageID(ctx, payload.EventID), subject, data); err != nil {
		slog.WarnContext(ctx, "event publish failed", "subject", subject, "event_id", payload.EventID, "error", err)
	}
}
