// Package service implements the licensing workflows on top of ports.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Strob0t/licenser/internal/port/notifier"
)

// Notification sources, also usable as enabled-event filters.
const (
	SourceGranted = "entitlement.granted"
	SourceRevoked = "entitlement.revoked"
	SourceExpired = "entitlement.expired"
)

// NotificationService dispatches notifications to all registered notifiers.
type NotificationService struct {
	notifiers     []notifier.Notifier
	enabledEvents map[string]bool
}

// NewNotificationService creates a NotificationService with the given notifiers
// and list of enabled event sources (e.g., "entitlement.expired").
// If enabledEvents is nil or empty, all events are enabled.
func NewNotificationService(notifiers []notifier.Notifier, enabledEvents []string) *NotificationService {
	enabled := make(map[string]bool, len(enabledEvents))
	for _, e := range enabledEvents {
		enabled[e] = true
	}
	return &NotificationService{
		notifiers:     notifiers,
		enabledEvents: enabled,
	}
}

// Notify sends a notification to all registered notifiers.
// Errors are logged but do not interrupt delivery to other notifiers.
func (s *NotificationService) Notify(ctx context.Context, n notifier.Notification) {
	if s == nil {
		return
	}
	if len(s.enabledEvents) > 0 && !s.enabledEvents[n.Source] {
		return
	}

	for _, provider := range s.notifiers {
		err := provider.Send(ctx, n)
		switch {
		case errors.Is(err, notifier.ErrNotConfigured):
			slog.DebugContext(ctx, "notification skipped", "provider", provider.Name(), "source", n.Source)
		case err != nil:
			slog.WarnContext(ctx, "notification send failed",
				"provider", provider.Name(),
				"title", n.Title,
				"recipient", n.Recipient,
				"error", err,
			)
		default:
			slog.DebugContext(ctx, "notification sent", "provider", provider.Name(), "title", n.Title)
		}
	}
}

// NotifierCount returns the number of registered notifiers.
func (s *NotificationService) NotifierCount() int {
	if s == nil {
		return 0
	}
	return len(s.notifiers)
}
