// Package notifier defines the notification port (interface) and capabilities.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Notification is the payload sent through a Notifier. Recipient is the
// identity to message directly; when empty the notifier posts to its
// configured audit channel, if any.
type Notification struct {
	Recipient string `json:"recipient,omitempty"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Level     string `json:"level"`  // "info", "success", "warning", "error"
	Source    string `json:"source"` // e.g. "entitlement.expired", "entitlement.granted"
}

// Capabilities declares which features a notifier supports.
type Capabilities struct {
	DirectMessages bool `json:"direct_messages"`
	RichFormatting bool `json:"rich_formatting"`
}

// Notifier is the port interface for sending notifications.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "discord").
	Name() string

	// Capabilities returns what this notifier supports.
	Capabilities() Capabilities

	// Send delivers a notification.
	Send(ctx context.Context, notification Notification) error
}
