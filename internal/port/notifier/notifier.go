// Package notifier defines the notification port (interface) and capabilities.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Link is a call-to-action rendered into a notification.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Notification is the payload sent through a Notifier.
type Notification struct {
	To      string `json:"to"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Links   []Link `json:"links,omitempty"`
	Level   string `json:"level"`  // "info", "success", "warning", "error"
	Source  string `json:"source"` // e.g. "action.confirm", "deliberation.failed"
	// ThreadID keeps replies on the original mail thread where supported.
	ThreadID string `json:"thread_id,omitempty"`
}

// Capabilities declares which features a notifier supports.
type Capabilities struct {
	RichFormatting bool `json:"rich_formatting"`
	Threads        bool `json:"threads"`
}

// Notifier is the port interface for sending notifications.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "email").
	Name() string

	// Capabilities returns what this notifier supports.
	Capabilities() Capabilities

	// Send delivers a notification.
	Send(ctx context.Context, notification Notification) error
}
