// Package service contains application services.
package service

import (
	"context"
	"log/slog"

	"github.com/NowSquare/Agent-AI-sub001/internal/port/notifier"
)

// Notification sources, usable as enabled-event filters.
const (
	SourceActionConfirm      = "action.confirm"
	SourceActionChoose       = "action.choose"
	SourceDeliberationFailed = "deliberation.failed"
)

// NotificationService fans notifications out to all registered notifiers.
type NotificationService struct {
	notifiers     []notifier.Notifier
	enabledEvents map[string]bool
}

// NewNotificationService creates a NotificationService with the given notifiers
// and list of enabled sources (e.g. "action.confirm", "deliberation.failed").
// If enabledEvents is nil or empty, all sources are enabled.
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

// Notify sends n through every notifier and returns how many delivered it.
// Errors are logged but do not interrupt delivery to other notifiers.
func (s *NotificationService) Notify(ctx context.Context, n notifier.Notification) int {
	if len(s.enabledEvents) > 0 && !s.enabledEvents[n.Source] {
		return 0
	}
	if n.To == "" {
		slog.Warn("notification without recipient dropped", "source", n.Source, "title", n.Title)
		return 0
	}

	delivered := 0
	for _, provider := range s.notifiers {
		if err := provider.Send(ctx, n); err != nil {
			slog.Warn("notification send failed",
				"provider", provider.Name(),
				"source", n.Source,
				"thread_id", n.ThreadID,
				"error", err,
			)
			continue
		}
		delivered++
		slog.Debug("notification sent", "provider", provider.Name(), "source", n.Source)
	}
	return delivered
}

// NotifierCount returns the number of registered notifiers.
func (s *NotificationService) NotifierCount() int {
	return len(s.notifiers)
}
