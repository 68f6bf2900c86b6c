// Package broadcast defines the port for broadcasting real-time events to connected operators.
package broadcast

import "context"

// Event types pushed to the live operator feed.
const (
	EventAgentStep    = "agent.step"
	EventActionStatus = "action.status"
	EventDecision     = "deliberation.decision"
)

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Nop discards every event.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}
