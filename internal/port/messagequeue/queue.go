// Package messagequeue defines the message queue port (interface).
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
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used by the service.
const (
	SubjectInboundReceived = "inbound.received" // ingestion or clarify re-entry -> deliberation
	SubjectActionDispatch  = "actions.dispatch" // action handed to the external executor
	SubjectActionResult    = "actions.result"   // executor outcome
	SubjectActionStatus    = "actions.status"   // every action status transition
	SubjectMemoryStored    = "memory.stored"    // accepted memories for indexing and pruning
)

// HeaderRequestID carries the request ID across the queue.
const HeaderRequestID = "X-Request-ID"
