package messagequeue

import "github.com/NowSquare/Agent-AI-sub001/internal/domain/inbound"

// InboundReceivedPayload is the schema for inbound.received messages.
type InboundReceivedPayload struct {
	Envelope inbound.Envelope `json:"envelope"`
}

// ActionDispatchPayload is the schema for actions.dispatch messages.
type ActionDispatchPayload struct {
	ActionID  string         `json:"action_id"`
	AccountID string         `json:"account_id"`
	ThreadID  string         `json:"thread_id"`
	MessageID string         `json:"message_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ActionResultPayload is the schema for actions.result messages.
type ActionResultPayload struct {
	ActionID string         `json:"action_id"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
}

// ActionStatusPayload is the schema for actions.status messages.
type ActionStatusPayload struct {
	ActionID string `json:"action_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
}

// MemoryStoredPayload is the schema for memory.stored messages.
type MemoryStoredPayload struct {
	MemoryID    string `json:"memory_id"`
	AccountID   string `json:"account_id"`
	Scope       string `json:"scope"`
	ScopeID     string `json:"scope_id"`
	Key         string `json:"key"`
	TTLCategory string `json:"ttl_category"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}
