package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject, including required identifiers.
// Unknown subjects only need to be valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var required func() error
	var target any
	switch subject {
	case SubjectInboundReceived:
		p := &InboundReceivedPayload{}
		target, required = p, func() error {
			if p.Envelope.Message.MessageID == "" {
				return errors.New("envelope.message.message_id is required")
			}
			return nil
		}
	case SubjectActionDispatch:
		p := &ActionDispatchPayload{}
		target, required = p, func() error { return requireActionID(p.ActionID) }
	case SubjectActionResult:
		p := &ActionResultPayload{}
		target, required = p, func() error { return requireActionID(p.ActionID) }
	case SubjectActionStatus:
		p := &ActionStatusPayload{}
		target, required = p, func() error { return requireActionID(p.ActionID) }
	case SubjectMemoryStored:
		p := &MemoryStoredPayload{}
		target, required = p, func() error {
			if p.Key == "" || p.Scope == "" {
				return errors.New("scope and key are required")
			}
			return nil
		}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if err := required(); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}

func requireActionID(id string) error {
	if id == "" {
		return errors.New("action_id is required")
	}
	return nil
}
