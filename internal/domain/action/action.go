// Package action provides the domain model for user-facing actions and their
// confirmation lifecycle.
package action

import (
	"errors"
	"fmt"
	"time"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/routing"
)

// ErrConfirmationInvalid indicates a link whose signature or shape is invalid.
var ErrConfirmationInvalid = errors.New("confirmation link invalid")

// ErrConfirmationExpired indicates a validly signed link past its expiry.
var ErrConfirmationExpired = errors.New("confirmation link expired")

// ErrConfirmationReplay indicates a validly signed link for an action that is
// already resolved. Callers treat it as a no-op success.
var ErrConfirmationReplay = errors.New("action already processed")

// ErrInvalidTransition indicates a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of an Action.
type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusProcessing           Status = "processing"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusExpired              Status = "expired"
)

// validTransitions is the state machine. Terminal states have no entry.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusAwaitingConfirmation: true,
		StatusProcessing:           true,
	},
	StatusAwaitingConfirmation: {
		StatusProcessing: true,
		StatusFailed:     true,
		StatusExpired:    true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusAwaitingConfirmation, StatusProcessing,
		StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s.IsValid() && len(validTransitions[s]) == 0
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Failure reasons recorded on Actions that end in StatusFailed.
const (
	ReasonCancelled = "cancelled"
	ReasonClarified = "clarified"
)

// Option is one interpretation offered on the choose-one path.
type Option struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Confidence float64        `json:"confidence"`
}

// Action is a durable unit of work awaiting or undergoing execution.
// It is never deleted; terminal states are stamped and kept for audit.
type Action struct {
	ID                  string         `json:"id"`
	AccountID           string         `json:"account_id"`
	ThreadID            string         `json:"thread_id"`
	MessageID           string         `json:"message_id"`
	DeliberationID      string         `json:"deliberation_id,omitempty"`
	Type                string         `json:"type"`
	Payload             map[string]any `json:"payload,omitempty"`
	Status              Status         `json:"status"`
	Path                routing.Path   `json:"path"`
	Confidence          float64        `json:"confidence"`
	Options             []Option       `json:"options,omitempty"`
	ClarificationPrompt string         `json:"clarification_prompt,omitempty"`
	Recipient           string         `json:"recipient,omitempty"`
	FailureReason       string         `json:"failure_reason,omitempty"`
	Version             int            `json:"version"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Validate checks that an Action has all required fields.
func (a *Action) Validate() error {
	if a.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", domain.ErrValidation)
	}
	if a.ThreadID == "" {
		return fmt.Errorf("%w: thread_id is required", domain.ErrValidation)
	}
	if a.Type == "" {
		return fmt.Errorf("%w: type is required", domain.ErrValidation)
	}
	if !a.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", domain.ErrValidation, a.Status)
	}
	if !a.Path.IsValid() {
		return fmt.Errorf("%w: invalid path %q", domain.ErrValidation, a.Path)
	}
	if a.Status == StatusAwaitingConfirmation && a.ExpiresAt == nil {
		return fmt.Errorf("%w: expires_at is required while awaiting confirmation", domain.ErrValidation)
	}
	return nil
}

// IsExpiredAt reports whether the confirmation window has passed at now.
// Only actions awaiting confirmation can expire.
func (a *Action) IsExpiredAt(now time.Time) bool {
	if a.Status == StatusExpired {
		return true
	}
	return a.Status == StatusAwaitingConfirmation && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// Option returns the option with the given ID.
func (a *Action) Option(id string) (Option, bool) {
	for _, o := range a.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// Transition describes one compare-and-swap status change. The write
// succeeds only if the stored row still has From and Version.
type Transition struct {
	ActionID      string
	From          Status
	To            Status
	Version       int
	Type          string         // optional: replaces the action type (choose-one)
	Payload       map[string]any // optional: replaces the payload (choose-one)
	FailureReason string
	At            time.Time
}

// Validate checks the transition against the state machine.
func (t *Transition) Validate() error {
	if t.ActionID == "" {
		return fmt.Errorf("%w: action_id is required", domain.ErrValidation)
	}
	return ValidateTransition(t.From, t.To)
}

// CompletesAction reports whether the write also stamps completed_at.
func (t *Transition) CompletesAction() bool {
	return t.To.IsTerminal()
}

// ExecutionResult is the outcome reported by the external executor.
type ExecutionResult struct {
	ActionID string         `json:"action_id"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
}
