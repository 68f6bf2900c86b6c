package action

import (
	"fmt"
	"time"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain"
)

// Purpose is the single transition a signed link authorizes.
type Purpose string

const (
	PurposeConfirm Purpose = "confirm"
	PurposeChoose  Purpose = "choose"
	PurposeCancel  Purpose = "cancel"
	PurposeClarify Purpose = "clarify"
)

// IsValid reports whether p is a known purpose.
func (p Purpose) IsValid() bool {
	switch p {
	case PurposeConfirm, PurposeChoose, PurposeCancel, PurposeClarify:
		return true
	}
	return false
}

// LinkClaims is the payload bound into a signed link.
type LinkClaims struct {
	ActionID  string    `json:"action_id"`
	Purpose   Purpose   `json:"purpose"`
	OptionID  string    `json:"option_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
	Nonce     string    `json:"nonce"`
}

// Validate checks the claim shape. Signature and expiry are verified by the signer.
func (c *LinkClaims) Validate() error {
	if c.ActionID == "" {
		return fmt.Errorf("%w: action_id is required", domain.ErrValidation)
	}
	if !c.Purpose.IsValid() {
		return fmt.Errorf("%w: invalid purpose %q", domain.ErrValidation, c.Purpose)
	}
	if c.Purpose == PurposeChoose && c.OptionID == "" {
		return fmt.Errorf("%w: option_id is required for choose links", domain.ErrValidation)
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expires_at is required", domain.ErrValidation)
	}
	return nil
}

// Link is an issued signed URL.
type Link struct {
	Purpose   Purpose   `json:"purpose"`
	OptionID  string    `json:"option_id,omitempty"`
	Label     string    `json:"label"`
	URL       string    `json:"url"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Outcome is the user-visible result of visiting a link.
type Outcome string

const (
	OutcomeAwaiting         Outcome = "awaiting"
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeClarified        Outcome = "clarified"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeExpired          Outcome = "expired"
)

// LinkResult is returned by link inspection and link transitions.
type LinkResult struct {
	Outcome  Outcome `json:"outcome"`
	Purpose  Purpose `json:"purpose"`
	OptionID string  `json:"option_id,omitempty"`
	Action   *Action `json:"action"`
}
