// Package memory provides the domain model for scoped long-term memories and
// the candidate facts proposed during a deliberation.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMemoryValidation indicates a candidate is missing a required field or
// carries an out-of-range value. Such candidates are dropped, never coerced.
var ErrMemoryValidation = errors.New("memory candidate invalid")

// Scope determines the blast radius of later retrieval.
type Scope string

const (
	ScopeConversation Scope = "conversation"
	ScopeUser         Scope = "user"
	ScopeAccount      Scope = "account"
)

// IsValid reports whether s is a known scope.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeConversation, ScopeUser, ScopeAccount:
		return true
	}
	return false
}

// TTLCategory determines the retention policy.
type TTLCategory string

const (
	TTLVolatile TTLCategory = "volatile"
	TTLSeasonal TTLCategory = "seasonal"
	TTLDurable  TTLCategory = "durable"
	TTLLegal    TTLCategory = "legal"
)

// IsValid reports whether c is a known TTL category.
func (c TTLCategory) IsValid() bool {
	switch c {
	case TTLVolatile, TTLSeasonal, TTLDurable, TTLLegal:
		return true
	}
	return false
}

const maxKeyLen = 200

// Candidate is a key/value fact proposed during deliberation.
// Confidence is a pointer so that an absent value is distinguishable from 0.
type Candidate struct {
	Key         string      `json:"key"`
	Value       any         `json:"value,omitempty"`
	Scope       Scope       `json:"scope,omitempty"`
	TTLCategory TTLCategory `json:"ttl_category,omitempty"`
	Confidence  *float64    `json:"confidence,omitempty"`
	Provenance  string      `json:"provenance,omitempty"`
}

// Validate checks every invariant. Missing scope or ttl_category is an error.
func (c *Candidate) Validate() error {
	key := strings.TrimSpace(c.Key)
	switch {
	case key == "":
		return fmt.Errorf("%w: key is required", ErrMemoryValidation)
	case len(key) > maxKeyLen:
		return fmt.Errorf("%w: key exceeds %d bytes", ErrMemoryValidation, maxKeyLen)
	case c.Scope == "":
		return fmt.Errorf("%w: scope is required", ErrMemoryValidation)
	case !c.Scope.IsValid():
		return fmt.Errorf("%w: invalid scope %q", ErrMemoryValidation, c.Scope)
	case c.TTLCategory == "":
		return fmt.Errorf("%w: ttl_category is required", ErrMemoryValidation)
	case !c.TTLCategory.IsValid():
		return fmt.Errorf("%w: invalid ttl_category %q", ErrMemoryValidation, c.TTLCategory)
	case c.Confidence == nil:
		return fmt.Errorf("%w: confidence is required", ErrMemoryValidation)
	case *c.Confidence < 0 || *c.Confidence > 1:
		return fmt.Errorf("%w: confidence %v out of [0,1]", ErrMemoryValidation, *c.Confidence)
	}
	return nil
}

// Subject identifies who a deliberation was about, for resolving scope IDs.
type Subject struct {
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"` // sender address
	ThreadID  string `json:"thread_id"`
}

// ScopeID resolves the storage partition for scope s.
func (sub Subject) ScopeID(s Scope) string {
	switch s {
	case ScopeConversation:
		return sub.ThreadID
	case ScopeUser:
		return sub.UserID
	case ScopeAccount:
		return sub.AccountID
	}
	return ""
}

// Memory is a stored fact keyed by (Scope, ScopeID, Key). A later write with
// the same key supersedes the earlier one.
type Memory struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"account_id"`
	Scope       Scope       `json:"scope"`
	ScopeID     string      `json:"scope_id"`
	Key         string      `json:"key"`
	Value       any         `json:"value,omitempty"`
	TTLCategory TTLCategory `json:"ttl_category"`
	Confidence  float64     `json:"confidence"`
	Provenance  string      `json:"provenance,omitempty"`
	MessageID   string      `json:"message_id,omitempty"`
	Version     int         `json:"version"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Retention maps each TTL category to how long it is kept. Zero means forever.
type Retention map[TTLCategory]time.Duration

// DefaultRetention returns 30, 120 and 730 days for volatile, seasonal and
// durable memories. Legal memories never expire.
func DefaultRetention() Retention {
	const day = 24 * time.Hour
	return Retention{
		TTLVolatile: 30 * day,
		TTLSeasonal: 120 * day,
		TTLDurable:  730 * day,
		TTLLegal:    0,
	}
}

// ExpiresAt returns the expiry for a memory written at now, or nil if it never expires.
func (r Retention) ExpiresAt(c TTLCategory, now time.Time) *time.Time {
	d := r[c]
	if d <= 0 {
		return nil
	}
	t := now.Add(d)
	return &t
}

// FromCandidate builds the stored form of a validated candidate.
func FromCandidate(c *Candidate, sub Subject, messageID string, ret Retention, now time.Time) Memory {
	return Memory{
		AccountID:   sub.AccountID,
		Scope:       c.Scope,
		ScopeID:     sub.ScopeID(c.Scope),
		Key:         strings.TrimSpace(c.Key),
		Value:       c.Value,
		TTLCategory: c.TTLCategory,
		Confidence:  *c.Confidence,
		Provenance:  c.Provenance,
		MessageID:   messageID,
		ExpiresAt:   ret.ExpiresAt(c.TTLCategory, now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
