package capability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/memory"
)

// ErrSchema indicates a provider result that does not match its tool schema.
// It is always reported together with deliberation.ErrCapabilityFailure.
var ErrSchema = errors.New("result schema invalid")

// Decode strictly parses raw into T and validates it. Unknown fields and
// trailing data are rejected. Any failure is a capability failure, never a
// low-confidence answer.
func Decode[T any, PT interface {
	*T
	Validate() error
}](raw json.RawMessage) (*T, error) {
	var v T
	if err := decodeStrict(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", deliberation.ErrCapabilityFailure, ErrSchema, err)
	}
	if err := PT(&v).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", deliberation.ErrCapabilityFailure, ErrSchema, err)
	}
	return &v, nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after result object")
	}
	return nil
}

func checkUnit(name string, v *float64) error {
	if v == nil {
		return fmt.Errorf("%s is required", name)
	}
	if *v < 0 || *v > 1 {
		return fmt.Errorf("%s %v out of [0,1]", name, *v)
	}
	return nil
}

// Interpretation is a Worker's reading of the message.
type Interpretation struct {
	ActionType          string           `json:"action_type"`
	Parameters          map[string]any   `json:"parameters"`
	ScopeHint           string           `json:"scope_hint,omitempty"`
	Confidence          *float64         `json:"confidence"`
	NeedsClarification  *bool            `json:"needs_clarification"`
	ClarificationPrompt string           `json:"clarification_prompt,omitempty"`
	EvidenceIDs         []string         `json:"evidence_ids,omitempty"`
	Alternatives        []Interpretation `json:"alternatives,omitempty"`
}

// Validate implements the interpretation schema.
func (i *Interpretation) Validate() error {
	if err := i.validateOne(); err != nil {
		return err
	}
	for n := range i.Alternatives {
		if len(i.Alternatives[n].Alternatives) > 0 {
			return fmt.Errorf("alternatives[%d]: nested alternatives are not allowed", n)
		}
		if err := i.Alternatives[n].validateOne(); err != nil {
			return fmt.Errorf("alternatives[%d]: %w", n, err)
		}
	}
	return nil
}

func (i *Interpretation) validateOne() error {
	if strings.TrimSpace(i.ActionType) == "" {
		return errors.New("action_type is required")
	}
	if i.Parameters == nil {
		return errors.New("parameters is required")
	}
	if i.NeedsClarification == nil {
		return errors.New("needs_clarification is required")
	}
	if i.ScopeHint != "" && !memory.Scope(i.ScopeHint).IsValid() {
		return fmt.Errorf("invalid scope_hint %q", i.ScopeHint)
	}
	return checkUnit("confidence", i.Confidence)
}

// Clarify reports whether the worker asked for clarification.
func (i *Interpretation) Clarify() bool {
	return i.NeedsClarification != nil && *i.NeedsClarification
}

// Plan is the Planner's framing. It carries no vote.
type Plan struct {
	Intent   string   `json:"intent"`
	Steps    []string `json:"steps,omitempty"`
	Language string   `json:"language,omitempty"`
}

// Validate implements the plan schema.
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Intent) == "" {
		return errors.New("intent is required")
	}
	return nil
}

// Critique is a Critic's score for one candidate.
type Critique struct {
	Score       *float64 `json:"score"`
	Reasons     []string `json:"reasons,omitempty"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// Validate implements the critique schema.
func (c *Critique) Validate() error {
	return checkUnit("score", c.Score)
}

// ArbiterVote is the Arbiter's individual score for one contender.
type ArbiterVote struct {
	CandidateID string   `json:"candidate_id"`
	Score       *float64 `json:"score"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Arbitration holds the Arbiter's votes over the contenders.
type Arbitration struct {
	Votes               []ArbiterVote `json:"votes"`
	ClarificationPrompt string        `json:"clarification_prompt,omitempty"`
}

// Validate implements the arbitration schema.
func (a *Arbitration) Validate() error {
	if len(a.Votes) == 0 {
		return errors.New("votes must not be empty")
	}
	for n, v := range a.Votes {
		if v.CandidateID == "" {
			return fmt.Errorf("votes[%d]: candidate_id is required", n)
		}
		if err := checkUnit("score", v.Score); err != nil {
			return fmt.Errorf("votes[%d]: %w", n, err)
		}
	}
	return nil
}

// MemoryExtraction is the envelope of proposed memories. Item-level
// invariants are enforced by the memory gate so that one bad item does not
// discard the others.
type MemoryExtraction struct {
	Items []memory.Candidate `json:"items"`
}

// Validate implements the memory extraction envelope schema.
func (m *MemoryExtraction) Validate() error {
	if m.Items == nil {
		return errors.New("items is required")
	}
	return nil
}

const maxLanguageLen = 10

// LanguageDetection is the detected message language.
type LanguageDetection struct {
	Language   string   `json:"language"`
	Confidence *float64 `json:"confidence"`
}

// Validate implements the language detection schema.
func (l *LanguageDetection) Validate() error {
	n := utf8.RuneCountInString(strings.TrimSpace(l.Language))
	if n == 0 {
		return errors.New("language is required")
	}
	if n > maxLanguageLen {
		return fmt.Errorf("language longer than %d characters", maxLanguageLen)
	}
	return checkUnit("confidence", l.Confidence)
}
