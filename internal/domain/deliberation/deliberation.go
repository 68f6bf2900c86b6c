// Package deliberation provides the domain model for multi-agent deliberation:
// roles, votes, candidates, decisions, the audit trail, and vote aggregation.
package deliberation

import (
	"errors"
	"time"
)

// ErrCapabilityFailure indicates a capability provider call errored or returned
// output that failed schema validation. The role is retried, then abstains.
var ErrCapabilityFailure = errors.New("capability failure")

// ErrDeliberationExhausted indicates no usable vote was produced: every role
// abstained or the deadline passed before any vote arrived.
var ErrDeliberationExhausted = errors.New("deliberation exhausted")

// Role is the closed set of functional agent roles.
type Role string

const (
	RolePlanner Role = "planner"
	RoleWorker  Role = "worker"
	RoleCritic  Role = "critic"
	RoleArbiter Role = "arbiter"
)

// roleSpec holds the fixed per-role behavior.
type roleSpec struct {
	votes  bool // whether the role's judgments count as votes
	retry  bool // whether capability failures are retried before abstaining
	weight func(Weights) float64
}

var roleTable = map[Role]roleSpec{
	RolePlanner: {votes: false, retry: true, weight: func(Weights) float64 { return 0 }},
	RoleWorker:  {votes: true, retry: true, weight: func(w Weights) float64 { return w.Worker }},
	RoleCritic:  {votes: true, retry: true, weight: func(w Weights) float64 { return w.Critic }},
	RoleArbiter: {votes: true, retry: true, weight: func(w Weights) float64 { return w.Arbiter }},
}

// AllRoles lists every role in protocol order.
var AllRoles = []Role{RolePlanner, RoleWorker, RoleCritic, RoleArbiter}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	_, ok := roleTable[r]
	return ok
}

// Votes reports whether judgments from r are counted by the aggregator.
func (r Role) Votes() bool {
	return roleTable[r].votes
}

// Retries reports whether capability failures for r are retried.
func (r Role) Retries() bool {
	return roleTable[r].retry
}

// Weight returns the role's weight under w. Non-voting roles weigh zero.
func (r Role) Weight(w Weights) float64 {
	spec, ok := roleTable[r]
	if !ok || !spec.votes {
		return 0
	}
	return spec.weight(w)
}

// Weights holds the per-role vote weights.
type Weights struct {
	Worker  float64 `json:"worker"`
	Critic  float64 `json:"critic"`
	Arbiter float64 `json:"arbiter"`
}

// DefaultWeights returns weights with Critic and Arbiter above Worker.
func DefaultWeights() Weights {
	return Weights{Worker: 1.0, Critic: 1.5, Arbiter: 2.0}
}

// Vote is one agent's score for one candidate. Votes are never mutated.
type Vote struct {
	CandidateID string   `json:"candidate_id"`
	Role        Role     `json:"role"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons,omitempty"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
}

// Candidate is a proposed action under deliberation.
type Candidate struct {
	ID                  string         `json:"id"`
	ActionType          string         `json:"action_type"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	ScopeHint           string         `json:"scope_hint,omitempty"`
	NeedsClarification  bool           `json:"needs_clarification,omitempty"`
	ClarificationPrompt string         `json:"clarification_prompt,omitempty"`
}

// Option is a runner-up candidate offered alongside the winner.
type Option struct {
	Candidate
	Score float64 `json:"score"`
}

// Decision is the output of one deliberation.
type Decision struct {
	DeliberationID      string         `json:"deliberation_id"`
	CandidateID         string         `json:"candidate_id"`
	ActionType          string         `json:"action_type"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	Confidence          float64        `json:"confidence"`
	NeedsClarification  bool           `json:"needs_clarification"`
	ClarificationPrompt string         `json:"clarification_prompt,omitempty"`
	Rationale           []string       `json:"rationale,omitempty"`
	EvidenceIDs         []string       `json:"evidence_ids,omitempty"`
	Votes               []Vote         `json:"votes"`
	Alternatives        []Option       `json:"alternatives,omitempty"`
	Language            string         `json:"language,omitempty"`
	Rounds              int            `json:"rounds"`
	DecidedByArbiter    bool           `json:"decided_by_arbiter,omitempty"`
}

// CandidateCount returns the number of viable candidates, the winner included.
func (d *Decision) CandidateCount() int {
	if d == nil || d.ActionType == "" {
		return 0
	}
	return 1 + len(d.Alternatives)
}

// AgentStep is the write-once audit record of one capability invocation.
type AgentStep struct {
	ID             string    `json:"id"`
	DeliberationID string    `json:"deliberation_id"`
	MessageID      string    `json:"message_id"`
	Role           Role      `json:"role"`
	Round          int       `json:"round"`
	Tool           string    `json:"tool"`
	Attempt        int       `json:"attempt"`
	CandidateID    string    `json:"candidate_id,omitempty"`
	VoteScore      *float64  `json:"vote_score,omitempty"`
	Confidence     *float64  `json:"confidence,omitempty"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	TokensIn       int       `json:"tokens_in"`
	TokensOut      int       `json:"tokens_out"`
	LatencyMs      int64     `json:"latency_ms"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ProviderModel renders the provider:model identity shown on the audit surface.
func (s *AgentStep) ProviderModel() string {
	if s.Model == "" {
		return s.Provider
	}
	return s.Provider + ":" + s.Model
}

// StepFilter narrows an audit listing.
type StepFilter struct {
	DeliberationID string `json:"deliberation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Role           Role   `json:"role,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
