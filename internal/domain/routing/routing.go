// Package routing maps a deliberation Decision to an execution path.
package routing

import "github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"

// Path is the execution path selected for a Decision.
type Path string

const (
	PathAutoExecute   Path = "auto_execute"
	PathConfirmSingle Path = "confirm_single"
	PathChooseOne     Path = "choose_one"
)

// IsValid reports whether p is a known path.
func (p Path) IsValid() bool {
	switch p {
	case PathAutoExecute, PathConfirmSingle, PathChooseOne:
		return true
	}
	return false
}

// NeedsUser reports whether the path waits for the user before execution.
func (p Path) NeedsUser() bool {
	return p == PathConfirmSingle || p == PathChooseOne
}

// Policy holds the router thresholds.
type Policy struct {
	AutoThreshold    float64 `json:"auto_threshold"`
	ConfirmThreshold float64 `json:"confirm_threshold"`
}

// DefaultPolicy returns the 0.85 / 0.5 thresholds.
func DefaultPolicy() Policy {
	return Policy{AutoThreshold: 0.85, ConfirmThreshold: 0.5}
}

// Route classifies a decision outcome. It is a pure function of its arguments.
//
//   - confidence >= AutoThreshold without a clarification request: auto execute
//   - confidence < ConfirmThreshold with more than one viable candidate: choose one
//   - everything else, including clarification requests on a single
//     candidate and low confidence on a single candidate: confirm single
func (p Policy) Route(confidence float64, needsClarification bool, candidateCount int) Path {
	switch {
	case confidence >= p.AutoThreshold && !needsClarification:
		return PathAutoExecute
	case confidence < p.ConfirmThreshold && candidateCount > 1:
		return PathChooseOne
	default:
		return PathConfirmSingle
	}
}

// RouteDecision classifies d.
func (p Policy) RouteDecision(d *deliberation.Decision) Path {
	return p.Route(d.Confidence, d.NeedsClarification, d.CandidateCount())
}
