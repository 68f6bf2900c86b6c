// Package capability defines the port through which every agent role obtains
// a structured judgment, and the per-tool result schemas.
package capability

import (
	"context"
	"encoding/json"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/inbound"
)

// Tool names a structured capability.
type Tool string

const (
	ToolPlan           Tool = "plan"
	ToolInterpret      Tool = "interpret"
	ToolCritique       Tool = "critique"
	ToolArbitrate      Tool = "arbitrate"
	ToolExtractMemory  Tool = "extract_memory"
	ToolDetectLanguage Tool = "detect_language"
)

var roleTools = map[deliberation.Role]Tool{
	deliberation.RolePlanner: ToolPlan,
	deliberation.RoleWorker:  ToolInterpret,
	deliberation.RoleCritic:  ToolCritique,
	deliberation.RoleArbiter: ToolArbitrate,
}

// ToolForRole returns the deliberation tool a role invokes.
func ToolForRole(r deliberation.Role) Tool {
	return roleTools[r]
}

// Request is the prompt context handed to a provider.
type Request struct {
	Tool       Tool                     `json:"tool"`
	Role       deliberation.Role        `json:"role"`
	Round      int                      `json:"round"`
	Message    inbound.Message          `json:"message"`
	Language   string                   `json:"language,omitempty"`
	Framing    string                   `json:"framing,omitempty"`
	Feedback   []string                 `json:"feedback,omitempty"`
	Candidates []deliberation.Candidate `json:"candidates,omitempty"`
}

// Response is the raw structured output plus accounting. Raw is validated by
// Decode before any field is used.
type Response struct {
	Raw       json.RawMessage `json:"raw"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	TokensIn  int             `json:"tokens_in"`
	TokensOut int             `json:"tokens_out"`
}

// Provider is the port interface for reasoning capabilities.
type Provider interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}
