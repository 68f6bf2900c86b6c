package litellm

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/NowSquare/Agent-AI-sub001/internal/config"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/capability"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var prompts = template.Must(template.New("prompts").Funcs(template.FuncMap{
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(b)
	},
}).ParseFS(templateFS, "templates/*.tmpl"))

// maxBodyRunes caps the message body placed in a prompt.
const maxBodyRunes = 8000

// providerName is reported on every AgentStep produced through this adapter.
const providerName = "litellm"

// promptData is the template view of a capability request.
type promptData struct {
	capability.Request
	Body string
}

// CapabilityProvider implements capability.Provider by prompting a model
// through the LiteLLM proxy for each tool.
type CapabilityProvider struct {
	client       *Client
	defaultModel string
	roleModels   map[string]string
	maxTokens    int
}

var _ capability.Provider = (*CapabilityProvider)(nil)

// NewCapabilityProvider creates a provider. cfg.RoleModels overrides the
// default model per deliberation role.
func NewCapabilityProvider(client *Client, cfg config.LiteLLM) *CapabilityProvider {
	return &CapabilityProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		roleModels:   cfg.RoleModels,
		maxTokens:    cfg.MaxTokens,
	}
}

func (p *CapabilityProvider) model(role deliberation.Role) string {
	if m := p.roleModels[string(role)]; m != "" {
		return m
	}
	return p.defaultModel
}

// Invoke renders the tool prompt, calls the model and returns the JSON
// object found in its reply. Schema validation is left to the caller.
func (p *CapabilityProvider) Invoke(ctx context.Context, req capability.Request) (*capability.Response, error) {
	system, user, err := renderPrompt(req)
	if err != nil {
		return nil, err
	}

	model := p.model(req.Role)
	resp, err := p.client.ChatCompletion(ctx, ChatCompletionRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0.1,
		MaxTokens:      p.maxTokens,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", deliberation.ErrCapabilityFailure, req.Tool, err)
	}

	raw := extractJSON(resp.Content)
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("%w: %s: %w: reply is not a JSON object", deliberation.ErrCapabilityFailure, req.Tool, capability.ErrSchema)
	}
	if resp.Model != "" {
		model = resp.Model
	}
	return &capability.Response{
		Raw:       json.RawMessage(raw),
		Provider:  providerName,
		Model:     model,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
	}, nil
}

func renderPrompt(req capability.Request) (system, user string, err error) {
	if prompts.Lookup(string(req.Tool)+".tmpl") == nil {
		return "", "", fmt.Errorf("%w: unknown tool %q", deliberation.ErrCapabilityFailure, req.Tool)
	}
	data := promptData{Request: req, Body: truncateRunes(req.Message.PlainText(), maxBodyRunes)}

	var sb, ub bytes.Buffer
	if err := prompts.ExecuteTemplate(&sb, "system.tmpl", data); err != nil {
		return "", "", fmt.Errorf("render system prompt: %w", err)
	}
	if err := prompts.ExecuteTemplate(&ub, string(req.Tool)+".tmpl", data); err != nil {
		return "", "", fmt.Errorf("render %s prompt: %w", req.Tool, err)
	}
	return strings.TrimSpace(sb.String()), strings.TrimSpace(ub.String()), nil
}

// extractJSON strips markdown fences and surrounding prose from a model reply.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// IsHealthNeutral reports errors the breaker must not count: caller
// cancellation and rejected requests.
func IsHealthNeutral(err error) bool {
	return errors.Is(err, context.Canceled) || IsClientError(err)
}
