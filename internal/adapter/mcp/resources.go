package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
)

const stepsURI = "agentai://agent-steps"

// stepsLimit bounds the agent-steps resource.
const stepsLimit = 50

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			stepsURI,
			"Agent steps",
			mcplib.WithResourceDescription("Agent steps in recording order, capped at 50"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStepsResource,
	)
}

func (s *Server) handleStepsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	text := `{"error":"step reader not configured"}`
	if s.deps.Steps != nil {
		steps, err := s.deps.Steps.ListSteps(ctx, deliberation.StepFilter{Limit: stepsLimit})
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(steps)
		if err != nil {
			return nil, err
		}
		text = string(data)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     text,
		},
	}, nil
}
