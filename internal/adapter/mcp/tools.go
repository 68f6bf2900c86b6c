package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/NowSquare/Agent-AI-sub001/internal/domain/deliberation"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listAgentStepsTool(),
		s.getAgentStepTool(),
		s.getActionTool(),
	)
}

func toolResultJSON(v any, what string) *mcplib.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal "+what, err)
	}
	return mcplib.NewToolResultText(string(data))
}

func stringArg(req mcplib.CallToolRequest, name string) string { //nolint:gocritic // hugeParam: mcp-go request type
	v, _ := req.GetArguments()[name].(string)
	return v
}

func (s *Server) listAgentStepsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_agent_steps",
		mcplib.WithDescription("List the recorded agent steps of deliberations, oldest first"),
		mcplib.WithString("deliberation_id", mcplib.Description("Only steps of this deliberation")),
		mcplib.WithString("message_id", mcplib.Description("Only steps for this inbound message")),
		mcplib.WithString("role",
			mcplib.Description("Only steps of this role"),
			mcplib.Enum(string(deliberation.RolePlanner), string(deliberation.RoleWorker), string(deliberation.RoleCritic), string(deliberation.RoleArbiter)),
		),
		mcplib.WithNumber("limit", mcplib.Description("Maximum number of steps (default 100)")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListAgentSteps}
}

func (s *Server) getAgentStepTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_agent_step",
		mcplib.WithDescription("Get one agent step by ID"),
		mcplib.WithString("step_id", mcplib.Required(), mcplib.Description("The step ID to look up")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetAgentStep}
}

func (s *Server) getActionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_action",
		mcplib.WithDescription("Get an action with its status, options and expiry"),
		mcplib.WithString("action_id", mcplib.Required(), mcplib.Description("The action ID to look up")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetAction}
}

func (s *Server) handleListAgentSteps(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Steps == nil {
		return mcplib.NewToolResultError("step reader not configured"), nil
	}
	f := deliberation.StepFilter{
		DeliberationID: stringArg(req, "deliberation_id"),
		MessageID:      stringArg(req, "message_id"),
		Role:           deliberation.Role(stringArg(req, "role")),
	}
	if n, ok := req.GetArguments()["limit"].(float64); ok {
		f.Limit = int(n)
	}
	steps, err := s.deps.Steps.ListSteps(ctx, f)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list agent steps", err), nil
	}
	return toolResultJSON(steps, "agent steps"), nil
}

func (s *Server) handleGetAgentStep(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Steps == nil {
		return mcplib.NewToolResultError("step reader not configured"), nil
	}
	id := stringArg(req, "step_id")
	if id == "" {
		return mcplib.NewToolResultError("step_id is required"), nil
	}
	step, err := s.deps.Steps.GetStep(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get agent step %s", id), err), nil
	}
	return toolResultJSON(step, "agent step"), nil
}

func (s *Server) handleGetAction(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Actions == nil {
		return mcplib.NewToolResultError("action reader not configured"), nil
	}
	id := stringArg(req, "action_id")
	if id == "" {
		return mcplib.NewToolResultError("action_id is required"), nil
	}
	a, err := s.deps.Actions.Get(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get action %s", id), err), nil
	}
	return toolResultJSON(a, "action"), nil
}
