package mcp

import (
	"context"
	"encoding/json"
	"errors"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/cmdq-dev/cmdq/pkg/client"
)

func (s *MCPServer) handleGetStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status, err := s.api.Status(ctx)
	if err != nil {
		return textError("failed to get status: " + err.Error()), nil
	}
	return textJSON(status)
}

func (s *MCPServer) handleListAgents(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agents, err := s.api.Agents(ctx)
	if err != nil {
		return textError("failed to list agents: " + err.Error()), nil
	}
	return textJSON(agents.Agents)
}

func (s *MCPServer) handleSubmitCommand(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := req.GetArguments()
	raw, ok := args["payload"]
	if !ok || raw == nil {
		return textError("missing required parameter: payload"), nil
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return textError("invalid payload: " + err.Error()), nil
	}

	agent, _ := args["agent"].(string)
	created, err := s.api.Submit(ctx, payload, agent)
	if err != nil {
		return textError("failed to submit command: " + err.Error()), nil
	}
	s.logger.Info().Str("command_id", created.CommandID).Msg("command submitted")
	return textJSON(created)
}

// resultResponse is what get_result returns.
type resultResponse struct {
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func (s *MCPServer) handleGetResult(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := req.RequireString("command_id")
	if err != nil {
		return textError("missing required parameter: command_id"), nil
	}

	res, err := s.api.Result(ctx, id)
	if errors.Is(err, client.ErrNotFound) {
		return textError("command " + id + " not found or expired"), nil
	}
	if err != nil {
		return textError("failed to get result: " + err.Error()), nil
	}
	if !res.Ready {
		return textJSON(resultResponse{CommandID: id, Status: "pending"})
	}
	return textJSON(resultResponse{CommandID: id, Status: "completed", Result: res.Body})
}

// textResult returns a successful text result.
func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

// textError returns an error text result.
func textError(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// textJSON marshals v to indented JSON and returns it as a text result.
func textJSON(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return textError("failed to marshal response: " + err.Error()), nil
	}
	return textResult(string(data)), nil
}
