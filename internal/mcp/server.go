// Package mcp exposes the cmdq command API to AI assistants as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"log"
	"os"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/cmdq-dev/cmdq/pkg/client"
	"github.com/cmdq-dev/cmdq/pkg/protocol"
)

// DaemonAPI is the subset of the cmdqd API the tools use.
// Implemented by *client.Client; tests can provide a mock.
type DaemonAPI interface {
	Status(ctx context.Context) (*protocol.StatusResponse, error)
	Agents(ctx context.Context) (*protocol.AgentsResponse, error)
	Submit(ctx context.Context, payload json.RawMessage, agent string) (*protocol.CreateCommandResponse, error)
	Result(ctx context.Context, id string) (client.Result, error)
}

// MCPServer serves cmdq tools over MCP.
type MCPServer struct {
	api    DaemonAPI
	logger zerolog.Logger
}

// New creates an MCPServer. Call Run() to start serving on stdio.
func New(cfg Config, logger zerolog.Logger) *MCPServer {
	return &MCPServer{
		api:    client.New(cfg.Daemon.Server, nil),
		logger: logger.With().Str("component", "mcp").Logger(),
	}
}

// SetDaemonAPI overrides the daemon API client. Intended for testing with a mock.
func (s *MCPServer) SetDaemonAPI(api DaemonAPI) {
	s.api = api
}

// Run registers the tools and serves on stdio.
// It blocks until stdin is closed or the context is cancelled.
func (s *MCPServer) Run(ctx context.Context) error {
	srv := mcpserver.NewMCPServer(
		"cmdq",
		"0.1.0",
		mcpserver.WithRecovery(),
	)

	s.registerTools(srv)

	stdio := mcpserver.NewStdioServer(srv)
	stdio.SetErrorLogger(log.New(os.Stderr, "", log.LstdFlags))

	s.logger.Info().Msg("MCP server starting on stdio")
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *MCPServer) registerTools(srv *mcpserver.MCPServer) {
	srv.AddTool(
		mcplib.NewTool("get_status",
			mcplib.WithDescription("Get cmdqd status including uptime, store backend, agent count and cached identity keys"),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleGetStatus,
	)

	srv.AddTool(
		mcplib.NewTool("list_agents",
			mcplib.WithDescription("List cmdq agents with their identity, heartbeat status, and processed/error counters"),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleListAgents,
	)

	srv.AddTool(
		mcplib.NewTool("submit_command",
			mcplib.WithDescription("Submit a command for one of the cmdq agents to run. Returns the command id; poll get_result for the outcome"),
			mcplib.WithObject("payload", mcplib.Required(), mcplib.Description("Opaque JSON payload handed to the agent's workload")),
			mcplib.WithString("agent", mcplib.Description("Agent identity (e.g. service account email) that must run the command; omit to let any agent take it")),
		),
		s.handleSubmitCommand,
	)

	srv.AddTool(
		mcplib.NewTool("get_result",
			mcplib.WithDescription("Poll a command. Reports pending until an agent has submitted the result, then returns it"),
			mcplib.WithString("command_id", mcplib.Required(), mcplib.Description("Command id returned by submit_command")),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleGetResult,
	)
}
