// Package mcp exposes read-only run inspection over the Model Context
// Protocol, so MCP-capable agents can look at runs and their event logs
// through the same process that serves the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/tempest11/graphrun/internal/model"
)

// Store is the read surface the MCP tools need.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRunsByThread(ctx context.Context, threadID uuid.UUID, limit, offset int) ([]model.Run, error)
	EventsAfter(ctx context.Context, runID uuid.UUID, after int64) ([]model.Event, error)
}

// Server wraps the MCP server with graphrun's storage layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     Store
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools registered.
func New(store Store, version string, logger *slog.Logger) *Server {
	s := &Server{store: store, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"graphrun",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// graphrun_get_run: one run's descriptor.
	s.mcpServer.AddTool(
		mcplib.NewTool("graphrun_get_run",
			mcplib.WithDescription("Get a run's descriptor: status, input, output, and error. Terminal statuses are completed, failed, and cancelled."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("Run identifier (UUID)"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)

	// graphrun_list_runs: runs on one thread, newest first.
	s.mcpServer.AddTool(
		mcplib.NewTool("graphrun_list_runs",
			mcplib.WithDescription("List the runs of a thread, newest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("thread_id",
				mcplib.Description("Thread identifier (UUID)"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum runs to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListRuns,
	)

	// graphrun_read_events: a run's event log from a sequence cursor.
	s.mcpServer.AddTool(
		mcplib.NewTool("graphrun_read_events",
			mcplib.WithDescription("Read a run's event log in sequence order, strictly after the given cursor. Use after=-1 for the full log. The last event of a finished run has stream_mode \"end\"."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id",
				mcplib.Description("Run identifier (UUID)"),
				mcplib.Required(),
			),
			mcplib.WithNumber("after",
				mcplib.Description("Sequence cursor; events strictly after this are returned"),
				mcplib.DefaultNumber(-1),
			),
		),
		s.handleReadEvents,
	)
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("get run: %v", err)), nil
	}

	return jsonResult(run)
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult("thread_id must be a UUID"), nil
	}
	limit := request.GetInt("limit", 20)

	runs, err := s.store.ListRunsByThread(ctx, threadID, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs: %v", err)), nil
	}

	return jsonResult(map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleReadEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}
	after := int64(request.GetInt("after", -1))

	events, err := s.store.EventsAfter(ctx, runID, after)
	if err != nil {
		return errorResult(fmt.Sprintf("read events: %v", err)), nil
	}

	return jsonResult(map[string]any{"events": events, "count": len(events)})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
