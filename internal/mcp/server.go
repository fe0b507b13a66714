// Package mcp exposes the live ingestion contract as MCP tools so a coding
// agent can narrate its work step by step into a running tracecast server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/oklog/ulid/v2"

	"github.com/joescharf/tracecast/internal/ingest"
	"github.com/joescharf/tracecast/internal/trace"
)

// Ingest is the ingestion server API the tools forward to. *ingest.Client
// satisfies it.
type Ingest interface {
	Ping(ctx context.Context) (ingest.PingResponse, error)
	Status(ctx context.Context) (ingest.StatusResponse, error)
	Start(ctx context.Context, meta trace.Metadata) error
	Push(ctx context.Context, step trace.Step) (string, error)
	End(ctx context.Context) (int, error)
}

// Server wraps an ingestion client and exposes it as MCP tools.
type Server struct {
	ingest  Ingest
	version string

	// DefaultCommit, if set, supplies the commit for walkthroughs started
	// without one.
	DefaultCommit func() string
}

// NewServer creates the MCP server wrapper.
func NewServer(in Ingest, version string) *Server {
	return &Server{ingest: in, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("tracecast", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.startTool())
	srv.AddTool(s.stepTool())
	srv.AddTool(s.endTool())
	srv.AddTool(s.statusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// walkthrough_start
func (s *Server) startTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("walkthrough_start",
		mcp.WithDescription("Begin a live narrated walkthrough. Call once before pushing steps; fails if a walkthrough is already in progress."),
		mcp.WithString("title", mcp.Description("Short title for the walkthrough")),
		mcp.WithString("agent", mcp.Description("Name of the agent producing the walkthrough")),
		mcp.WithString("commit", mcp.Description("Commit the walkthrough describes")),
		mcp.WithString("snapshot_dir", mcp.Description("Directory holding frozen copies of the files shown")),
	)
	return tool, s.handleStart
}

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	meta := trace.Metadata{
		Title:       request.GetString("title", ""),
		Agent:       request.GetString("agent", ""),
		Commit:      request.GetString("commit", ""),
		SnapshotDir: request.GetString("snapshot_dir", ""),
	}
	if meta.Commit == "" && s.DefaultCommit != nil {
		meta.Commit = s.DefaultCommit()
	}
	if err := s.ingest.Start(ctx, meta); err != nil {
		return toolError("failed to start walkthrough", err), nil
	}
	return mcp.NewToolResultText("Walkthrough started. Push steps with walkthrough_step and finish with walkthrough_end."), nil
}

// walkthrough_step
func (s *Server) stepTool() (mcp.Tool, server.ToolHandlerFunc) {
	types := make([]string, len(trace.StepTypes))
	for i, t := range trace.StepTypes {
		types[i] = string(t)
	}
	tool := mcp.NewTool("walkthrough_step",
		mcp.WithDescription("Push one step of the live walkthrough. Narration may mark lines to highlight as they are spoken with <line:N>phrase</line:N>."),
		mcp.WithString("type", mcp.Required(), mcp.Enum(types...), mcp.Description("Step type")),
		mcp.WithString("title", mcp.Description("Short step title")),
		mcp.WithString("narration", mcp.Description("Text spoken for this step")),
		mcp.WithString("file_path", mcp.Description("File the step shows; required for openFile, showDiff and highlightRange")),
		mcp.WithNumber("start_line", mcp.Description("First line of the range, 1-indexed; required for highlightRange")),
		mcp.WithNumber("end_line", mcp.Description("Last line of the range, inclusive; defaults to start_line")),
		mcp.WithString("id", mcp.Description("Step id; generated when omitted")),
	)
	return tool, s.handleStep
}

func (s *Server) handleStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stepType, err := request.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: type"), nil
	}

	step := trace.Step{
		ID:        request.GetString("id", ""),
		Type:      trace.StepType(stepType),
		Title:     request.GetString("title", ""),
		Narration: request.GetString("narration", ""),
		FilePath:  request.GetString("file_path", ""),
	}
	if start := request.GetInt("start_line", 0); start > 0 {
		end := request.GetInt("end_line", start)
		step.Range = &trace.Range{StartLine: start, EndLine: end}
	}
	if step.ID == "" {
		step.ID = ulid.Make().String()
	}
	if err := trace.Validate(step); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, err := s.ingest.Push(ctx, step)
	if err != nil {
		return toolError("failed to push step", err), nil
	}
	return resultJSON(map[string]any{"received": true, "id": id})
}

// walkthrough_end
func (s *Server) endTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("walkthrough_end",
		mcp.WithDescription("Finish the live walkthrough. The server archives it for later replay."),
	)
	return tool, s.handleEnd
}

func (s *Server) handleEnd(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	count, err := s.ingest.End(ctx)
	if err != nil {
		return toolError("failed to end walkthrough", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Walkthrough ended with %d steps.", count)), nil
}

// walkthrough_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("walkthrough_status",
		mcp.WithDescription("Report whether the tracecast server is reachable and whether a walkthrough is in progress."),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ping, err := s.ingest.Ping(ctx)
	if err != nil {
		return toolError("tracecast server not reachable; start it with `tracecast serve`", err), nil
	}
	status, err := s.ingest.Status(ctx)
	if err != nil {
		return toolError("failed to get status", err), nil
	}
	return resultJSON(map[string]any{
		"port":       ping.Port,
		"version":    ping.Version,
		"active":     status.Active,
		"eventCount": status.EventCount,
		"metadata":   status.Metadata,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func toolError(msg string, err error) *mcp.CallToolResult {
	var apiErr *ingest.APIError
	if errors.As(err, &apiErr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", msg, apiErr.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", msg, err))
}

func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
