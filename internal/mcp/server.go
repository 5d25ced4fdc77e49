package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/amux/internal/client"
	"github.com/joescharf/amux/internal/models"
)

// API is the subset of the amux HTTP client the tools call.
type API interface {
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)
	ListInstances(ctx context.Context, workspaceRef string, all bool) ([]*models.Instance, error)
	ListLiveInstances(ctx context.Context) ([]*models.Instance, error)
	StartInstance(ctx context.Context, workspaceRef string) (*models.Instance, error)
	StopInstance(ctx context.Context, id string) (*models.Instance, error)
	RestartInstance(ctx context.Context, id string) (*models.Instance, error)
	ListTerminals(ctx context.Context, instanceID string) ([]client.Terminal, error)
}

// Server exposes a running amux server as MCP tools.
type Server struct {
	api     API
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(api API, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{api: api, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("amux", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listWorkspacesTool())
	srv.AddTool(s.listInstancesTool())
	srv.AddTool(s.startInstanceTool())
	srv.AddTool(s.stopInstanceTool())
	srv.AddTool(s.restartInstanceTool())
	srv.AddTool(s.listTerminalsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// amux_list_workspaces
func (s *Server) listWorkspacesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("amux_list_workspaces",
		mcp.WithDescription("List registered workspaces. Returns a JSON array with id, name, and path."),
	)
	return tool, s.handleListWorkspaces
}

func (s *Server) handleListWorkspaces(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaces, err := s.api.ListWorkspaces(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list workspaces: %v", err)), nil
	}

	type workspaceOut struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Path string `json:"path"`
	}
	out := make([]workspaceOut, len(workspaces))
	for i, w := range workspaces {
		out[i] = workspaceOut{ID: w.ID, Name: w.Name, Path: w.Path}
	}
	return jsonResult(out)
}

// amux_list_instances
func (s *Server) listInstancesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("amux_list_instances",
		mcp.WithDescription("List agent instances. With a workspace, lists that workspace's live instance (or its full history with all=true); without one, lists every live instance."),
		mcp.WithString("workspace", mcp.Description("Workspace id or name")),
		mcp.WithBoolean("all", mcp.Description("Include stopped and failed instances (requires workspace)")),
	)
	return tool, s.handleListInstances
}

func (s *Server) handleListInstances(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ws := request.GetString("workspace", "")
	all := request.GetBool("all", false)

	var (
		instances []*models.Instance
		err       error
	)
	if ws == "" {
		if all {
			return mcp.NewToolResultError("all=true requires a workspace"), nil
		}
		instances, err = s.api.ListLiveInstances(ctx)
	} else {
		instances, err = s.api.ListInstances(ctx, ws, all)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list instances: %v", err)), nil
	}
	if instances == nil {
		instances = []*models.Instance{}
	}
	return jsonResult(instances)
}

// amux_start_instance
func (s *Server) startInstanceTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("amux_start_instance",
		mcp.WithDescription("Start the agent for a workspace. A workspace whose last instance stopped or failed is restarted under the same instance id. Blocks until the agent is ready or the spawn fails."),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace id or name")),
	)
	return tool, s.handleStartInstance
}

func (s *Server) handleStartInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ws := request.GetString("workspace", "")
	if ws == "" {
		return mcp.NewToolResultError("workspace is required"), nil
	}
	inst, err := s.api.StartInstance(ctx, ws)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start instance: %v", err)), nil
	}
	return jsonResult(inst)
}

// amux_stop_instance
func (s *Server) stopInstanceTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("amux_stop_instance",
		mcp.WithDescription("Stop an agent instance. Sends SIGTERM and escalates to SIGKILL after the grace period."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Instance id")),
	)
	return tool, s.handleStopInstance
}

func (s *Server) handleStopInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	inst, err := s.api.StopInstance(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to stop instance: %v", err)), nil
	}
	return jsonResult(inst)
}

// amux_restart_instance
func (s *Server) restartInstanceTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("amux_restart_instance",
		mcp.WithDescription("Restart an agent instance in place, keeping its id and workspace."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Instance id")),
	)
	return tool, s.handleRestartInstance
}

func (s *Server) handleRestartInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	inst, err := s.api.RestartInstance(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to restart instance: %v", err)), nil
	}
	return jsonResult(inst)
}

// amux_list_terminals
func (s *Server) listTerminalsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("amux_list_terminals",
		mcp.WithDescription("List the open terminal sessions of an instance with id, kind, createdAt, and attached connection count."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Instance id")),
	)
	return tool, s.handleListTerminals
}

func (s *Server) handleListTerminals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	terms, err := s.api.ListTerminals(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list terminals: %v", err)), nil
	}
	if terms == nil {
		terms = []client.Terminal{}
	}
	return jsonResult(terms)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
