// Package mcp exposes the engine to operators and agent frontends over
// the Model Context Protocol: deploying flows, driving turns, and
// inspecting sessions and memory.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/voxflow/voxflow/internal/engine"
	"github.com/voxflow/voxflow/internal/store"
)

// TurnProcessor is the slice of the engine the server drives turns through.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, in *engine.TurnInput) (*engine.TurnOutput, error)
}

// VoxflowServerDeps holds the dependencies for creating a VoxflowServer.
type VoxflowServerDeps struct {
	Engine   TurnProcessor
	Registry *engine.FlowRegistry
	Store    store.Store
	Logger   *slog.Logger
}

// VoxflowServer wraps an MCP server with flow-engine tool handlers.
type VoxflowServer struct {
	engine    TurnProcessor
	registry  *engine.FlowRegistry
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewVoxflowServer creates a VoxflowServer with all tools registered.
func NewVoxflowServer(deps VoxflowServerDeps) *VoxflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &VoxflowServer{
		engine:   deps.Engine,
		registry: deps.Registry,
		store:    deps.Store,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"voxflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Voxflow executes conversational flows. Use flow.deploy to publish a flow document, flow.turn to send a user utterance, flow.event to deliver an external event to a waiting session, flow.status to inspect a session, and memory.inspect / memory.clear to manage a user's semantic memory."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *VoxflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *VoxflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *VoxflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: deployTool(), Handler: s.handleDeploy},
		{Tool: turnTool(), Handler: s.handleTurn},
		{Tool: eventTool(), Handler: s.handleEvent},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: memoryInspectTool(), Handler: s.handleMemoryInspect},
		{Tool: memoryClearTool(), Handler: s.handleMemoryClear},
	}
}

// --- Tool definitions ---

func deployTool() mcp.Tool {
	return mcp.NewTool("flow.deploy",
		mcp.WithDescription("Validate and publish a flow document (JSON or YAML)"),
		mcp.WithString("document", mcp.Required(), mcp.Description("The flow document")),
		mcp.WithBoolean("activate", mcp.Description("Make this the active version (default true)")),
	)
}

func turnTool() mcp.Tool {
	return mcp.NewTool("flow.turn",
		mcp.WithDescription("Send a user utterance to a flow session"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Tenant organization ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("End-user ID")),
		mcp.WithString("flow", mcp.Required(), mcp.Description("Flow slug")),
		mcp.WithString("utterance", mcp.Required(), mcp.Description("The user's message")),
		mcp.WithString("isolation", mcp.Description("Optional isolation suffix for a parallel session")),
	)
}

func eventTool() mcp.Tool {
	return mcp.NewTool("flow.event",
		mcp.WithDescription("Deliver a named external event to a waiting session"),
		mcp.WithString("session_key", mcp.Required(), mcp.Description("The session key")),
		mcp.WithString("event", mcp.Required(), mcp.Description("Event name the session is waiting for")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Inspect a session: position, status, and recent turn events"),
		mcp.WithString("session_key", mcp.Required(), mcp.Description("The session key")),
		mcp.WithNumber("events_since", mcp.Description("Return turn events with ID greater than this")),
	)
}

func memoryInspectTool() mcp.Tool {
	return mcp.NewTool("memory.inspect",
		mcp.WithDescription("List a user's semantic memory entities"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Tenant organization ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("End-user ID")),
	)
}

func memoryClearTool() mcp.Tool {
	return mcp.NewTool("memory.clear",
		mcp.WithDescription("Delete a user's semantic memory, optionally for one entity type"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Tenant organization ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("End-user ID")),
		mcp.WithString("entity_type", mcp.Description("Limit deletion to this entity type")),
	)
}
