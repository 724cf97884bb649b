package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowhub/internal/engine"
	"github.com/rendis/flowhub/internal/store"
	"github.com/rendis/flowhub/pkg/schema"
)

// Definitions publishes and reads workflow definitions.
type Definitions interface {
	CreateFromBytes(ctx context.Context, data []byte, hint string) (*store.Workflow, error)
	Get(ctx context.Context, id string) (*store.Workflow, error)
	List(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
}

// Executions starts, inspects and cancels executions.
type Executions interface {
	Submit(ctx context.Context, wf *store.Workflow, payload map[string]any, correlationID string) (*store.Execution, bool, error)
	Get(ctx context.Context, id string) (*engine.ExecutionView, error)
	List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
	Cancel(ctx context.Context, id string) (*store.Execution, error)
}

// Approvals answers and lists approval requests.
type Approvals interface {
	Respond(ctx context.Context, id string, d schema.Decision) (*store.Approval, error)
	List(ctx context.Context, filter store.ApprovalFilter) ([]*store.Approval, error)
}

// Agents lists registered agents.
type Agents interface {
	List(ctx context.Context, filter store.AgentFilter) ([]*store.Agent, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Definitions Definitions
	Executions  Executions
	Approvals   Approvals
	Agents      Agents
	// Sessions, when set, records which MCP session triggered an execution
	// so a Notifier can push that execution's events back to it.
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// Server wraps an MCP server with flowhub tool handlers.
type Server struct {
	defs       Definitions
	executions Executions
	approvals  Approvals
	agents     Agents
	sessions   *SessionRegistry
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with every flowhub tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		defs:       deps.Definitions,
		executions: deps.Executions,
		approvals:  deps.Approvals,
		agents:     deps.Agents,
		sessions:   deps.Sessions,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowhub",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowhub runs event-triggered workflows of agent calls. Use flowhub.define to publish a workflow, flowhub.trigger to start it, flowhub.status to follow an execution, flowhub.respond to answer an approval, flowhub.cancel to stop an execution and flowhub.query to list workflows, executions, approvals or agents."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve runs the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP transport, for mounting at /mcp.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flowhub.define",
		mcp.WithDescription("Publish a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: name, trigger {subject, condition}, steps")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("flowhub.trigger",
		mcp.WithDescription("Start an execution of a published workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("payload", mcp.Description("Trigger payload, seeded into the execution context under 'trigger'")),
		mcp.WithString("correlation_id", mcp.Description("Correlation id; a live execution with the same id is returned instead of a new one")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowhub.status",
		mcp.WithDescription("Get an execution with its log and approvals"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("flowhub.respond",
		mcp.WithDescription("Approve or reject a pending approval request"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum(string(schema.ApprovalApproved), string(schema.ApprovalRejected)),
			mcp.Description("The decision"),
		),
		mcp.WithString("responded_by", mcp.Description("Who is responding")),
		mcp.WithString("reason", mcp.Description("Reason for the decision")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flowhub.cancel",
		mcp.WithDescription("Cancel an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowhub.query",
		mcp.WithDescription("Query workflows, executions, approvals, or agents"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "approvals", "agents"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, name, workflow_id, execution_id, capability, limit)")),
	)
}
