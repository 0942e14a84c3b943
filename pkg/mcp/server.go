package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/anaysingh0542/multi-agent/internal/engine"
	"github.com/anaysingh0542/multi-agent/internal/handlers"
	"github.com/anaysingh0542/multi-agent/internal/store"
	"github.com/anaysingh0542/multi-agent/internal/validation"
)

// Version is reported to MCP clients during initialization.
var Version = "dev"

// PlanServerDeps holds the dependencies for creating a PlanServer.
type PlanServerDeps struct {
	Executor   engine.Executor
	Store      store.Store // optional; plan.runs and diagram overlays need it
	Registry   *handlers.Registry
	AgentTable handlers.AgentTable
	Validator  *validation.PlanValidator
	Logger     *slog.Logger
}

// PlanServer wraps an MCP server with plan tool handlers.
type PlanServer struct {
	executor  engine.Executor
	store     store.Store
	registry  *handlers.Registry
	table     handlers.AgentTable
	validator *validation.PlanValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewPlanServer creates a PlanServer with all 5 tools registered.
func NewPlanServer(deps PlanServerDeps) (*PlanServer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	reg := deps.Registry
	if reg == nil {
		reg = handlers.Defaults()
	}
	table := deps.AgentTable
	if table == nil {
		table = handlers.DefaultAgentTable()
	}
	v := deps.Validator
	if v == nil {
		var err error
		v, err = validation.NewPlanValidator(validation.WithAgents(validation.HandlerLookup(table, reg)))
		if err != nil {
			return nil, err
		}
	}

	s := &PlanServer{
		executor:  deps.Executor,
		store:     deps.Store,
		registry:  reg,
		table:     table,
		validator: v,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"multiagent",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Runs multi-agent plans: trees of sequential, parallel, branch and loop nodes whose leaves call registered agent handlers. Use plan.validate before plan.execute, plan.diagram to render a plan (optionally with the outcome of a stored run), plan.handlers to list callable agents and plan.runs to inspect persisted runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PlanServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PlanServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *PlanServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: handlersTool(), Handler: s.handleHandlers},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}

// --- Tool definitions ---

func planArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithObject("plan", mcp.Description("Plan document as an object with a root node")),
		mcp.WithString("plan_text", mcp.Description("Plan document as JSON or YAML text (used when plan is absent)")),
	}
}

func executeTool() mcp.Tool {
	opts := append(planArgs(),
		mcp.WithDescription("Validate and execute a plan, returning the final output, step outputs and trace"),
		mcp.WithString("session_id", mcp.Description("Session identifier recorded on the run (default: the MCP session)")),
		mcp.WithString("query", mcp.Description("Original user query stored in the execution state")),
		mcp.WithObject("metadata", mcp.Description("Initial state metadata, readable as state.metadata.* in templates and conditions")),
	)
	return mcp.NewTool("plan.execute", opts...)
}

func validateTool() mcp.Tool {
	opts := append(planArgs(),
		mcp.WithDescription("Validate a plan and report errors and warnings without running it"),
	)
	return mcp.NewTool("plan.validate", opts...)
}

func diagramTool() mcp.Tool {
	opts := append(planArgs(),
		mcp.WithDescription("Render a plan as a Mermaid flowchart or an ASCII tree, optionally overlaid with a stored run's outcome"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid"),
			mcp.Description("Output format: ascii (text tree) or mermaid (flowchart syntax)"),
		),
		mcp.WithString("run_id", mcp.Description("Stored run whose trace is overlaid on the diagram")),
	)
	return mcp.NewTool("plan.diagram", opts...)
}

func handlersTool() mcp.Tool {
	return mcp.NewTool("plan.handlers",
		mcp.WithDescription("List registered agent handlers and the agent ids that resolve to them"),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("plan.runs",
		mcp.WithDescription("List stored runs, or return one run with its events and handler invocations"),
		mcp.WithString("run_id", mcp.Description("Run to fetch in full")),
		mcp.WithObject("filter", mcp.Description("Filter criteria for listing (status, session_id, limit)")),
	)
}
