package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anaysingh0542/multi-agent/pkg/mcp"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve plan tools over MCP (stdio)",
		Long: `Starts a Model Context Protocol server on stdin/stdout exposing the tools
plan.execute, plan.validate, plan.diagram, plan.handlers and plan.runs.
Logs go to stderr so they never corrupt the JSON-RPC stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return withExitCode(exitValidation, err)
			}
			defer a.Close()

			srv, err := mcp.NewPlanServer(mcp.PlanServerDeps{
				Executor:   a.executor,
				Store:      a.store,
				Registry:   a.registry,
				AgentTable: a.table,
				Validator:  a.validator,
				Logger:     a.logger,
			})
			if err != nil {
				return withExitCode(exitRuntime, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.serveMetrics(ctx)

			a.logger.Info("MCP server starting (stdio)")
			if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
				return withExitCode(exitRuntime, err)
			}
			a.logger.Info("MCP server stopped", slog.Bool("interrupted", ctx.Err() != nil))
			return nil
		},
	}
}
