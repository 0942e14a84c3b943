package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anaysingh0542/multi-agent/internal/diagram"
	"github.com/anaysingh0542/multi-agent/internal/store"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

func newGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <plan>",
		Short: "Print a plan as a Mermaid flowchart or ASCII tree",
		Long: `Renders the plan tree. Branch cases and loop bodies become subgraphs.
With --run, nodes are coloured from the stored trace of that run:
completed, failed (escalated to HITL) or skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: graphPlan,
	}
	cmd.Flags().String("format", "mermaid", "output format: mermaid or ascii")
	cmd.Flags().String("run", "", "overlay the outcome of this stored run")
	return cmd
}

func graphPlan(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "mermaid" && format != "ascii" {
		return withExitCode(exitValidation, fmt.Errorf("unknown format %q (want mermaid or ascii)", format))
	}

	data, name, err := readPlan(cmd, args[0])
	if err != nil {
		return withExitCode(exitValidation, err)
	}
	plan, err := schema.ParsePlan(data, name)
	if err != nil {
		return withExitCode(exitValidation, err)
	}

	var trace []schema.TraceEvent
	if runID, _ := cmd.Flags().GetString("run"); runID != "" {
		a, err := newApp(cmd)
		if err != nil {
			return withExitCode(exitValidation, err)
		}
		defer a.Close()
		events, err := a.store.GetEvents(cmd.Context(), runID)
		if err != nil {
			return withExitCode(exitValidation, fmt.Errorf("load run %s: %w", runID, err))
		}
		trace = store.TraceOf(events)
	}

	model, err := diagram.Build(plan, trace)
	if err != nil {
		return withExitCode(exitValidation, err)
	}
	if format == "ascii" {
		fmt.Fprint(cmd.OutOrStdout(), diagram.RenderASCII(model))
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
	return nil
}
