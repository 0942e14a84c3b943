package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/anaysingh0542/multi-agent/internal/store"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List stored runs, or print the trace of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listRuns,
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to list")
	cmd.Flags().String("status", "", "only runs with this status (running, completed, needs_input, failed)")
	cmd.Flags().String("session", "", "only runs of this session")
	return cmd
}

func listRuns(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return withExitCode(exitValidation, err)
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		r, err := a.store.GetRun(ctx, args[0])
		if err != nil {
			return withExitCode(exitValidation, err)
		}
		events, err := a.store.GetEvents(ctx, r.ID)
		if err != nil {
			return withExitCode(exitValidation, err)
		}
		fmt.Fprintf(out, "Run %s (%s) plan=%s session=%s hitl=%t\n", r.ID, r.Status, r.PlanName, r.SessionID, r.HITL)
		if r.Error != "" {
			fmt.Fprintf(out, "Error: %s\n", r.Error)
		}
		return printTrace(out, store.TraceOf(events))
	}

	limit, _ := cmd.Flags().GetInt("limit")
	status, _ := cmd.Flags().GetString("status")
	session, _ := cmd.Flags().GetString("session")
	runs, err := a.store.ListRuns(ctx, store.RunFilter{
		Status:    schema.RunStatus(status),
		SessionID: session,
		Limit:     limit,
	})
	if err != nil {
		return withExitCode(exitValidation, err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPLAN\tSESSION\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.PlanName, r.SessionID, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
