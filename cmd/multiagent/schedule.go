package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anaysingh0542/multi-agent/internal/scheduler"
	"github.com/anaysingh0542/multi-agent/internal/store"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule --cron <spec> <plan>",
		Short: "Run a plan on a cron schedule until interrupted",
		Long: `Runs the plan on a five-field cron spec; descriptors such as "@hourly"
or "@every 1m" are accepted. A run still in progress when the next slot
arrives is not started twice. Stops on SIGINT or SIGTERM.`,
		Args: cobra.ExactArgs(1),
		RunE: schedulePlan,
	}
	cmd.Flags().String("cron", "", "cron spec (required)")
	cmd.Flags().String("session", "", "session id for every scheduled run (default: a fresh one per run)")
	cmd.Flags().Duration("tick", scheduler.DefaultTick, "how often due jobs are checked")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func schedulePlan(cmd *cobra.Command, args []string) error {
	data, name, err := readPlan(cmd, args[0])
	if err != nil {
		return withExitCode(exitValidation, err)
	}

	a, err := newApp(cmd)
	if err != nil {
		return withExitCode(exitValidation, err)
	}
	defer a.Close()

	plan, result := a.validator.ValidateDocument(data, name)
	printIssues(cmd.ErrOrStderr(), result)
	if !result.Valid() {
		return withExitCode(exitValidation, fmt.Errorf("plan %s is invalid", name))
	}
	// Jobs store the plan as JSON whatever the source format was.
	doc, err := json.Marshal(plan)
	if err != nil {
		return withExitCode(exitValidation, err)
	}

	cronSpec, _ := cmd.Flags().GetString("cron")
	session, _ := cmd.Flags().GetString("session")
	tick, _ := cmd.Flags().GetDuration("tick")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler(a.store, scheduler.ExecutorRunner{Executor: a.executor}, a.logger, scheduler.WithTick(tick))
	job := &store.ScheduledJob{
		Name:           plan.Name,
		Plan:           doc,
		CronExpression: cronSpec,
		SessionID:      session,
	}
	if err := sched.AddJob(ctx, job); err != nil {
		return withExitCode(exitValidation, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scheduled job %s (%s), next run at %s\n",
		job.ID, cronSpec, job.NextRunAt.Format("2006-01-02 15:04:05 MST"))

	a.serveMetrics(ctx)
	if err := sched.Start(ctx); err != nil {
		return withExitCode(exitRuntime, err)
	}
	<-ctx.Done()
	a.logger.Info("shutting down scheduler", slog.String("job_id", job.ID))
	if err := sched.Stop(); err != nil {
		return withExitCode(exitRuntime, err)
	}

	// In-memory jobs vanish with the process; persisted ones stay listed but
	// disabled so a later schedule does not inherit them.
	disabled := false
	_ = a.store.UpdateScheduledJob(context.Background(), job.ID, store.ScheduledJobUpdate{Enabled: &disabled})
	return nil
}
