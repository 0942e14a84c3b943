package scheduler

import (
	"context"

	"github.com/anaysingh0542/multi-agent/internal/engine"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// ExecutorRunner adapts an engine.Executor to PlanRunner.
type ExecutorRunner struct {
	Executor engine.Executor
}

// RunPlan executes plan in a fresh state for sessionID.
func (r ExecutorRunner) RunPlan(ctx context.Context, plan *schema.Plan, sessionID string) (string, schema.RunStatus, error) {
	res, err := r.Executor.Execute(ctx, plan, engine.NewState(plan, sessionID, ""))
	status := schema.RunStatusCompleted
	switch {
	case err != nil:
		status = schema.RunStatusFailed
	case res.HITL:
		status = schema.RunStatusNeedsInput
	}
	return res.RunID, status, err
}
