package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/anaysingh0542/multi-agent/internal/expressions"
	"github.com/anaysingh0542/multi-agent/internal/handlers"
	"github.com/anaysingh0542/multi-agent/internal/logging"
	"github.com/anaysingh0542/multi-agent/internal/store"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// runAgent executes an agent-call leaf. Anonymous leaves are filed under
// "step_<n>", n being the run's agent-call count.
func (r *run) runAgent(ctx context.Context, n *schema.AgentCallNode) (any, error) {
	count := r.steps.Add(1)
	stepID := n.ID
	if stepID == "" {
		stepID = fmt.Sprintf("step_%d", count)
	}
	ctx = logging.WithAgentID(logging.WithNodeID(ctx, stepID), n.AgentID)

	params := expressions.NewResolver(r.state.Snapshot(), r.outputs.snapshot()).RenderParams(n.Parameters)

	h, err := r.config.AgentTable.Resolve(r.registry, n.AgentID)
	if err != nil {
		r.escalate(ctx, stepID, schema.HITLUnknownHandler,
			fmt.Sprintf("Unknown agent_id '%s' at step '%s'", n.AgentID, stepID))
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "unknown agent: %s", n.AgentID).
			WithNode(stepID).WithCause(err).MarkEscalated()
	}

	r.emit(schema.EventAgentStart, stepID, map[string]any{
		"agent_id": n.AgentID,
		"params":   params,
	})

	task, err := expressions.CompactJSON(params)
	var result string
	if err == nil {
		result, err = r.invoke(ctx, h, stepID, n.AgentID, string(task))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cancelled(ctxErr).WithNode(stepID)
		}
		r.escalate(ctx, stepID, schema.HITLHandlerFailed,
			fmt.Sprintf("Agent '%s' failed at step '%s': %s", n.AgentID, stepID, errMessage(err)))
		return nil, schema.NewErrorf(schema.ErrCodeHandlerFailed, "agent %s failed: %s", n.AgentID, errMessage(err)).
			WithNode(stepID).WithCause(err).MarkEscalated()
	}

	// A sibling's failure may have cancelled ctx while the handler ran on;
	// its result is then discarded.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, cancelled(ctxErr).WithNode(stepID)
	}

	r.outputs.set(stepID, result)
	r.emit(schema.EventAgentEnd, stepID, map[string]any{"agent_id": n.AgentID})
	r.state.SetMetadata("last_step", map[string]any{
		"agent":    n.AgentID,
		"result":   result,
		"parsed":   nil,
		"vars_set": []any{},
	})
	r.state.AddAgentResult(schema.AgentResult{
		AgentName:       h.Name(),
		TaskDescription: string(task),
		Result:          result,
		Status:          schema.TaskStatusCompleted,
	})
	return result, nil
}

// invoke runs the handler against a state snapshot. A panic becomes a
// HANDLER_FAILED error.
func (r *run) invoke(ctx context.Context, h handlers.Handler, stepID, agentID, task string) (result string, err error) {
	ctx, span := r.startAgentSpan(ctx, stepID, agentID, h.Name())
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			result = ""
			err = schema.NewErrorf(schema.ErrCodeHandlerFailed, "handler panicked: %v", p)
		}
		elapsed := time.Since(start)

		inv := &store.Invocation{
			StepID:     stepID,
			AgentID:    agentID,
			Handler:    h.Name(),
			Task:       task,
			Result:     result,
			Status:     schema.TaskStatusCompleted,
			DurationMs: elapsed.Milliseconds(),
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			inv.Status = schema.TaskStatusFailed
			inv.Error = errMessage(err)
		}
		r.metrics.handlerObserved(agentID, outcome, elapsed)
		r.recordInvocation(ctx, inv)
		endSpan(span, err)
	}()

	return h.Run(ctx, task, r.state.Snapshot())
}
