package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

type parallelChildKey struct{}

// withParallelChild marks ctx as running inside the parallel child whose
// aggregate key is key. The innermost parallel wins.
func withParallelChild(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, parallelChildKey{}, key)
}

func parallelChild(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(parallelChildKey{}).(string)
	return key, ok
}

// escalate routes a failure or ambiguity to a human. It logs the message,
// appends a failed HumanAssistant entry to the invocation history and
// records a hitl trace event. Inside a parallel node the event also names
// the child in "parallel_child". Callers decide whether to also fail.
func (r *run) escalate(ctx context.Context, nodeID, reason, message string) {
	fields := map[string]any{
		"message": message,
		"reason":  reason,
	}
	if key, ok := parallelChild(ctx); ok {
		fields["parallel_child"] = key
	}
	r.escalateWith(ctx, nodeID, fields)
}

func (r *run) escalateWith(ctx context.Context, nodeID string, fields map[string]any) {
	message, _ := fields["message"].(string)
	reason, _ := fields["reason"].(string)
	r.logger.ErrorContext(ctx, message, slog.String("reason", reason))
	r.state.AddAgentResult(schema.AgentResult{
		AgentName:       schema.HumanAssistantName,
		TaskDescription: message,
		Result:          message,
		Status:          schema.TaskStatusFailed,
		ErrorMessage:    message,
	})
	r.emit(schema.EventHITL, nodeID, fields)
	r.metrics.hitlEscalated(reason)
}

// errMessage is the human-facing text of err, without the code prefix.
func errMessage(err error) string {
	var pe *schema.PlanError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// cancelled converts a context error into a CANCELLED PlanError.
func cancelled(err error) *schema.PlanError {
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err)
}

// escalatable reports whether a failure still needs a hitl event.
// The step cap and cancellation abort without one.
func escalatable(err error) bool {
	return !schema.IsEscalated(err) &&
		!schema.HasCode(err, schema.ErrCodeStepCapExceeded) &&
		!schema.HasCode(err, schema.ErrCodeCancelled)
}
