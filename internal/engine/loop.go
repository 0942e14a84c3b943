package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/anaysingh0542/multi-agent/internal/expressions"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// runLoop runs the body until the condition fails, the iteration bound is
// reached, or two consecutive iterations produce the same result. The last
// case escalates. The result is the last body result.
func (r *run) runLoop(ctx context.Context, n *schema.LoopNode) (any, error) {
	maxIters := n.MaxIters
	if maxIters <= 0 {
		maxIters = r.config.MaxIters
	}
	cond := strings.TrimSpace(n.Condition)
	id := n.ID

	var (
		result   any
		last     string
		haveLast bool
		iters    int
	)
	for iter := 0; ; {
		r.emit(schema.EventLoopIterStart, id, map[string]any{"iter": iter})
		if !n.DoWhile && cond != "" && !r.eval(ctx, cond) {
			r.emit(schema.EventLoopConditionFalse, id, map[string]any{"iter": iter, "phase": "pre"})
			break
		}

		out, err := r.runSequence(ctx, n.Tasks)
		if err != nil {
			return nil, err
		}
		result = out

		ser := serialize(result)
		if haveLast && ser == last {
			r.emit(schema.EventLoopIterIdentical, id, map[string]any{"iter": iter})
			r.escalate(ctx, id, schema.HITLLoopNoProgress,
				fmt.Sprintf("Loop '%s' detected identical outputs across iterations; halting for HITL", id))
			break
		}
		last, haveLast = ser, true

		iters++
		iter++
		if iters >= maxIters {
			r.emit(schema.EventLoopMaxIters, id, map[string]any{"iter": iter})
			break
		}

		if !n.DoWhile {
			r.emit(schema.EventLoopConditionTrue, id, map[string]any{"iter": iter, "phase": "pre"})
			continue
		}
		if cond != "" && !r.eval(ctx, cond) {
			r.emit(schema.EventLoopConditionFalse, id, map[string]any{"iter": iter, "phase": "post"})
			break
		}
		r.emit(schema.EventLoopConditionTrue, id, map[string]any{"iter": iter, "phase": "post"})
	}
	return result, nil
}

// serialize renders a body result in a canonical comparable form.
// Map keys are sorted by the encoder.
func serialize(v any) string {
	data, err := expressions.CompactJSON(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
