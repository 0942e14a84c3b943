package engine

import (
	"context"
	"log/slog"

	"github.com/anaysingh0542/multi-agent/internal/logging"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// runNode dispatches one node. Every node with an id files its result in
// the step outputs once it succeeds; agent calls file their own.
func (r *run) runNode(ctx context.Context, n schema.Node) (any, error) {
	if limit := int64(r.config.GlobalStepCap); r.steps.Load() >= limit {
		return nil, schema.NewErrorf(schema.ErrCodeStepCapExceeded,
			"global step cap of %d exceeded", limit).WithNode(n.NodeID())
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err).WithNode(n.NodeID())
	}

	r.metrics.nodeDispatched(string(n.Kind()))
	if leaf, ok := n.(*schema.AgentCallNode); ok {
		return r.runAgent(ctx, leaf)
	}

	id := n.NodeID()
	if id != "" {
		ctx = logging.WithNodeID(ctx, id)
	}
	ctx, span := r.startNodeSpan(ctx, n)
	out, err := r.dispatch(ctx, n)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	if id != "" {
		r.outputs.set(id, out)
	}
	return out, nil
}

func (r *run) dispatch(ctx context.Context, n schema.Node) (any, error) {
	id := n.NodeID()
	switch v := n.(type) {
	case *schema.LoopNode:
		r.emit(schema.EventLoopEnter, id, nil)
		out, err := r.runLoop(ctx, v)
		if err != nil {
			return nil, err
		}
		r.emit(schema.EventLoopExit, id, nil)
		return out, nil

	case *schema.BranchNode:
		r.emit(schema.EventBranchEnter, id, nil)
		out, err := r.runBranch(ctx, v)
		if err != nil {
			return nil, err
		}
		r.emit(schema.EventBranchExit, id, nil)
		return out, nil

	case *schema.KeyBranchNode:
		r.emit(schema.EventBranchEnter, id, nil)
		out, err := r.runKeyBranch(ctx, v)
		if err != nil {
			return nil, err
		}
		r.emit(schema.EventBranchExit, id, nil)
		return out, nil

	case *schema.SequentialNode:
		return r.runSequence(ctx, v.Tasks)

	case *schema.ParallelNode:
		return r.runParallel(ctx, v)

	case *schema.UnknownNode:
		r.emit(schema.EventNodeSkipped, id, map[string]any{"type": v.Type})
		r.logger.WarnContext(ctx, "skipping unknown node type", slog.String("type", v.Type))
		return nil, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported node %T", n).WithNode(id)
	}
}

// runSequence runs nodes in order and returns the last result.
// An empty list yields nil.
func (r *run) runSequence(ctx context.Context, nodes []schema.Node) (any, error) {
	var out any
	for _, child := range nodes {
		res, err := r.runNode(ctx, child)
		if err != nil {
			return nil, err
		}
		out = res
	}
	return out, nil
}

// eval evaluates a condition against fresh snapshots. Failures count as false.
func (r *run) eval(ctx context.Context, expression string) bool {
	return r.conds.Eval(ctx, expression, r.state.Snapshot(), r.outputs.snapshot())
}
