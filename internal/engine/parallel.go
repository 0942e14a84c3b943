package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// childError tags a parallel child's failure with its result key.
type childError struct {
	key string
	err error
}

func (e *childError) Error() string { return e.err.Error() }
func (e *childError) Unwrap() error { return e.err }

// resultKey is the aggregate key of the i-th parallel child.
func resultKey(child schema.Node, i int) string {
	if id := child.NodeID(); id != "" {
		return id
	}
	return schema.AnonymousKey(i)
}

// runParallel fans the children out onto a bounded pool. The first failure
// cancels the siblings and fails the node.
func (r *run) runParallel(ctx context.Context, n *schema.ParallelNode) (any, error) {
	children := make([]any, len(n.Tasks))
	for i, c := range n.Tasks {
		children[i] = optID(c.NodeID())
	}
	r.emit(schema.EventParallelStart, n.ID, map[string]any{"children": children})

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewWorkerPool(r.config.MaxWorkers, CancelOnError(cancel))
	defer pool.Shutdown()

	results := make([]any, len(n.Tasks))
	var submitErr error
	for i, child := range n.Tasks {
		key := resultKey(child, i)
		err := pool.Submit(pctx, func(ctx context.Context) error {
			out, err := r.runNode(withParallelChild(ctx, key), child)
			if err != nil {
				return &childError{key: key, err: err}
			}
			results[i] = out
			return nil
		})
		if err != nil {
			submitErr = err
			break
		}
	}

	err := pool.Wait()
	if err == nil && submitErr != nil {
		err = cancelled(submitErr).WithNode(n.ID)
	}
	if err != nil {
		return nil, r.parallelFailure(ctx, n, err)
	}

	agg := make(map[string]any, len(n.Tasks))
	for i, child := range n.Tasks {
		agg[resultKey(child, i)] = results[i]
	}
	r.emit(schema.EventParallelEnd, n.ID, nil)
	return agg, nil
}

// parallelFailure escalates a child failure that nothing below has escalated
// yet and returns the error to propagate.
func (r *run) parallelFailure(ctx context.Context, n *schema.ParallelNode, err error) error {
	key := n.ID
	var ce *childError
	if errors.As(err, &ce) {
		key, err = ce.key, ce.err
	}
	if !escalatable(err) {
		return err
	}

	msg := fmt.Sprintf("Parallel step '%s' failed: %s", key, errMessage(err))
	r.escalateWith(ctx, key, map[string]any{
		"message":        msg,
		"reason":         schema.HITLParallelFailed,
		"parallel_child": key,
	})

	var pe *schema.PlanError
	if errors.As(err, &pe) {
		return pe.MarkEscalated()
	}
	return schema.NewError(schema.ErrCodeExecution, msg).WithNode(key).WithCause(err).MarkEscalated()
}
