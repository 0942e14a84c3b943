package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/anaysingh0542/multi-agent/internal/expressions"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// runBranch runs the single case whose condition holds. Every condition is
// evaluated against the same snapshot; zero or several matches without an
// else escalate and yield nil.
func (r *run) runBranch(ctx context.Context, n *schema.BranchNode) (any, error) {
	state, steps := r.state.Snapshot(), r.outputs.snapshot()

	var matches []int
	for i, c := range n.Cases {
		if strings.TrimSpace(c.When) == "" {
			continue
		}
		if r.conds.Eval(ctx, c.When, state, steps) {
			matches = append(matches, i)
		}
	}

	var selected []schema.Node
	switch len(matches) {
	case 1:
		c := n.Cases[matches[0]]
		r.emit(schema.EventBranchSelect, n.ID, map[string]any{"mode": "explicit", "when": c.When})
		selected = c.Tasks
	case 0:
		if len(n.Else) == 0 {
			r.escalate(ctx, n.ID, schema.HITLBranchNoMatch,
				fmt.Sprintf("Branch '%s' ambiguous: no condition matched and no else provided", n.ID))
			return nil, nil
		}
		r.emit(schema.EventBranchSelect, n.ID, map[string]any{"mode": "explicit", "when": "else"})
		selected = n.Else
	default:
		r.escalate(ctx, n.ID, schema.HITLBranchMultiple,
			fmt.Sprintf("Branch '%s' ambiguous: multiple conditions matched", n.ID))
		return nil, nil
	}
	return r.runSequence(ctx, selected)
}

// runKeyBranch selects the case labelled with the value at the branch key.
// Bare keys are read from state.
func (r *run) runKeyBranch(ctx context.Context, n *schema.KeyBranchNode) (any, error) {
	key := strings.TrimSpace(n.Key)
	if key == "" {
		r.escalate(ctx, n.ID, schema.HITLBranchInvalid,
			fmt.Sprintf("Branch '%s' invalid specification", n.ID))
		return nil, nil
	}
	if !strings.HasPrefix(key, "state.") && !strings.HasPrefix(key, "steps.") {
		key = "state." + key
	}
	val := expressions.Lookup(key, expressions.Scope(r.state.Snapshot(), r.outputs.snapshot()))

	if label, ok := caseLabel(val); ok {
		if tasks, found := n.Cases[label]; found {
			r.emit(schema.EventBranchSelect, n.ID, map[string]any{"mode": "key", "value": val})
			return r.runSequence(ctx, tasks)
		}
	}
	if n.HasElse {
		r.emit(schema.EventBranchSelect, n.ID, map[string]any{"mode": "key", "value": "else"})
		return r.runSequence(ctx, n.Else)
	}

	r.escalate(ctx, n.ID, schema.HITLBranchNoMatch,
		fmt.Sprintf("Branch '%s' has no matching case for value '%s' and no else", n.ID, expressions.TextOf(val)))
	return nil, nil
}

// caseLabel is the case label a looked-up value selects: strings match
// as-is, other values by their JSON text. Absent values match nothing.
func caseLabel(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	default:
		data, err := expressions.CompactJSON(val)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}
