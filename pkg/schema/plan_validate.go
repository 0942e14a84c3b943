package schema

import (
	"fmt"
	"strings"
)

// Validate checks the structural invariants the executor relies on:
// a root node exists and node ids are unique across the whole tree.
// Unknown node kinds are warnings unless strictKinds is set.
func (p *Plan) Validate(strictKinds bool) *ValidationResult {
	r := &ValidationResult{}
	if p == nil {
		r.AddError("/", ErrCodeValidation, "plan is nil")
		return r
	}
	if p.Root == nil {
		r.AddError("root", ErrCodeValidation, "plan missing root")
		return r
	}
	switch p.Dialect {
	case "", "expr", "cel":
	default:
		r.AddError("dialect", ErrCodeValidation, fmt.Sprintf("unknown condition dialect %q", p.Dialect))
	}

	seen := make(map[string]string)
	Walk(p.Root, "root", func(path string, n Node) bool {
		if id := n.NodeID(); id != "" {
			if first, dup := seen[id]; dup {
				r.NodeError(path, n, ErrCodeValidation, fmt.Sprintf("duplicate node id %q (first defined at %s)", id, first))
			} else {
				seen[id] = path
			}
			if strings.ContainsAny(id, ".#") {
				r.NodeWarning(path, n, ErrCodeValidation, fmt.Sprintf("node id %q contains '.' or '#' and cannot be referenced from templates", id))
			}
		}

		switch v := n.(type) {
		case *KeyBranchNode:
			if strings.TrimSpace(v.Key) == "" {
				r.NodeError(path, n, ErrCodeValidation, "branch_key is empty")
			}
		case *BranchNode:
			for i, c := range v.Cases {
				if strings.TrimSpace(c.When) == "" {
					r.NodeWarning(fmt.Sprintf("%s.branch.cases[%d]", path, i), n, ErrCodeValidation, "case has no condition and will never match")
				}
			}
		case *ParallelNode:
			for i, c := range v.Tasks {
				if c.NodeID() == "" {
					r.NodeWarning(fmt.Sprintf("%s.tasks[%d]", path, i), c, ErrCodeValidation,
						fmt.Sprintf("parallel child has no id; its result is keyed as %q", AnonymousKey(i)))
				}
			}
		case *AgentCallNode:
			if v.AgentID == "" {
				r.NodeWarning(path, n, ErrCodeValidation, "agent_call has no agent_id")
			}
		case *UnknownNode:
			msg := fmt.Sprintf("unknown node type %q", v.Type)
			if strictKinds {
				r.NodeError(path, n, ErrCodeValidation, msg)
			} else {
				r.NodeWarning(path, n, ErrCodeValidation, msg+"; node will be skipped")
			}
		}
		return true
	})
	return r
}

// AnonymousKey is the aggregate-result key for a parallel child without an id.
func AnonymousKey(index int) string {
	return fmt.Sprintf("anon#%d", index)
}

// NodeIDs returns every node id in the subtree rooted at n.
func NodeIDs(n Node) []string {
	var ids []string
	Walk(n, "", func(_ string, node Node) bool {
		if id := node.NodeID(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}
