package validation

import (
	"fmt"
	"strings"

	"github.com/anaysingh0542/multi-agent/internal/expressions"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// validateSemantic checks what the schema cannot express: agent ids
// resolve to registered handlers, conditions compile in the plan's dialect,
// and steps.<id> references name a node of the plan.
//
// The executor tolerates all of these at run time (unknown agents escalate,
// broken conditions are false, missing references are nil), so every
// finding here is a warning.
func validateSemantic(plan *schema.Plan, agents AgentLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	checker := conditionChecker(plan.Dialect)

	ids := make(map[string]bool)
	for _, id := range schema.NodeIDs(plan.Root) {
		ids[id] = true
	}

	anonymous := hasAnonymousAgentCall(plan.Root)

	schema.Walk(plan.Root, "root", func(path string, n schema.Node) bool {
		if id := n.NodeID(); anonymous && anonymousStep.MatchString(id) {
			result.NodeWarning(path+".id", n, schema.ErrCodeValidation,
				fmt.Sprintf("id %q has the form given to anonymous agent calls and may be overwritten by one", id))
		}
		switch v := n.(type) {
		case *schema.AgentCallNode:
			if v.AgentID != "" && agents != nil && !agents.Has(v.AgentID) {
				result.NodeWarning(path+".agent_id", n, schema.ErrCodeHandlerUnavailable,
					fmt.Sprintf("agent_id %q does not resolve to a registered handler; the step will escalate", v.AgentID))
			}
		case *schema.BranchNode:
			for i, c := range v.Cases {
				checkCondition(checker, c.When, fmt.Sprintf("%s.branch.cases[%d].when", path, i), n, result)
			}
			if len(v.Cases) == 0 && len(v.Else) == 0 {
				result.NodeWarning(path+".branch", n, schema.ErrCodeValidation, "branch has no cases and no else")
			}
		case *schema.KeyBranchNode:
			if len(v.Cases) == 0 && !v.HasElse {
				result.NodeWarning(path+".cases", n, schema.ErrCodeValidation, "branch has no cases and no else")
			}
		case *schema.LoopNode:
			if strings.TrimSpace(v.Condition) == "" {
				result.NodeWarning(path+".loop", n, schema.ErrCodeValidation,
					"loop has no condition and stops only at max_iters or on identical outputs")
			} else {
				checkCondition(checker, v.Condition, path+".loop.condition", n, result)
			}
			if len(v.Tasks) == 0 {
				result.NodeWarning(path+".tasks", n, schema.ErrCodeValidation, "loop body is empty")
			}
		}

		for _, ref := range ownRefs(n) {
			if !ids[ref] && !anonymousStep.MatchString(ref) {
				result.NodeWarning(path, n, schema.ErrCodeValidation,
					fmt.Sprintf("references unknown step %q", ref))
			}
		}
		return true
	})
	return result
}

func hasAnonymousAgentCall(root schema.Node) bool {
	found := false
	schema.Walk(root, "", func(_ string, n schema.Node) bool {
		if a, ok := n.(*schema.AgentCallNode); ok && a.ID == "" {
			found = true
		}
		return !found
	})
	return found
}

// conditionChecker returns a compile-only checker for dialect, or nil when
// the dialect is unknown (reported by the structural stage).
func conditionChecker(dialect string) expressions.Checker {
	engine, err := expressions.NewConditionEngine(dialect)
	if err != nil {
		return nil
	}
	checker, _ := engine.(expressions.Checker)
	return checker
}

func checkCondition(checker expressions.Checker, expression, path string, n schema.Node, result *schema.ValidationResult) {
	if checker == nil || strings.TrimSpace(expression) == "" {
		return
	}
	if err := checker.Check(expression); err != nil {
		msg := err.Error()
		if pe, ok := err.(*schema.PlanError); ok {
			msg = pe.Message
		}
		result.NodeWarning(path, n, schema.ErrCodeExpression, msg+"; the condition will evaluate to false")
	}
}
