package validation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

var (
	// {{ steps.<id>... }} inside a parameter value.
	templateStepRef = regexp.MustCompile(`\{\{\s*steps\.([^.}\s]+)`)
	// steps.<id> inside a condition or branch key.
	exprStepRef = regexp.MustCompile(`\bsteps\.([A-Za-z0-9_\-]+)`)
	// ids given to anonymous agent calls at run time.
	anonymousStep = regexp.MustCompile(`^step_[0-9]+$`)
)

// ownRefs returns the step ids referenced by n itself, not its children,
// sorted and without duplicates.
func ownRefs(n schema.Node) []string {
	set := map[string]bool{}
	switch v := n.(type) {
	case *schema.AgentCallNode:
		collectTemplateRefs(v.Parameters, set)
	case *schema.BranchNode:
		for _, c := range v.Cases {
			collectExprRefs(c.When, set)
		}
	case *schema.KeyBranchNode:
		if strings.HasPrefix(strings.TrimSpace(v.Key), "steps.") {
			collectExprRefs(v.Key, set)
		}
	case *schema.LoopNode:
		collectExprRefs(v.Condition, set)
	}
	return sortedKeys(set)
}

// subtreeRefs returns the step ids referenced anywhere under n.
func subtreeRefs(n schema.Node) []string {
	set := map[string]bool{}
	schema.Walk(n, "", func(_ string, node schema.Node) bool {
		for _, ref := range ownRefs(node) {
			set[ref] = true
		}
		return true
	})
	return sortedKeys(set)
}

func collectTemplateRefs(v any, set map[string]bool) {
	switch val := v.(type) {
	case string:
		for _, m := range templateStepRef.FindAllStringSubmatch(val, -1) {
			set[m[1]] = true
		}
	case map[string]any:
		for _, item := range val {
			collectTemplateRefs(item, set)
		}
	case []any:
		for _, item := range val {
			collectTemplateRefs(item, set)
		}
	}
}

func collectExprRefs(expression string, set map[string]bool) {
	for _, m := range exprStepRef.FindAllStringSubmatch(expression, -1) {
		set[m[1]] = true
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
