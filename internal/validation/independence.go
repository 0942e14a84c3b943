package validation

import (
	"fmt"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

// validateIndependence warns when a parallel child references a node
// defined inside one of its siblings. Siblings run concurrently, so such a
// reference may observe the value or nil.
func validateIndependence(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	schema.Walk(plan.Root, "root", func(path string, n schema.Node) bool {
		par, ok := n.(*schema.ParallelNode)
		if !ok || len(par.Tasks) < 2 {
			return true
		}

		owner := make(map[string]int)
		for i, child := range par.Tasks {
			for _, id := range schema.NodeIDs(child) {
				owner[id] = i
			}
		}

		for i, child := range par.Tasks {
			for _, ref := range subtreeRefs(child) {
				j, defined := owner[ref]
				if !defined || j == i {
					continue
				}
				result.NodeWarning(fmt.Sprintf("%s.tasks[%d]", path, i), child, schema.ErrCodeValidation,
					fmt.Sprintf("parallel child %s references %q, which sibling %s produces concurrently",
						childName(child, i), ref, childName(par.Tasks[j], j)))
			}
		}
		return true
	})
	return result
}

func childName(n schema.Node, i int) string {
	if id := n.NodeID(); id != "" {
		return fmt.Sprintf("%q", id)
	}
	return schema.AnonymousKey(i)
}
