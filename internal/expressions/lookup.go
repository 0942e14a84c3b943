package expressions

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Scope builds the evaluation data for one condition or template: the
// state snapshot under "state" and the step outputs under "steps".
func Scope(state, steps map[string]any) map[string]any {
	if state == nil {
		state = map[string]any{}
	}
	if steps == nil {
		steps = map[string]any{}
	}
	return map[string]any{"state": state, "steps": steps}
}

// Lookup resolves a dotted reference against evaluation data built by Scope.
//
//	state.<path>             walks the state snapshot
//	steps.<id>[.<path>]      walks a step output; an "output" segment is skipped
//
// Missing keys resolve to nil. Step outputs that hold JSON text are decoded
// when the walk has to descend into them and at the leaf. Numeric segments
// index into lists. Any other prefix resolves to nil.
func Lookup(path string, data map[string]any) any {
	path = strings.TrimSpace(path)
	switch {
	case strings.HasPrefix(path, "state."):
		state, _ := data["state"].(map[string]any)
		return walkState(state, splitPath(path[len("state."):]))
	case strings.HasPrefix(path, "steps."):
		steps, _ := data["steps"].(map[string]any)
		return walkSteps(steps, splitPath(path[len("steps."):]))
	default:
		return nil
	}
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, ".")
}

func walkState(state map[string]any, parts []string) any {
	var cur any = state
	for _, p := range parts {
		if cur == nil {
			return nil
		}
		next, ok := descend(cur, p)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func walkSteps(steps map[string]any, parts []string) any {
	if len(parts) == 0 || parts[0] == "" {
		return nil
	}
	cur := steps[parts[0]]
	for _, p := range parts[1:] {
		if p == "output" {
			continue
		}
		if s, ok := cur.(string); ok {
			decoded, isJSON := decodeJSONText(s)
			if !isJSON {
				return cur
			}
			cur = decoded
		}
		next, ok := descend(cur, p)
		if !ok {
			if _, isList := cur.([]any); isList && isIndex(p) {
				return nil
			}
			// cannot traverse deeper
			return cur
		}
		cur = next
	}
	if s, ok := cur.(string); ok {
		if decoded, isJSON := decodeJSONText(s); isJSON {
			return decoded
		}
	}
	return cur
}

// descend moves one segment into a map or list. ok is false when cur is
// not a container or the segment does not address an element.
func descend(cur any, seg string) (any, bool) {
	switch c := cur.(type) {
	case map[string]any:
		return c[seg], true
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	default:
		return nil, false
	}
}

func isIndex(seg string) bool {
	_, err := strconv.Atoi(seg)
	return err == nil
}

// decodeJSONText parses s when it looks like a JSON object or array.
func decodeJSONText(s string) (any, bool) {
	t := strings.TrimSpace(s)
	if len(t) < 2 {
		return nil, false
	}
	if !(t[0] == '{' && t[len(t)-1] == '}') && !(t[0] == '[' && t[len(t)-1] == ']') {
		return nil, false
	}
	var out any
	if err := json.Unmarshal([]byte(t), &out); err != nil {
		return nil, false
	}
	return out, true
}
