package expressions

import (
	"fmt"
	"strings"
)

// Resolver renders {{ path }} placeholders in agent-call parameters.
//
// Rendering recurses through maps and lists. A string that is exactly one
// placeholder resolves to the referenced value with its native type. Any
// other string has each placeholder replaced by the value's text form:
// maps and lists as compact JSON, everything else via fmt. Unresolvable
// references render as the missing value and never fail.
type Resolver struct {
	data map[string]any
}

// NewResolver creates a resolver over the state snapshot and step outputs.
func NewResolver(state, steps map[string]any) *Resolver {
	return &Resolver{data: Scope(state, steps)}
}

// Render resolves placeholders in value, returning a new value.
func (r *Resolver) Render(value any) any {
	switch v := value.(type) {
	case string:
		return r.renderString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.Render(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.Render(item)
		}
		return out
	default:
		return value
	}
}

// RenderParams renders an agent-call parameter map.
func (r *Resolver) RenderParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return r.Render(params).(map[string]any)
}

func (r *Resolver) renderString(s string) any {
	if start, end, inner, ok := nextPlaceholder(s, 0); ok && start == 0 && end == len(s) {
		return Lookup(inner, r.data)
	}
	if !strings.Contains(s, "{{") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		start, end, inner, ok := nextPlaceholder(s, i)
		if !ok {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i:start])
		b.WriteString(TextOf(Lookup(inner, r.data)))
		i = end
	}
	return b.String()
}

// nextPlaceholder finds the first placeholder at or after from. The inner
// text runs up to the first '}' and must be followed by "}}".
func nextPlaceholder(s string, from int) (start, end int, inner string, ok bool) {
	for from < len(s) {
		idx := strings.Index(s[from:], "{{")
		if idx == -1 {
			return 0, 0, "", false
		}
		start = from + idx
		body := start + 2
		closeIdx := strings.IndexByte(s[body:], '}')
		if closeIdx > 0 && body+closeIdx+1 < len(s) && s[body+closeIdx+1] == '}' {
			inner = strings.TrimSpace(s[body : body+closeIdx])
			if inner != "" {
				return start, body + closeIdx + 2, inner, true
			}
		}
		from = start + 1
	}
	return 0, 0, "", false
}

// TextOf is the text form of a resolved value used inside larger strings.
func TextOf(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any, []any:
		data, err := CompactJSON(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}
