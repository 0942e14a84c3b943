package expressions

import (
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"
)

// Truthy applies the condition language's truthiness: nil, false, zero
// numbers, and empty strings, lists and maps are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// Length returns the number of elements of a string, list or map, and 0 for
// anything without a length.
func Length(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return utf8.RuneCountInString(val)
	case []any:
		return len(val)
	case map[string]any:
		return len(val)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len()
	}
	return 0
}

// Member implements "needle in haystack": substring for strings, element
// equality for lists, key presence for maps. Other haystacks are an error.
func Member(needle, haystack any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("'in <string>' requires string as left operand, not %T", needle)
		}
		return strings.Contains(h, s), nil
	case []any:
		for _, item := range h {
			if looseEqual(needle, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false, nil
		}
		_, found := h[s]
		return found, nil
	case nil:
		return false, fmt.Errorf("argument of type nil is not iterable")
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if looseEqual(needle, rv.Index(i).Interface()) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("argument of type %T is not iterable", haystack)
}

// looseEqual compares numbers by value regardless of their Go type.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
