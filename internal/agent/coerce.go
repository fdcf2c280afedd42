package agent

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Coercions for values crossing the agent-YAML boundary. This is the one
// layer where forgiving parsing is allowed; consumers of the coerced values
// stay strict.

// StringValue renders any YAML scalar as a string. Floats print without a
// trailing ".0" so an unquoted story key 1.1 round-trips as "1.1".
func StringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(v)
	}
}

// IntValue coerces YAML int-like scalars, including quoted numbers.
func IntValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int64(n)) {
			return int(n), true
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// StringList coerces a YAML sequence to strings. Single-entry mappings like
// {AC7: "text"} flatten to "AC7: text"; multi-entry mappings flatten to one
// line per entry, sorted by key for determinism.
func StringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		switch value := item.(type) {
		case map[string]any:
			keys := make([]string, 0, len(value))
			for k := range value {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out = append(out, fmt.Sprintf("%s: %s", k, StringValue(value[k])))
			}
		default:
			if s := StringValue(value); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// IntList coerces a YAML sequence of numbers, skipping entries that carry
// no parsable number.
func IntList(v any) []int {
	items, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]int, 0, len(items))
	for _, item := range items {
		if n, ok := IntValue(item); ok {
			out = append(out, n)
		}
	}
	return out
}

// MapValue returns v as a string-keyed mapping, or nil when it is not one.
func MapValue(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// MapList coerces a YAML sequence of mappings, skipping non-map entries.
func MapList(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
