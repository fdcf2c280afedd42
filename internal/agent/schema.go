package agent

import (
	"fmt"
	"strings"

	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

// Kind is the expected YAML kind of a schema field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindMap    Kind = "map"
	// KindAny accepts any non-nil value.
	KindAny Kind = "any"
)

// Field declares one top-level field of an agent output schema.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	// Enum restricts a string field to the listed values.
	Enum []string
	// Aliases normalizes known variant spellings before enum checking,
	// e.g. "failure" -> "failed".
	Aliases map[string]string
}

// Schema declares the shape an agent's YAML output must satisfy.
// Validation covers top-level fields only; element-level coercions belong
// to the workflow that consumes the parsed map.
type Schema struct {
	Name   string
	Fields []Field
}

// Validate checks doc against the schema. Alias normalization mutates doc
// in place so callers read canonical values. All problems are collected
// into a single error.
func (s *Schema) Validate(doc map[string]any) error {
	var problems []string

	for _, f := range s.Fields {
		value, present := doc[f.Name]
		if !present || value == nil {
			if f.Required {
				problems = append(problems, fmt.Sprintf("missing required field '%s'", f.Name))
			}
			continue
		}

		switch f.Kind {
		case KindString:
			str, ok := value.(string)
			if !ok {
				problems = append(problems, fmt.Sprintf("field '%s' must be a string, got %T", f.Name, value))
				continue
			}
			if canonical, ok := f.Aliases[str]; ok {
				str = canonical
				doc[f.Name] = canonical
			}
			if len(f.Enum) > 0 && !contains(f.Enum, str) {
				problems = append(problems, fmt.Sprintf("field '%s' must be one of [%s], got '%s'",
					f.Name, strings.Join(f.Enum, ", "), str))
			}

		case KindInt:
			if !isIntLike(value) {
				problems = append(problems, fmt.Sprintf("field '%s' must be an integer, got %T", f.Name, value))
			}

		case KindBool:
			if _, ok := value.(bool); !ok {
				problems = append(problems, fmt.Sprintf("field '%s' must be a bool, got %T", f.Name, value))
			}

		case KindList:
			if _, ok := value.([]any); !ok {
				problems = append(problems, fmt.Sprintf("field '%s' must be a list, got %T", f.Name, value))
			}

		case KindMap:
			if _, ok := value.(map[string]any); !ok {
				problems = append(problems, fmt.Sprintf("field '%s' must be a mapping, got %T", f.Name, value))
			}

		case KindAny:
			// Any non-nil value passes.
		}
	}

	if len(problems) > 0 {
		return autoerrors.ErrSchemaInvalid(s.Name, strings.Join(problems, "; "))
	}
	return nil
}

// isIntLike accepts the integer shapes the YAML decoder produces, plus
// whole floats (YAML writes `7.0` for some agents).
func isIntLike(v any) bool {
	switch n := v.(type) {
	case int, int64, uint64:
		return true
	case float64:
		return n == float64(int64(n))
	default:
		return false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
