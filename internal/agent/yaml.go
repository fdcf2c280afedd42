package agent

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

// fencedYAML matches the first ```yaml (or ```yml) fenced block.
var fencedYAML = regexp.MustCompile("(?s)```ya?ml[ \t]*\r?\n(.*?)```")

// ExtractYAMLBlock returns the first fenced YAML block in output. When no
// fence exists the whole trimmed output is returned, so agents that emit a
// bare YAML document still parse. The bool reports whether a fence was found.
func ExtractYAMLBlock(output string) (string, bool) {
	if m := fencedYAML.FindStringSubmatch(output); m != nil {
		return m[1], true
	}
	return strings.TrimSpace(output), false
}

// ParseAgentYAML extracts the structured YAML block from agent output and
// validates it against the schema. The returned map is non-nil only when
// both steps succeed.
func ParseAgentYAML(output string, schema *Schema) (map[string]any, error) {
	block, fenced := ExtractYAMLBlock(output)
	if block == "" {
		return nil, autoerrors.ErrSchemaInvalid(schema.Name, "no YAML block in output")
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(block), &doc); err != nil {
		if fenced {
			return nil, autoerrors.ErrSchemaInvalid(schema.Name, fmt.Sprintf("invalid YAML: %v", err))
		}
		// Bare output that isn't a YAML mapping is just prose.
		return nil, autoerrors.ErrSchemaInvalid(schema.Name, "no YAML block in output")
	}
	if doc == nil {
		return nil, autoerrors.ErrSchemaInvalid(schema.Name, "empty YAML document")
	}

	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}
