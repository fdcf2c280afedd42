package agent

import (
	"errors"
	"strings"
	"testing"

	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

func storySchema() *Schema {
	return &Schema{
		Name: "create-story",
		Fields: []Field{
			{Name: "result", Kind: KindString, Required: true, Enum: []string{"success", "failed"}},
			{Name: "story_file", Kind: KindString},
			{Name: "story_title", Kind: KindString},
		},
	}
}

func TestExtractYAMLBlock_Fenced(t *testing.T) {
	output := "Some preamble from the agent.\n\n```yaml\nresult: success\nstory_file: docs/stories/5-1.md\n```\n\nTrailing chatter."

	block, fenced := ExtractYAMLBlock(output)
	if !fenced {
		t.Error("expected fenced=true")
	}
	if !strings.Contains(block, "result: success") {
		t.Errorf("block missing content: %q", block)
	}
	if strings.Contains(block, "Trailing") {
		t.Errorf("block includes trailing text: %q", block)
	}
}

func TestExtractYAMLBlock_YmlFence(t *testing.T) {
	output := "```yml\nresult: success\n```"

	block, fenced := ExtractYAMLBlock(output)
	if !fenced {
		t.Error("expected fenced=true for yml fence")
	}
	if strings.TrimSpace(block) != "result: success" {
		t.Errorf("unexpected block: %q", block)
	}
}

func TestExtractYAMLBlock_FirstOfMany(t *testing.T) {
	output := "```yaml\nresult: success\n```\n```yaml\nresult: failed\n```"

	block, _ := ExtractYAMLBlock(output)
	if !strings.Contains(block, "success") || strings.Contains(block, "failed") {
		t.Errorf("should extract first block only: %q", block)
	}
}

func TestParseAgentYAML_Fenced(t *testing.T) {
	output := "Done!\n```yaml\nresult: success\nstory_file: docs/stories/5-1.md\nstory_title: Add retry logic\n```"

	doc, err := ParseAgentYAML(output, storySchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc["result"] != "success" {
		t.Errorf("result = %v, want success", doc["result"])
	}
	if doc["story_file"] != "docs/stories/5-1.md" {
		t.Errorf("story_file = %v", doc["story_file"])
	}
}

func TestParseAgentYAML_BareDocument(t *testing.T) {
	output := "result: success\nstory_file: docs/stories/5-1.md\n"

	doc, err := ParseAgentYAML(output, storySchema())
	if err != nil {
		t.Fatalf("bare YAML document should parse: %v", err)
	}
	if doc["result"] != "success" {
		t.Errorf("result = %v, want success", doc["result"])
	}
}

func TestParseAgentYAML_ProseRejected(t *testing.T) {
	output := "I completed the story and created the file as requested."

	_, err := ParseAgentYAML(output, storySchema())
	if err == nil {
		t.Fatal("expected error for prose output")
	}
	var autoErr *autoerrors.AutoError
	if !errors.As(err, &autoErr) {
		t.Fatalf("expected AutoError, got %T", err)
	}
	if autoErr.Code != autoerrors.CodeSchemaInvalid {
		t.Errorf("code = %s, want %s", autoErr.Code, autoerrors.CodeSchemaInvalid)
	}
}

func TestParseAgentYAML_EmptyOutput(t *testing.T) {
	_, err := ParseAgentYAML("", storySchema())
	if err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestParseAgentYAML_InvalidFencedYAML(t *testing.T) {
	output := "```yaml\nresult: [unclosed\n```"

	_, err := ParseAgentYAML(output, storySchema())
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "schema validation") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestParseAgentYAML_SchemaFailure(t *testing.T) {
	output := "```yaml\nresult: maybe\n```"

	doc, err := ParseAgentYAML(output, storySchema())
	if err == nil {
		t.Fatal("expected enum violation")
	}
	if doc != nil {
		t.Error("doc must be nil when validation fails")
	}
}

func TestParseAgentYAML_AliasCanonicalized(t *testing.T) {
	schema := &Schema{
		Name: "dev-story",
		Fields: []Field{
			{Name: "result", Kind: KindString, Required: true,
				Enum:    []string{"success", "failed"},
				Aliases: map[string]string{"failure": "failed"}},
		},
	}

	doc, err := ParseAgentYAML("```yaml\nresult: failure\n```", schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc["result"] != "failed" {
		t.Errorf("result = %v, want failed", doc["result"])
	}
}
