package agent

import (
	"strings"
	"testing"
)

func reviewSchema() *Schema {
	return &Schema{
		Name: "code-review",
		Fields: []Field{
			{Name: "verdict", Kind: KindString, Required: true,
				Enum: []string{"SHIP_IT", "NEEDS_MINOR_FIXES", "NEEDS_MAJOR_REWORK"}},
			{Name: "issues", Kind: KindInt, Required: true},
			{Name: "issue_list", Kind: KindList, Required: true},
			{Name: "notes", Kind: KindString},
		},
	}
}

func TestSchemaValidate_Valid(t *testing.T) {
	doc := map[string]any{
		"verdict":    "SHIP_IT",
		"issues":     0,
		"issue_list": []any{},
	}

	if err := reviewSchema().Validate(doc); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSchemaValidate_MissingRequired(t *testing.T) {
	doc := map[string]any{
		"verdict": "SHIP_IT",
	}

	err := reviewSchema().Validate(doc)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "issues") || !strings.Contains(err.Error(), "issue_list") {
		t.Errorf("error should name all missing fields: %v", err)
	}
}

func TestSchemaValidate_EnumViolation(t *testing.T) {
	doc := map[string]any{
		"verdict":    "LOOKS_FINE",
		"issues":     0,
		"issue_list": []any{},
	}

	err := reviewSchema().Validate(doc)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "LOOKS_FINE") {
		t.Errorf("error should quote the bad value: %v", err)
	}
}

func TestSchemaValidate_AliasNormalization(t *testing.T) {
	schema := &Schema{
		Name: "dev-story",
		Fields: []Field{
			{Name: "result", Kind: KindString, Required: true,
				Enum:    []string{"success", "failed"},
				Aliases: map[string]string{"failure": "failed"}},
		},
	}

	doc := map[string]any{"result": "failure"}
	if err := schema.Validate(doc); err != nil {
		t.Fatalf("alias should validate: %v", err)
	}
	if doc["result"] != "failed" {
		t.Errorf("doc should carry canonical value, got %v", doc["result"])
	}
}

func TestSchemaValidate_IntLike(t *testing.T) {
	schema := &Schema{
		Name:   "counts",
		Fields: []Field{{Name: "n", Kind: KindInt, Required: true}},
	}

	tests := []struct {
		name    string
		value   any
		wantErr bool
	}{
		{"int", 7, false},
		{"int64", int64(7), false},
		{"whole float", 7.0, false},
		{"fractional float", 7.5, true},
		{"string", "7", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(map[string]any{"n": tt.value})
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSchemaValidate_OptionalAbsent(t *testing.T) {
	doc := map[string]any{
		"verdict":    "SHIP_IT",
		"issues":     0,
		"issue_list": []any{},
		// notes absent
	}

	if err := reviewSchema().Validate(doc); err != nil {
		t.Errorf("optional field may be absent: %v", err)
	}
}

func TestSchemaValidate_KindMismatches(t *testing.T) {
	schema := &Schema{
		Name: "kinds",
		Fields: []Field{
			{Name: "s", Kind: KindString},
			{Name: "b", Kind: KindBool},
			{Name: "l", Kind: KindList},
			{Name: "m", Kind: KindMap},
		},
	}

	doc := map[string]any{
		"s": 42,
		"b": "true",
		"l": map[string]any{},
		"m": []any{},
	}

	err := schema.Validate(doc)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, field := range []string{"'s'", "'b'", "'l'", "'m'"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should mention %s: %v", field, err)
		}
	}
}

func TestSchemaValidate_AnyKind(t *testing.T) {
	schema := &Schema{
		Name:   "loose",
		Fields: []Field{{Name: "payload", Kind: KindAny, Required: true}},
	}

	for _, value := range []any{"text", 1, []any{"a"}, map[string]any{"k": "v"}} {
		if err := schema.Validate(map[string]any{"payload": value}); err != nil {
			t.Errorf("KindAny rejected %T: %v", value, err)
		}
	}

	if err := schema.Validate(map[string]any{}); err == nil {
		t.Error("required any field must still be present")
	}
}
