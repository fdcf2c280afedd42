package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringValue_Scalars(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"plain", "plain"},
		{1.1, "1.1"},
		{float64(3), "3"},
		{42, "42"},
		{int64(7), "7"},
		{true, "true"},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StringValue(tt.in), "StringValue(%v)", tt.in)
	}
}

func TestIntValue_Coercions(t *testing.T) {
	for _, tt := range []struct {
		in   any
		want int
		ok   bool
	}{
		{42, 42, true},
		{int64(9), 9, true},
		{float64(5), 5, true},
		{"17", 17, true},
		{" 3 ", 3, true},
		{5.5, 0, false},
		{"AC7", 0, false},
		{nil, 0, false},
	} {
		got, ok := IntValue(tt.in)
		assert.Equal(t, tt.ok, ok, "IntValue(%v) ok", tt.in)
		assert.Equal(t, tt.want, got, "IntValue(%v)", tt.in)
	}
}

func TestStringList_MultiEntryMapSorted(t *testing.T) {
	got := StringList([]any{
		map[string]any{"AC9": "late", "AC2": "early"},
		"plain entry",
	})
	assert.Equal(t, []string{"AC2: early", "AC9: late", "plain entry"}, got)
}

func TestMapList_SkipsNonMaps(t *testing.T) {
	got := MapList([]any{
		map[string]any{"key": "database"},
		"stray string",
		map[string]any{"key": "auth"},
	})
	assert.Len(t, got, 2)
	assert.Equal(t, "database", got[0]["key"])
	assert.Equal(t, "auth", got[1]["key"])
}
