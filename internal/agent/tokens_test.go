package agent

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 100), 25},
		{strings.Repeat("x", 101), 26},
	}

	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestEstimateDispatchTokens_CharEstimate(t *testing.T) {
	prompt := strings.Repeat("p", 400)
	output := strings.Repeat("o", 100)

	est := estimateDispatchTokens(prompt, output)
	if est.Input != 100 {
		t.Errorf("Input = %d, want 100", est.Input)
	}
	if est.Output != 25 {
		t.Errorf("Output = %d, want 25", est.Output)
	}
}

func TestEstimateDispatchTokens_StatsLineOverride(t *testing.T) {
	output := "```yaml\nresult: success\n```\n{\"usage\":{\"input_tokens\":1234,\"output_tokens\":567}}\n"

	est := estimateDispatchTokens("prompt", output)
	if est.Input != 1234 {
		t.Errorf("Input = %d, want 1234 from stats line", est.Input)
	}
	if est.Output != 567 {
		t.Errorf("Output = %d, want 567 from stats line", est.Output)
	}
}

func TestEstimateDispatchTokens_PartialStatsIgnored(t *testing.T) {
	// A stats object missing output_tokens must not override anything.
	output := "text\n{\"usage\":{\"input_tokens\":1234}}"

	est := estimateDispatchTokens("pppp", output)
	if est.Input != 1 {
		t.Errorf("Input = %d, want char estimate 1", est.Input)
	}
}

func TestEstimateDispatchTokens_NonJSONLastLine(t *testing.T) {
	output := "result: success\nall done"

	est := estimateDispatchTokens("pppp", output)
	if est.Input != 1 || est.Output != EstimateTokens(output) {
		t.Errorf("unexpected estimate %+v", est)
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"a\nb\nc", "c"},
		{"a\nb\n\n  \n", "b"},
		{"", ""},
		{"\n\n", ""},
		{"single", "single"},
	}

	for _, tt := range tests {
		if got := lastNonEmptyLine(tt.input); got != tt.want {
			t.Errorf("lastNonEmptyLine(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
