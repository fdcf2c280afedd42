package agent

import (
	"strings"

	"github.com/tidwall/gjson"
)

// EstimateTokens approximates the token count of text as ceil(chars/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// estimateDispatchTokens estimates input/output tokens for a dispatch.
// When the agent's final output line is a JSON stats object carrying
// usage.input_tokens / usage.output_tokens, those exact counts take
// precedence over the character estimate.
func estimateDispatchTokens(prompt, output string) TokenEstimate {
	est := TokenEstimate{
		Input:  EstimateTokens(prompt),
		Output: EstimateTokens(output),
	}

	line := lastNonEmptyLine(output)
	if line == "" || !gjson.Valid(line) {
		return est
	}

	in := gjson.Get(line, "usage.input_tokens")
	out := gjson.Get(line, "usage.output_tokens")
	if in.Exists() && out.Exists() {
		est.Input = int(in.Int())
		est.Output = int(out.Int())
	}
	return est
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
