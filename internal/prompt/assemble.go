// Package prompt assembles agent prompts from prioritized sections under a
// hard token ceiling.
package prompt

import (
	"regexp"
)

// Priority orders sections by how expendable they are under budget pressure.
type Priority string

const (
	// Required sections are never dropped or truncated.
	Required Priority = "required"
	// Important sections are tail-truncated when optional drops don't fit.
	Important Priority = "important"
	// Optional sections are dropped whole, left to right, first.
	Optional Priority = "optional"
)

// Section is one named block of prompt content.
type Section struct {
	Name     string
	Content  string
	Priority Priority
}

// Assembled is the result of filling a template under a ceiling.
type Assembled struct {
	Prompt     string
	TokenCount int
	// Truncated reports that even required sections alone exceed the
	// ceiling. The prompt is returned in full; the caller decides whether
	// to proceed or fail.
	Truncated bool
}

// EstimateTokens approximates the token count of text as ceil(chars/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_-]+)\}\}`)

// Assemble fills {{name}} placeholders in template from sections and
// enforces the token ceiling. A ceiling <= 0 means unlimited.
//
// Budget recovery order: all sections in full; then optional sections
// blanked left to right; then important sections tail-truncated left to
// right. Required sections always appear verbatim. Unknown placeholders
// resolve to the empty string.
func Assemble(template string, sections []Section, ceiling int) Assembled {
	full := make(map[string]string, len(sections))
	for _, s := range sections {
		full[s.Name] = s.Content
	}

	prompt := render(template, full)
	tokens := EstimateTokens(prompt)
	if ceiling <= 0 || tokens <= ceiling {
		return Assembled{Prompt: prompt, TokenCount: tokens, Truncated: false}
	}

	// If required sections alone overflow, no amount of dropping helps:
	// hand back the full prompt and flag it.
	floor := make(map[string]string, len(sections))
	for _, s := range sections {
		if s.Priority == Required {
			floor[s.Name] = s.Content
		}
	}
	if EstimateTokens(render(template, floor)) > ceiling {
		return Assembled{Prompt: prompt, TokenCount: tokens, Truncated: true}
	}

	working := make(map[string]string, len(sections))
	for name, content := range full {
		working[name] = content
	}

	// Drop optional sections left to right.
	for _, s := range sections {
		if s.Priority != Optional {
			continue
		}
		working[s.Name] = ""
		prompt = render(template, working)
		tokens = EstimateTokens(prompt)
		if tokens <= ceiling {
			return Assembled{Prompt: prompt, TokenCount: tokens, Truncated: false}
		}
	}

	// Tail-truncate important sections left to right.
	maxChars := ceiling * 4
	for _, s := range sections {
		if s.Priority != Important {
			continue
		}
		over := len(prompt) - maxChars
		if over <= 0 {
			break
		}
		content := working[s.Name]
		if over >= len(content) {
			working[s.Name] = ""
		} else {
			working[s.Name] = content[:len(content)-over]
		}
		prompt = render(template, working)
		tokens = EstimateTokens(prompt)
		if tokens <= ceiling {
			return Assembled{Prompt: prompt, TokenCount: tokens, Truncated: false}
		}
	}

	tokens = EstimateTokens(prompt)
	return Assembled{Prompt: prompt, TokenCount: tokens, Truncated: tokens > ceiling}
}

func render(template string, contents map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-2]
		return contents[name]
	})
}
