package workflow

import (
	"strings"

	"github.com/randalmurphal/auto/internal/agent"
)

// resultAliases normalizes the result spellings agents actually emit.
var resultAliases = map[string]string{
	"failure":  "failed",
	"fail":     "failed",
	"succeess": "success",
	"ok":       "success",
}

func createStorySchema() *agent.Schema {
	return &agent.Schema{
		Name: "create-story",
		Fields: []agent.Field{
			{Name: "result", Kind: agent.KindString, Required: true, Enum: []string{"success", "failed"}, Aliases: resultAliases},
			// Unquoted story keys arrive as YAML floats; coerced after parse.
			{Name: "story_file", Kind: agent.KindAny},
			{Name: "story_key", Kind: agent.KindAny},
			{Name: "story_title", Kind: agent.KindAny},
			{Name: "error", Kind: agent.KindAny},
		},
	}
}

func devStorySchema() *agent.Schema {
	return &agent.Schema{
		Name: "dev-story",
		Fields: []agent.Field{
			{Name: "result", Kind: agent.KindString, Required: true, Enum: []string{"success", "failed"}, Aliases: resultAliases},
			{Name: "tests", Kind: agent.KindString, Enum: []string{"pass", "fail"}, Aliases: map[string]string{
				"passed": "pass", "passing": "pass", "failed": "fail", "failing": "fail",
			}},
			{Name: "ac_met", Kind: agent.KindList},
			{Name: "ac_failures", Kind: agent.KindList},
			{Name: "files_modified", Kind: agent.KindList},
			{Name: "notes", Kind: agent.KindAny},
			{Name: "error", Kind: agent.KindAny},
		},
	}
}

func codeReviewSchema() *agent.Schema {
	return &agent.Schema{
		Name: "code-review",
		Fields: []agent.Field{
			{Name: "verdict", Kind: agent.KindString, Required: true,
				Enum: []string{VerdictShipIt, VerdictMinorFixes, VerdictMajorRework},
				Aliases: map[string]string{
					"ship_it":            VerdictShipIt,
					"ship it":            VerdictShipIt,
					"needs_minor_fixes":  VerdictMinorFixes,
					"needs_major_rework": VerdictMajorRework,
				}},
			{Name: "issues", Kind: agent.KindInt},
			{Name: "issue_list", Kind: agent.KindList},
			{Name: "notes", Kind: agent.KindAny},
		},
	}
}

// parseIssueList coerces the reviewer's issue_list entries. Severity is
// lowercased; string line numbers become ints; entries that are bare strings
// become minor issues with that description.
func parseIssueList(v any) []Issue {
	items, ok := v.([]any)
	if !ok {
		return nil
	}

	issues := make([]Issue, 0, len(items))
	for _, item := range items {
		switch entry := item.(type) {
		case map[string]any:
			issue := Issue{
				Severity:    strings.ToLower(strings.TrimSpace(agent.StringValue(entry["severity"]))),
				Description: agent.StringValue(entry["description"]),
				File:        agent.StringValue(entry["file"]),
			}
			if issue.Severity == "" {
				issue.Severity = SeverityMinor
			}
			if issue.Description == "" {
				issue.Description = agent.StringValue(entry["desc"])
			}
			if line, ok := agent.IntValue(entry["line"]); ok {
				issue.Line = line
			}
			issues = append(issues, issue)
		case string:
			if entry != "" {
				issues = append(issues, Issue{Severity: SeverityMinor, Description: entry})
			}
		}
	}
	return issues
}

// ComputeVerdict applies the deterministic verdict law: any blocker means
// major rework, any issue at all means minor fixes, otherwise ship it.
func ComputeVerdict(issues []Issue) string {
	for _, issue := range issues {
		if issue.Severity == SeverityBlocker {
			return VerdictMajorRework
		}
	}
	if len(issues) > 0 {
		return VerdictMinorFixes
	}
	return VerdictShipIt
}
