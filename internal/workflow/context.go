package workflow

import (
	"fmt"
	"strings"

	"github.com/randalmurphal/auto/internal/db"
)

// Compiler reads stored decisions and formats them into prompt sections.
// All methods treat an empty pipeline run ID as "no context available" and
// return empty strings rather than errors.
type Compiler struct {
	store *db.Store
}

// NewCompiler creates a decision-context compiler over the store.
func NewCompiler(store *db.Store) *Compiler {
	return &Compiler{store: store}
}

// EpicContext formats the epic's goal, the target story's breakdown, and the
// sibling story list into one block for the create-story prompt.
func (c *Compiler) EpicContext(runID, epicID, storyKey string) (string, error) {
	if runID == "" {
		return "", nil
	}

	var b strings.Builder

	epics, err := c.store.GetDecisionsByCategory(runID, db.PhaseSolutioning, "epics")
	if err != nil {
		return "", fmt.Errorf("read epics: %w", err)
	}
	epicKey := "epic-" + epicID
	for _, d := range epics {
		if d.Key == epicKey {
			fmt.Fprintf(&b, "Epic %s:\n%s\n", epicID, d.Value)
			break
		}
	}

	stories, err := c.store.GetDecisionsByCategory(runID, db.PhaseSolutioning, "stories")
	if err != nil {
		return "", fmt.Errorf("read stories: %w", err)
	}

	var siblings []string
	for _, d := range stories {
		switch {
		case d.Key == storyKey:
			fmt.Fprintf(&b, "\nStory %s:\n%s\n", storyKey, d.Value)
		case inEpic(d.Key, epicID):
			siblings = append(siblings, d.Key)
		}
	}
	if len(siblings) > 0 {
		fmt.Fprintf(&b, "\nSibling stories in this epic: %s\n", strings.Join(siblings, ", "))
	}

	return strings.TrimSpace(b.String()), nil
}

// inEpic reports whether a story key belongs to an epic, for both the
// "1.2" and "10-4" key shapes.
func inEpic(storyKey, epicID string) bool {
	return strings.HasPrefix(storyKey, epicID+".") || strings.HasPrefix(storyKey, epicID+"-")
}

// ArchConstraints formats the run's active architecture decisions as a
// bullet list for reviewer and story prompts.
func (c *Compiler) ArchConstraints(runID string) (string, error) {
	if runID == "" {
		return "", nil
	}

	decisions, err := c.store.GetActiveDecisionsByPhase(runID, db.PhaseSolutioning)
	if err != nil {
		return "", fmt.Errorf("read architecture decisions: %w", err)
	}

	var b strings.Builder
	for _, d := range decisions {
		if d.Category != "architecture" {
			continue
		}
		if d.Rationale != "" {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", d.Key, d.Value, d.Rationale)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", d.Key, d.Value)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// TestPatterns returns the run's recorded test-pattern guidance, or "" when
// none was captured during solutioning.
func (c *Compiler) TestPatterns(runID string) (string, error) {
	if runID == "" {
		return "", nil
	}

	decisions, err := c.store.GetDecisionsByCategory(runID, db.PhaseSolutioning, "test-patterns")
	if err != nil {
		return "", fmt.Errorf("read test patterns: %w", err)
	}

	parts := make([]string, 0, len(decisions))
	for _, d := range decisions {
		if d.Status == db.DecisionActive {
			parts = append(parts, d.Value)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// FormatIssues renders review findings for a fix prompt, blockers first in
// the order severities escalate.
func FormatIssues(issues []Issue) string {
	if len(issues) == 0 {
		return "No findings listed."
	}

	var b strings.Builder
	for _, severity := range []string{SeverityBlocker, SeverityMajor, SeverityMinor} {
		for _, issue := range issues {
			if issue.Severity != severity {
				continue
			}
			writeIssue(&b, issue)
		}
	}
	// Unrecognized severities go last rather than vanishing.
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityBlocker, SeverityMajor, SeverityMinor:
		default:
			writeIssue(&b, issue)
		}
	}
	return strings.TrimSpace(b.String())
}

func writeIssue(b *strings.Builder, issue Issue) {
	fmt.Fprintf(b, "- [%s]", issue.Severity)
	if issue.File != "" {
		fmt.Fprintf(b, " %s", issue.File)
		if issue.Line > 0 {
			fmt.Fprintf(b, ":%d", issue.Line)
		}
	}
	fmt.Fprintf(b, " %s\n", issue.Description)
}

// FormatPreviousFindings renders the prior review cycle's issues so the
// reviewer verifies each one instead of re-discovering from scratch.
func FormatPreviousFindings(issues []Issue) string {
	if len(issues) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("The previous review cycle reported the findings below. Verify each one: ")
	b.WriteString("report it again only if it is still present, and report any new issues the fixes introduced.\n\n")
	b.WriteString(FormatIssues(issues))
	return b.String()
}
