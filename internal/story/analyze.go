// Package story parses story markdown into a structured task analysis and
// plans task batches for large stories.
package story

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// TasksPerBatch is the maximum number of tasks a single dev-story batch
// carries when a large story is split.
const TasksPerBatch = 5

// Scope classifies a story by task count.
type Scope string

const (
	ScopeSmall  Scope = "small"
	ScopeMedium Scope = "medium"
	ScopeLarge  Scope = "large"
)

// Task is one top-level checkbox item from the story's Tasks section.
type Task struct {
	// ID is the number from a "Tn:" or "Task n:" prefix, or the task's
	// 1-based position when the item has no numeric prefix.
	ID           int    `json:"id"`
	Title        string `json:"title"`
	SubtaskCount int    `json:"subtask_count"`
	ACRefs       []int  `json:"ac_refs"`
}

// Analysis is the structured summary of a story markdown document.
type Analysis struct {
	ACCount             int    `json:"ac_count"`
	Tasks               []Task `json:"tasks"`
	TaskCount           int    `json:"task_count"`
	EstimatedScope      Scope  `json:"estimated_scope"`
	SuggestedBatchCount int    `json:"suggested_batch_count"`
}

var (
	tasksHeadingPattern = regexp.MustCompile(`^(#{2,3})\s+Tasks\b`)
	acHeadingPattern    = regexp.MustCompile(`^(#{2,3})\s+Acceptance Criteria\b`)
	headingPattern      = regexp.MustCompile(`^(#{1,6})\s`)

	taskLinePattern    = regexp.MustCompile(`^ ?- \[[ xX]\]\s+(.+)$`)
	subtaskLinePattern = regexp.MustCompile(`^(?: {2,}|\t)[ \t]*- \[[ xX]\](.*)$`)
	tShortPattern      = regexp.MustCompile(`^T(\d+):\s*(.+)$`)
	tWordPattern       = regexp.MustCompile(`^[Tt]ask (\d+):\s*(.+)$`)

	acListPattern   = regexp.MustCompile(`\(AC:\s*([^)]*)\)`)
	acHashPattern   = regexp.MustCompile(`#(\d+)`)
	acInlinePattern = regexp.MustCompile(`\bAC(\d+)\b`)
	numberedItem    = regexp.MustCompile(`^\s*(\d+)\.\s`)
)

// Analyze parses story markdown into an Analysis. It never panics: any
// failure yields the safe default of an empty small-scope story.
func Analyze(content string) (analysis Analysis) {
	defer func() {
		if r := recover(); r != nil {
			analysis = Analysis{
				Tasks:               []Task{},
				EstimatedScope:      ScopeSmall,
				SuggestedBatchCount: 1,
			}
		}
	}()

	lines := strings.Split(content, "\n")
	tasks := parseTasks(lines)
	acCount := countAcceptanceCriteria(lines, content)

	scope := ScopeSmall
	switch n := len(tasks); {
	case n >= 10:
		scope = ScopeLarge
	case n >= 6:
		scope = ScopeMedium
	}

	batches := (len(tasks) + TasksPerBatch - 1) / TasksPerBatch
	if batches < 1 {
		batches = 1
	}

	return Analysis{
		ACCount:             acCount,
		Tasks:               tasks,
		TaskCount:           len(tasks),
		EstimatedScope:      scope,
		SuggestedBatchCount: batches,
	}
}

// parseTasks extracts top-level tasks from the Tasks section. The section
// runs from the Tasks heading to the next heading of the same or higher
// level. Indented checkboxes count as subtasks of the preceding task.
func parseTasks(lines []string) []Task {
	tasks := []Task{}
	level := 0
	inSection := false

	for _, line := range lines {
		if !inSection {
			if m := tasksHeadingPattern.FindStringSubmatch(line); m != nil {
				level = len(m[1])
				inSection = true
			}
			continue
		}
		if m := headingPattern.FindStringSubmatch(line); m != nil && len(m[1]) <= level {
			break
		}

		if subtaskLinePattern.MatchString(line) {
			if len(tasks) > 0 {
				last := &tasks[len(tasks)-1]
				last.SubtaskCount++
				last.ACRefs = mergeRefs(last.ACRefs, extractACRefs(line))
			}
			continue
		}

		m := taskLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item := m[1]
		task := Task{ID: len(tasks) + 1, Title: item, ACRefs: extractACRefs(item)}
		if tm := tShortPattern.FindStringSubmatch(item); tm != nil {
			task.ID = mustAtoi(tm[1])
			task.Title = tm[2]
		} else if tm := tWordPattern.FindStringSubmatch(item); tm != nil {
			task.ID = mustAtoi(tm[1])
			task.Title = tm[2]
		}
		tasks = append(tasks, task)
	}

	return tasks
}

// countAcceptanceCriteria counts distinct AC numbers: numbered items under
// the Acceptance Criteria heading plus ACn tokens and (AC: #n) references
// anywhere in the document.
func countAcceptanceCriteria(lines []string, content string) int {
	seen := map[int]bool{}

	level := 0
	inSection := false
	for _, line := range lines {
		if !inSection {
			if m := acHeadingPattern.FindStringSubmatch(line); m != nil {
				level = len(m[1])
				inSection = true
			}
			continue
		}
		if m := headingPattern.FindStringSubmatch(line); m != nil && len(m[1]) <= level {
			inSection = false
			continue
		}
		if m := numberedItem.FindStringSubmatch(line); m != nil {
			seen[mustAtoi(m[1])] = true
		}
	}

	for _, n := range extractACRefs(content) {
		seen[n] = true
	}

	return len(seen)
}

// extractACRefs pulls AC numbers out of a snippet: "#n" tokens inside an
// "(AC: ...)" group and standalone "ACn" tokens. The result is
// de-duplicated and sorted ascending.
func extractACRefs(s string) []int {
	seen := map[int]bool{}
	for _, m := range acListPattern.FindAllStringSubmatch(s, -1) {
		for _, n := range acHashPattern.FindAllStringSubmatch(m[1], -1) {
			seen[mustAtoi(n[1])] = true
		}
	}
	for _, m := range acInlinePattern.FindAllStringSubmatch(s, -1) {
		seen[mustAtoi(m[1])] = true
	}

	refs := make([]int, 0, len(seen))
	for n := range seen {
		refs = append(refs, n)
	}
	sort.Ints(refs)
	return refs
}

func mergeRefs(a, b []int) []int {
	if len(b) == 0 {
		return a
	}
	seen := map[int]bool{}
	for _, n := range a {
		seen[n] = true
	}
	for _, n := range b {
		seen[n] = true
	}
	merged := make([]int, 0, len(seen))
	for n := range seen {
		merged = append(merged, n)
	}
	sort.Ints(merged)
	return merged
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		panic(err)
	}
	return n
}
