// Package workflow implements the compiled story workflows: create-story,
// dev-story, and code-review, plus the schema-free fix dispatch. Each
// workflow assembles a prompt from pack templates and stored decisions,
// dispatches an agent, validates the structured reply, and maps it to a
// typed result. Agent failures and schema mismatches come back inside the
// result; the error return is reserved for infrastructure faults.
package workflow

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/randalmurphal/auto/internal/agent"
	"github.com/randalmurphal/auto/internal/config"
	"github.com/randalmurphal/auto/internal/gitops"
	"github.com/randalmurphal/auto/internal/pack"
	"github.com/randalmurphal/auto/internal/prompt"
)

// Review verdicts, most fixable first.
const (
	VerdictShipIt      = "SHIP_IT"
	VerdictMinorFixes  = "NEEDS_MINOR_FIXES"
	VerdictMajorRework = "NEEDS_MAJOR_REWORK"
)

// Issue severities.
const (
	SeverityBlocker = "blocker"
	SeverityMajor   = "major"
	SeverityMinor   = "minor"
)

// Workflow result values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Failure reasons reported in result Error fields.
const (
	ErrSchemaValidation = "schema_validation_failed"
	ErrDispatchTimeout  = "dispatch_timeout"
	ErrAgentFailed      = "agent_failed"
)

// DefaultDevTimeout bounds a dev-story dispatch; implementation runs long.
const DefaultDevTimeout = 30 * time.Minute

// defaultTestPatterns is substituted when solutioning recorded no
// test-pattern decisions for the run.
const defaultTestPatterns = `No project test-pattern decisions were recorded. Default conventions:
- Co-locate tests with sources as <name>.test.ts (Vitest).
- Use describe/it blocks; one behavior per it().
- Mock external I/O with vi.mock; never hit the network in tests.
- Assert with expect().toBe / toEqual; avoid snapshot tests for logic.`

// Dispatcher is the slice of the agent dispatcher the workflows use.
type Dispatcher interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Deps carries the shared dependencies of the compiled workflows.
type Deps struct {
	Pack       *pack.Pack
	Context    *Compiler
	Dispatcher Dispatcher
	Repo       *gitops.Repo
	Logger     *slog.Logger
	Budgets    config.BudgetConfig
	DevTimeout time.Duration
}

// Workflows runs the per-story compiled workflows.
type Workflows struct {
	deps Deps
}

// New creates the workflow set, filling unset deps with defaults.
func New(deps Deps) *Workflows {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DevTimeout <= 0 {
		deps.DevTimeout = DefaultDevTimeout
	}
	defaults := config.Default().Budgets
	if deps.Budgets.DevStory <= 0 {
		deps.Budgets.DevStory = defaults.DevStory
	}
	if deps.Budgets.ReviewDiff <= 0 {
		deps.Budgets.ReviewDiff = defaults.ReviewDiff
	}
	return &Workflows{deps: deps}
}

// Issue is one review finding.
type Issue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
}

// CreateStoryInput identifies the story to draft.
type CreateStoryInput struct {
	EpicID        string
	StoryKey      string
	PipelineRunID string
}

// CreateStoryResult is the outcome of a create-story dispatch.
type CreateStoryResult struct {
	Result     string
	StoryFile  string
	StoryKey   string
	StoryTitle string
	Error      string
	TokenUsage agent.TokenEstimate
}

// CreateStory drafts the story file for a story key via the scrum master
// agent. A missing story_file in a success reply is left for the caller to
// judge; everything else lands in Result/Error.
func (w *Workflows) CreateStory(ctx context.Context, in CreateStoryInput) (CreateStoryResult, error) {
	template, err := w.deps.Pack.Template("create-story")
	if err != nil {
		return CreateStoryResult{}, err
	}

	epicContext, err := w.deps.Context.EpicContext(in.PipelineRunID, in.EpicID, in.StoryKey)
	if err != nil {
		return CreateStoryResult{}, err
	}
	archConstraints, err := w.deps.Context.ArchConstraints(in.PipelineRunID)
	if err != nil {
		return CreateStoryResult{}, err
	}

	asm := prompt.Assemble(template, []prompt.Section{
		{Name: "story_key", Content: in.StoryKey, Priority: prompt.Required},
		{Name: "epic_context", Content: epicContext, Priority: prompt.Required},
		{Name: "arch_constraints", Content: archConstraints, Priority: prompt.Optional},
	}, 0)

	res, err := w.deps.Dispatcher.Run(ctx, agent.Request{
		Prompt:   asm.Prompt,
		Agent:    "sm",
		TaskType: "create-story",
		Schema:   createStorySchema(),
	})
	if err != nil {
		return CreateStoryResult{}, err
	}

	out := CreateStoryResult{TokenUsage: res.Tokens}
	if failure, reason := dispatchFailure(res); failure {
		out.Result = ResultFailed
		out.Error = reason
		return out, nil
	}

	out.Result = agent.StringValue(res.Parsed["result"])
	out.StoryFile = agent.StringValue(res.Parsed["story_file"])
	out.StoryKey = agent.StringValue(res.Parsed["story_key"])
	out.StoryTitle = agent.StringValue(res.Parsed["story_title"])
	out.Error = agent.StringValue(res.Parsed["error"])
	if out.StoryKey == "" {
		out.StoryKey = in.StoryKey
	}

	w.deps.Logger.Debug("create-story finished",
		"story", in.StoryKey, "result", out.Result, "file", out.StoryFile)
	return out, nil
}

// DevStoryInput identifies the story file to implement. TaskScope and
// PriorFiles are set only for batched dispatches.
type DevStoryInput struct {
	StoryKey      string
	StoryFilePath string
	PipelineRunID string
	TaskScope     string
	PriorFiles    []string
}

// DevStoryResult is the outcome of a dev-story dispatch.
type DevStoryResult struct {
	Result        string
	ACMet         []int
	ACFailures    []string
	FilesModified []string
	Tests         string
	Notes         string
	Error         string
	Details       string
	TokenUsage    agent.TokenEstimate
}

// DevStory implements the story via the developer agent. The story file is
// read up front; a missing or empty file fails without a dispatch. On schema
// failure, files_modified is recovered from git status so review still has a
// diff scope.
func (w *Workflows) DevStory(ctx context.Context, in DevStoryInput) (DevStoryResult, error) {
	template, err := w.deps.Pack.Template("dev-story")
	if err != nil {
		return DevStoryResult{}, err
	}

	content, readErr := w.readStory(in.StoryFilePath)
	if readErr != nil || strings.TrimSpace(content) == "" {
		out := DevStoryResult{Result: ResultFailed, Error: "story file missing or empty"}
		if readErr != nil {
			out.Details = readErr.Error()
		}
		return out, nil
	}

	testPatterns, err := w.deps.Context.TestPatterns(in.PipelineRunID)
	if err != nil {
		return DevStoryResult{}, err
	}
	if strings.TrimSpace(testPatterns) == "" {
		testPatterns = defaultTestPatterns
	}

	asm := prompt.Assemble(template, []prompt.Section{
		{Name: "story_content", Content: content, Priority: prompt.Required},
		{Name: "task_scope", Content: taskScopeBlock(in.TaskScope), Priority: prompt.Required},
		{Name: "prior_files", Content: priorFilesBlock(in.PriorFiles), Priority: prompt.Optional},
		{Name: "test_patterns", Content: testPatterns, Priority: prompt.Optional},
	}, w.deps.Budgets.DevStory)
	if asm.Truncated {
		w.deps.Logger.Warn("dev-story prompt exceeds token ceiling",
			"story", in.StoryKey, "tokens", asm.TokenCount, "ceiling", w.deps.Budgets.DevStory)
	}

	res, err := w.deps.Dispatcher.Run(ctx, agent.Request{
		Prompt:   asm.Prompt,
		Agent:    "dev",
		TaskType: "dev-story",
		Timeout:  w.deps.DevTimeout,
		Schema:   devStorySchema(),
	})
	if err != nil {
		return DevStoryResult{}, err
	}

	out := DevStoryResult{TokenUsage: res.Tokens}
	if failure, reason := dispatchFailure(res); failure {
		out.Result = ResultFailed
		out.Error = reason
		if res.ParseError != nil {
			out.Details = res.ParseError.Error()
			out.FilesModified = w.recoverFilesModified(ctx, in.StoryKey)
		}
		return out, nil
	}

	out.Result = agent.StringValue(res.Parsed["result"])
	out.Tests = agent.StringValue(res.Parsed["tests"])
	if out.Tests == "" {
		out.Tests = "fail"
	}
	out.ACMet = agent.IntList(res.Parsed["ac_met"])
	out.ACFailures = agent.StringList(res.Parsed["ac_failures"])
	out.FilesModified = agent.StringList(res.Parsed["files_modified"])
	out.Notes = agent.StringValue(res.Parsed["notes"])
	out.Error = agent.StringValue(res.Parsed["error"])

	w.deps.Logger.Debug("dev-story finished",
		"story", in.StoryKey, "result", out.Result, "tests", out.Tests,
		"files", len(out.FilesModified))
	return out, nil
}

// recoverFilesModified reads git status when the agent's reply did not
// validate, so code review can still scope its diff.
func (w *Workflows) recoverFilesModified(ctx context.Context, storyKey string) []string {
	if w.deps.Repo == nil {
		return nil
	}
	files, err := w.deps.Repo.ChangedFiles(ctx)
	if err != nil {
		w.deps.Logger.Warn("files_modified recovery failed", "story", storyKey, "error", err)
		return nil
	}
	w.deps.Logger.Info("recovered files_modified from git status",
		"story", storyKey, "files", len(files))
	return files
}

// CodeReviewInput scopes a review. FilesModified narrows the diff;
// PreviousIssues primes the reviewer on a re-review cycle.
type CodeReviewInput struct {
	StoryKey       string
	StoryFilePath  string
	PipelineRunID  string
	FilesModified  []string
	PreviousIssues []Issue
}

// CodeReviewResult is the outcome of a code-review dispatch. Verdict is
// recomputed from the issue list; the agent's own verdict is preserved for
// logging.
type CodeReviewResult struct {
	Result       string
	Verdict      string
	AgentVerdict string
	Issues       int
	IssueList    []Issue
	Notes        string
	DiffTier     gitops.DiffTier
	Error        string
	TokenUsage   agent.TokenEstimate
}

// CodeReview reviews the story's diff via the reviewer agent.
func (w *Workflows) CodeReview(ctx context.Context, in CodeReviewInput) (CodeReviewResult, error) {
	template, err := w.deps.Pack.Template("code-review")
	if err != nil {
		return CodeReviewResult{}, err
	}

	content, readErr := w.readStory(in.StoryFilePath)
	if readErr != nil || strings.TrimSpace(content) == "" {
		return CodeReviewResult{Result: ResultFailed, Error: "story file missing or empty"}, nil
	}

	diff, tier, err := w.deps.Repo.ReviewDiff(ctx, in.FilesModified, w.deps.Budgets.ReviewDiff)
	if err != nil {
		return CodeReviewResult{Result: ResultFailed, Error: "diff capture failed: " + err.Error()}, nil
	}
	if strings.TrimSpace(diff) == "" {
		diff = "(no changes detected in the working tree)"
	}

	archConstraints, err := w.deps.Context.ArchConstraints(in.PipelineRunID)
	if err != nil {
		return CodeReviewResult{}, err
	}

	asm := prompt.Assemble(template, []prompt.Section{
		{Name: "story_key", Content: in.StoryKey, Priority: prompt.Required},
		{Name: "story_content", Content: content, Priority: prompt.Required},
		{Name: "diff", Content: diff, Priority: prompt.Required},
		{Name: "previous_findings", Content: FormatPreviousFindings(in.PreviousIssues), Priority: prompt.Important},
		{Name: "arch_constraints", Content: archConstraints, Priority: prompt.Optional},
	}, 0)

	res, err := w.deps.Dispatcher.Run(ctx, agent.Request{
		Prompt:   asm.Prompt,
		Agent:    "reviewer",
		TaskType: "code-review",
		Schema:   codeReviewSchema(),
	})
	if err != nil {
		return CodeReviewResult{}, err
	}

	out := CodeReviewResult{DiffTier: tier, TokenUsage: res.Tokens}
	if failure, reason := dispatchFailure(res); failure {
		out.Result = ResultFailed
		out.Error = reason
		return out, nil
	}

	out.Result = ResultSuccess
	out.AgentVerdict = agent.StringValue(res.Parsed["verdict"])
	out.IssueList = parseIssueList(res.Parsed["issue_list"])
	out.Issues = len(out.IssueList)
	out.Verdict = ComputeVerdict(out.IssueList)
	out.Notes = agent.StringValue(res.Parsed["notes"])

	attrs := []any{
		"story", in.StoryKey,
		"verdict", out.Verdict,
		"issues", out.Issues,
		"diff_tier", tier.String(),
	}
	if out.AgentVerdict != out.Verdict {
		attrs = append(attrs, "agent", out.AgentVerdict)
	}
	w.deps.Logger.Info("code review complete", attrs...)
	return out, nil
}

// FixInput scopes a fix dispatch after a non-shipping review.
type FixInput struct {
	StoryKey      string
	StoryFilePath string
	TaskType      string // minor-fixes or major-rework
	Issues        []Issue
	FilesModified []string
}

// FixResult is the outcome of a fix dispatch. Fix output carries no schema;
// the next review judges its effect.
type FixResult struct {
	Result     string
	Error      string
	TokenUsage agent.TokenEstimate
}

// Fix dispatches the developer agent against the review findings.
func (w *Workflows) Fix(ctx context.Context, in FixInput) (FixResult, error) {
	template, err := w.deps.Pack.Template("fix")
	if err != nil {
		return FixResult{}, err
	}

	content, _ := w.readStory(in.StoryFilePath)

	asm := prompt.Assemble(template, []prompt.Section{
		{Name: "story_content", Content: content, Priority: prompt.Required},
		{Name: "issues", Content: FormatIssues(in.Issues), Priority: prompt.Required},
		{Name: "files_modified", Content: priorFilesBlock(in.FilesModified), Priority: prompt.Optional},
	}, 0)

	taskType := in.TaskType
	if taskType == "" {
		taskType = "minor-fixes"
	}

	res, err := w.deps.Dispatcher.Run(ctx, agent.Request{
		Prompt:   asm.Prompt,
		Agent:    "dev",
		TaskType: taskType,
		Timeout:  w.deps.DevTimeout,
	})
	if err != nil {
		return FixResult{}, err
	}

	out := FixResult{TokenUsage: res.Tokens}
	switch res.Status {
	case agent.StatusCompleted:
		out.Result = ResultSuccess
	case agent.StatusTimeout:
		out.Result = ResultFailed
		out.Error = ErrDispatchTimeout
	default:
		out.Result = ResultFailed
		out.Error = ErrAgentFailed
	}
	return out, nil
}

// readStory reads a story file, resolving relative paths against the repo.
func (w *Workflows) readStory(path string) (string, error) {
	if path == "" {
		return "", os.ErrNotExist
	}
	if !filepath.IsAbs(path) && w.deps.Repo != nil {
		path = filepath.Join(w.deps.Repo.Dir(), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// dispatchFailure maps a non-usable dispatch to its failure reason.
func dispatchFailure(res *agent.Result) (bool, string) {
	switch {
	case res.Status == agent.StatusTimeout:
		return true, ErrDispatchTimeout
	case res.Status == agent.StatusFailed:
		return true, ErrAgentFailed
	case res.ParseError != nil:
		return true, ErrSchemaValidation
	case res.Parsed == nil:
		return true, ErrSchemaValidation
	}
	return false, ""
}

func taskScopeBlock(scope string) string {
	if strings.TrimSpace(scope) == "" {
		return "Implement the whole Tasks section."
	}
	return "Implement only these tasks in this dispatch:\n" + scope
}

func priorFilesBlock(files []string) string {
	if len(files) == 0 {
		return "(none)"
	}
	return "- " + strings.Join(files, "\n- ")
}
