// Package orchestrator drives the implementation phase. It partitions
// story keys into conflict groups, runs at most maxConcurrency groups in
// parallel (stories within a group strictly in order), and walks each
// story through create-story, dev-story, code-review, and the fix loop.
// Status is snapshotted to the run row after every transition so a new
// process can resume where the last one stopped.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/auto/internal/agent"
	"github.com/randalmurphal/auto/internal/config"
	"github.com/randalmurphal/auto/internal/conflict"
	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/events"
	"github.com/randalmurphal/auto/internal/story"
	"github.com/randalmurphal/auto/internal/workflow"
)

// Wire names for story steps, shared with the event protocol.
const (
	stepCreateStory = "create-story"
	stepDevStory    = "dev-story"
	stepCodeReview  = "code-review"
	stepFix         = "fix"
)

// Escalation reasons outside the review verdicts.
const (
	reasonCreateFailed = "create-story-failed"
	reasonDevFailed    = "dev-story-failed"
	reasonReviewFailed = "code-review-failed"
	reasonInternal     = "internal-error"
)

// Deps carries the orchestrator's collaborators. Store, Workflows, and
// RunID are required; the rest default sensibly.
type Deps struct {
	Store     *db.Store
	Workflows *workflow.Workflows
	RunID     string
	Config    *config.Config
	Events    *events.PublishHelper
	Logger    *slog.Logger

	// Workdir resolves relative story file paths for task analysis.
	Workdir string
}

// Orchestrator runs the per-story implementation pipeline. One instance
// serves one pipeline run; Run may be called once, later calls while
// RUNNING, PAUSED, or COMPLETE are no-ops.
type Orchestrator struct {
	deps Deps
	gate *pauseGate

	mu     sync.Mutex
	status Status
	run    *db.PipelineRun

	activeDispatches    atomic.Int64
	completedDispatches atomic.Int64

	markMu        sync.Mutex
	phaseMarks    map[string]phaseMark
	stallReported map[string]bool
}

type phaseMark struct {
	step  string
	since time.Time
}

// New creates an orchestrator for one pipeline run.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NewPublishHelper(nil)
	}
	if deps.Workdir == "" {
		deps.Workdir = "."
	}
	return &Orchestrator{
		deps:          deps,
		gate:          newPauseGate(),
		status:        Status{State: StateIdle},
		phaseMarks:    map[string]phaseMark{},
		stallReported: map[string]bool{},
	}
}

// Run executes the implementation pipeline for storyKeys and blocks until
// every group settles. Stories the persisted snapshot already marks
// COMPLETE are skipped. Calling Run while RUNNING, PAUSED, or COMPLETE
// returns the current status untouched.
func (o *Orchestrator) Run(ctx context.Context, storyKeys []string) (Status, error) {
	o.mu.Lock()
	switch o.status.State {
	case StateRunning, StatePaused, StateComplete:
		snap := o.status.clone()
		o.mu.Unlock()
		return snap, nil
	}
	o.mu.Unlock()

	run, err := o.deps.Store.GetPipelineRun(o.deps.RunID)
	if err != nil {
		return Status{State: StateIdle}, err
	}
	if run == nil {
		return Status{State: StateIdle}, autoerrors.ErrRunNotFound(o.deps.RunID)
	}

	o.seed(run, storyKeys)

	concurrency := o.deps.Config.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	o.deps.Events.RunStart(run.ID, storyKeys, concurrency)
	o.deps.Logger.Info("implementation started",
		"run", run.ID, "stories", len(storyKeys), "concurrency", concurrency)

	pending := o.pendingKeys(storyKeys)
	groups := conflict.NewDetector(o.deps.Config.ConflictRules).Partition(pending)

	hbCtx, hbCancel := context.WithCancel(ctx)
	go o.heartbeatLoop(hbCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, grp := range groups {
		g.Go(func() error {
			for _, key := range grp.Keys {
				if err := o.runStory(gctx, key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	runErr := g.Wait()
	hbCancel()

	o.mutate(func(s *Status) {
		if runErr != nil {
			s.State = StateFailed
		} else {
			s.State = StateComplete
		}
	})
	if runErr != nil {
		o.deps.Logger.Error("implementation aborted", "run", run.ID, "error", runErr)
	}

	snap := o.Status()
	succeeded, failed, escalated := outcomeKeys(snap)
	o.deps.Events.RunComplete(succeeded, failed, escalated)
	o.deps.Logger.Info("implementation finished",
		"run", run.ID, "completed", len(succeeded), "escalated", len(escalated), "failed", len(failed))
	return snap, runErr
}

// seed installs the working snapshot for this invocation, carrying over
// stories the previous snapshot finished.
func (o *Orchestrator) seed(run *db.PipelineRun, storyKeys []string) {
	prev, _ := LoadSnapshot(run)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.run = run
	o.activeDispatches.Store(0)
	o.completedDispatches.Store(0)
	hostname, _ := os.Hostname()
	o.status = Status{
		State:           StateRunning,
		RunID:           run.ID,
		OrchestratorPID: os.Getpid(),
		Hostname:        hostname,
		StoryKeys:       append([]string(nil), storyKeys...),
		Stories:         make(map[string]*StoryStatus, len(storyKeys)),
	}
	for _, key := range storyKeys {
		if old, ok := prev.Stories[key]; ok && old.Phase == StoryComplete {
			kept := *old
			if old.Decomposition != nil {
				d := *old.Decomposition
				d.BatchSizes = append([]int(nil), old.Decomposition.BatchSizes...)
				kept.Decomposition = &d
			}
			o.status.Stories[key] = &kept
			continue
		}
		o.status.Stories[key] = &StoryStatus{Key: key, Phase: StoryPending}
	}
	o.status.UpdatedAt = time.Now().UTC()
	o.persistLocked()
}

// pendingKeys filters storyKeys down to the ones that still need work,
// preserving input order.
func (o *Orchestrator) pendingKeys(storyKeys []string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	pending := make([]string, 0, len(storyKeys))
	for _, key := range storyKeys {
		if st, ok := o.status.Stories[key]; ok && st.Phase == StoryPending {
			pending = append(pending, key)
		}
	}
	return pending
}

// runStory walks one story through its pipeline. The returned error is
// non-nil only for context cancellation; story-local failures escalate the
// story and let the rest of the run continue.
func (o *Orchestrator) runStory(ctx context.Context, key string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.deps.Logger.Error("story worker panic", "story", key, "panic", r)
			o.escalate(key, reasonInternal, fmt.Sprint(r), nil)
		}
	}()

	storyFile, ok, err := o.createPhase(ctx, key)
	if err != nil || !ok {
		return err
	}

	devOut, ok, err := o.devPhase(ctx, key, storyFile)
	if err != nil || !ok {
		return err
	}

	return o.reviewLoop(ctx, key, storyFile, devOut)
}

// createPhase dispatches create-story. ok is false when the story left the
// pipeline (escalated).
func (o *Orchestrator) createPhase(ctx context.Context, key string) (string, bool, error) {
	if err := o.gate.await(ctx); err != nil {
		return "", false, err
	}
	o.setPhase(key, StoryCreating, stepCreateStory)
	o.deps.Events.StoryPhase(key, stepCreateStory, events.StatusInProgress)

	done := o.beginDispatch()
	res, err := o.deps.Workflows.CreateStory(ctx, workflow.CreateStoryInput{
		EpicID:        epicFromKey(key),
		StoryKey:      key,
		PipelineRunID: o.runID(),
	})
	done()
	if err != nil {
		return "", false, o.storyFault(ctx, key, stepCreateStory, err)
	}
	o.recordTokens("sm", res.TokenUsage, map[string]any{"storyKey": key, "result": res.Result})

	if res.Result != workflow.ResultSuccess || res.StoryFile == "" {
		reason := res.Error
		if reason == "" && res.StoryFile == "" {
			reason = "agent reply carried no story_file"
		}
		o.deps.Events.StoryPhase(key, stepCreateStory, events.StatusFailed)
		o.escalate(key, reasonCreateFailed, reason, nil)
		return "", false, nil
	}

	o.mutate(func(s *Status) {
		s.Stories[key].StoryFile = res.StoryFile
	})
	o.deps.Events.StoryPhaseFile(key, stepCreateStory, events.StatusComplete, res.StoryFile)
	return res.StoryFile, true, nil
}

// devOutcome carries what the dev phase hands to code review.
type devOutcome struct {
	files      []string   // deduplicated union across batches
	batchFiles [][]string // per-batch files, same order as batches
	batched    bool
}

// devPhase implements the story, batching large ones. A failed batch does
// not abort the story; its surviving files still feed review. ok is false
// when the story escalated.
func (o *Orchestrator) devPhase(ctx context.Context, key, storyFile string) (devOutcome, bool, error) {
	var out devOutcome

	if err := o.gate.await(ctx); err != nil {
		return out, false, err
	}
	o.setPhase(key, StoryInDev, stepDevStory)
	o.deps.Events.StoryPhase(key, stepDevStory, events.StatusInProgress)

	analysis := o.analyzeStory(key, storyFile)
	batches := story.PlanTaskBatches(analysis)
	out.batched = len(batches) > 1
	out.batchFiles = make([][]string, len(batches))

	if out.batched {
		sizes := make([]int, len(batches))
		for i, b := range batches {
			sizes[i] = len(b.TaskIDs)
		}
		o.mutate(func(s *Status) {
			s.Stories[key].Decomposition = &DecompositionMetrics{
				TotalTasks: analysis.TaskCount,
				BatchCount: len(batches),
				BatchSizes: sizes,
			}
		})
		o.deps.Logger.Info("story decomposed",
			"story", key, "tasks", analysis.TaskCount, "batches", len(batches))
	}

	seen := map[string]bool{}
	anySuccess := false
	lastErr := ""

	for i, b := range batches {
		scope := ""
		if out.batched {
			scope = taskScopeLines(b)
		}
		prior := append([]string(nil), out.files...)
		if i == 0 {
			prior = nil
		}

		start := time.Now()
		done := o.beginDispatch()
		res, err := o.deps.Workflows.DevStory(ctx, workflow.DevStoryInput{
			StoryKey:      key,
			StoryFilePath: storyFile,
			PipelineRunID: o.runID(),
			TaskScope:     scope,
			PriorFiles:    prior,
		})
		done()
		if err != nil {
			if ctx.Err() != nil {
				return out, false, ctx.Err()
			}
			lastErr = err.Error()
			o.deps.Logger.Error("dev-story dispatch fault",
				"story", key, "batchIndex", b.BatchIndex, "error", err)
			o.deps.Events.Warn(key, fmt.Sprintf("dev batch %d failed: %v", b.BatchIndex, err))
			continue
		}

		o.recordTokens("dev", res.TokenUsage, map[string]any{
			"storyKey":   key,
			"batchIndex": b.BatchIndex,
			"taskIds":    b.TaskIDs,
			"result":     res.Result,
		})
		o.deps.Logger.Info("dev-story batch finished",
			"story", key,
			"batchIndex", b.BatchIndex,
			"taskIds", b.TaskIDs,
			"tokensUsed", res.TokenUsage.Input+res.TokenUsage.Output,
			"durationMs", time.Since(start).Milliseconds(),
			"filesModified", len(res.FilesModified),
			"result", res.Result)

		out.batchFiles[i] = append([]string(nil), res.FilesModified...)
		out.files = appendUnique(out.files, seen, res.FilesModified)
		if res.Result == workflow.ResultSuccess {
			anySuccess = true
		} else {
			lastErr = res.Error
			o.deps.Events.Warn(key, fmt.Sprintf("dev batch %d failed: %s", b.BatchIndex, res.Error))
		}
	}

	if !anySuccess && len(out.files) == 0 {
		o.deps.Events.StoryPhase(key, stepDevStory, events.StatusFailed)
		o.escalate(key, reasonDevFailed, lastErr, nil)
		return out, false, nil
	}

	o.deps.Events.StoryPhase(key, stepDevStory, events.StatusComplete)
	return out, true, nil
}

// analyzeStory parses the produced story file for task structure. Analysis
// is best-effort: an unreadable file yields the zero analysis, which plans
// a single unscoped batch.
func (o *Orchestrator) analyzeStory(key, storyFile string) story.Analysis {
	path := storyFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.deps.Workdir, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		o.deps.Logger.Warn("story analysis skipped", "story", key, "error", err)
		return story.Analysis{}
	}
	return story.Analyze(string(content))
}

// reviewLoop runs code-review and the fix cycle until the story ships or
// escalates.
func (o *Orchestrator) reviewLoop(ctx context.Context, key, storyFile string, dev devOutcome) error {
	var prevIssues []workflow.Issue

	for {
		if err := o.gate.await(ctx); err != nil {
			return err
		}
		o.setPhase(key, StoryInReview, stepCodeReview)
		o.deps.Events.StoryPhase(key, stepCodeReview, events.StatusInProgress)

		rev, err := o.reviewStory(ctx, key, storyFile, dev, prevIssues)
		if err != nil {
			return o.storyFault(ctx, key, stepCodeReview, err)
		}
		if rev.failed {
			o.deps.Events.StoryPhase(key, stepCodeReview, events.StatusFailed)
			o.escalate(key, reasonReviewFailed, rev.errMsg, nil)
			return nil
		}

		cycles := o.bumpCycles(key, rev.verdict)
		o.deps.Events.StoryPhaseVerdict(key, stepCodeReview, events.StatusComplete, rev.verdict)
		o.logReviewSummary(key, rev, dev)

		if rev.verdict == workflow.VerdictShipIt {
			o.finishStory(key)
			o.deps.Events.StoryDone(key, "success", cycles)
			o.deps.Logger.Info("story complete", "story", key, "reviewCycles", cycles)
			return nil
		}
		if cycles >= o.maxReviewCycles() {
			o.escalate(key, rev.verdict, "", rev.issues)
			return nil
		}

		if err := o.fixPhase(ctx, key, storyFile, rev, dev.files); err != nil {
			return err
		}
		prevIssues = rev.issues
	}
}

// reviewOutcome aggregates one review cycle, which in batched mode spans
// several dispatches.
type reviewOutcome struct {
	verdict      string
	agentVerdict string
	issues       []workflow.Issue
	reviews      int
	failed       bool
	errMsg       string
}

// reviewStory reviews the story's changes. Batched stories get one review
// per batch that produced files, each scoped to that batch; verdicts
// aggregate to the worst and issue lists union. A batched story whose
// batches produced no files falls back to a single unscoped review.
func (o *Orchestrator) reviewStory(ctx context.Context, key, storyFile string, dev devOutcome, prevIssues []workflow.Issue) (reviewOutcome, error) {
	scopes := [][]string{dev.files}
	if dev.batched {
		scopes = scopes[:0]
		for _, files := range dev.batchFiles {
			if len(files) > 0 {
				scopes = append(scopes, files)
			}
		}
		if len(scopes) == 0 {
			scopes = [][]string{dev.files}
		}
	}

	var out reviewOutcome
	for _, files := range scopes {
		done := o.beginDispatch()
		res, err := o.deps.Workflows.CodeReview(ctx, workflow.CodeReviewInput{
			StoryKey:       key,
			StoryFilePath:  storyFile,
			PipelineRunID:  o.runID(),
			FilesModified:  files,
			PreviousIssues: prevIssues,
		})
		done()
		if err != nil {
			return out, err
		}
		o.recordTokens("reviewer", res.TokenUsage, map[string]any{"storyKey": key, "result": res.Result})

		if res.Result != workflow.ResultSuccess {
			out.errMsg = res.Error
			o.deps.Events.Warn(key, "code review failed: "+res.Error)
			continue
		}
		out.reviews++
		out.issues = append(out.issues, res.IssueList...)
		if verdictRank(res.AgentVerdict) > verdictRank(out.agentVerdict) {
			out.agentVerdict = res.AgentVerdict
		}
	}

	if out.reviews == 0 {
		out.failed = true
		if out.errMsg == "" {
			out.errMsg = "no review dispatch succeeded"
		}
		return out, nil
	}
	// The cycle verdict derives from the union of issue lists; a blocker
	// in any batch majors the whole cycle.
	out.verdict = workflow.ComputeVerdict(out.issues)
	return out, nil
}

// logReviewSummary reports the cycle verdict, flagging decomposition and a
// disagreeing agent verdict.
func (o *Orchestrator) logReviewSummary(key string, rev reviewOutcome, dev devOutcome) {
	attrs := []any{
		"story", key,
		"verdict", rev.verdict,
		"issues", len(rev.issues),
	}
	if dev.batched {
		attrs = append(attrs, "decomposed", fmt.Sprintf("%d batches", len(dev.batchFiles)))
	}
	if rev.agentVerdict != "" && rev.agentVerdict != rev.verdict {
		attrs = append(attrs, "agent", rev.agentVerdict)
	}
	o.deps.Logger.Info("review cycle complete", attrs...)
}

// fixPhase dispatches the developer against the review findings. A failed
// fix is warned, not fatal: the next review judges the result.
func (o *Orchestrator) fixPhase(ctx context.Context, key, storyFile string, rev reviewOutcome, files []string) error {
	if err := o.gate.await(ctx); err != nil {
		return err
	}
	o.setPhase(key, StoryNeedsFixes, stepFix)
	o.deps.Events.StoryPhase(key, stepFix, events.StatusInProgress)

	taskType := "minor-fixes"
	if rev.verdict == workflow.VerdictMajorRework {
		taskType = "major-rework"
	}

	done := o.beginDispatch()
	res, err := o.deps.Workflows.Fix(ctx, workflow.FixInput{
		StoryKey:      key,
		StoryFilePath: storyFile,
		TaskType:      taskType,
		Issues:        rev.issues,
		FilesModified: files,
	})
	done()
	if err != nil {
		return o.storyFault(ctx, key, stepFix, err)
	}
	o.recordTokens("dev", res.TokenUsage, map[string]any{"storyKey": key, "result": res.Result})

	if res.Result != workflow.ResultSuccess {
		o.deps.Events.Warn(key, "fix dispatch failed: "+res.Error)
		o.deps.Events.StoryPhase(key, stepFix, events.StatusFailed)
	} else {
		o.deps.Events.StoryPhase(key, stepFix, events.StatusComplete)
	}
	return nil
}

// storyFault handles an infrastructure error inside a story: cancellation
// propagates, anything else escalates the story and lets the run continue.
func (o *Orchestrator) storyFault(ctx context.Context, key, step string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	o.deps.Logger.Error("story step fault", "story", key, "step", step, "error", err)
	o.deps.Events.StoryPhase(key, step, events.StatusFailed)
	o.escalate(key, reasonInternal, err.Error(), nil)
	return nil
}

// --- state bookkeeping ---

// mutate applies fn to the snapshot and persists the result.
func (o *Orchestrator) mutate(fn func(*Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.status)
	o.status.UpdatedAt = time.Now().UTC()
	o.persistLocked()
}

// persistLocked serializes the snapshot onto the run row. Callers hold
// o.mu. Write failures degrade status reporting but never stop the run.
func (o *Orchestrator) persistLocked() {
	if o.run == nil {
		return
	}
	buf, err := json.Marshal(&o.status)
	if err != nil {
		o.deps.Logger.Warn("status snapshot marshal failed", "error", err)
		return
	}
	o.run.TokenUsageJSON = string(buf)
	if err := o.deps.Store.UpdatePipelineRun(o.run); err != nil {
		o.deps.Logger.Warn("status snapshot write failed", "run", o.run.ID, "error", err)
	}
}

func (o *Orchestrator) setPhase(key string, phase StoryPhase, step string) {
	now := time.Now().UTC()
	o.mutate(func(s *Status) {
		st := s.Stories[key]
		st.Phase = phase
		st.UpdatedAt = now
		if st.StartedAt.IsZero() {
			st.StartedAt = now
		}
	})
	o.markMu.Lock()
	o.phaseMarks[key] = phaseMark{step: step, since: now}
	o.markMu.Unlock()
}

func (o *Orchestrator) bumpCycles(key, verdict string) int {
	var cycles int
	o.mutate(func(s *Status) {
		st := s.Stories[key]
		st.ReviewCycles++
		st.LastVerdict = verdict
		cycles = st.ReviewCycles
	})
	return cycles
}

func (o *Orchestrator) finishStory(key string) {
	o.mutate(func(s *Status) {
		s.Stories[key].Phase = StoryComplete
	})
	o.clearMark(key)
}

func (o *Orchestrator) escalate(key, reason, errMsg string, issues []workflow.Issue) {
	var cycles int
	o.mutate(func(s *Status) {
		st := s.Stories[key]
		st.Phase = StoryEscalated
		st.LastVerdict = reason
		if errMsg != "" {
			st.Error = errMsg
		}
		cycles = st.ReviewCycles
	})
	o.clearMark(key)
	o.deps.Events.Escalation(key, reason, cycles, eventIssues(issues))
	o.deps.Logger.Warn("story escalated",
		"story", key, "reason", reason, "reviewCycles", cycles, "issues", len(issues))
}

func (o *Orchestrator) clearMark(key string) {
	o.markMu.Lock()
	delete(o.phaseMarks, key)
	o.markMu.Unlock()
}

func (o *Orchestrator) runID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.RunID
}

func (o *Orchestrator) maxReviewCycles() int {
	if o.deps.Config.MaxReviewCycles < 1 {
		return config.Default().MaxReviewCycles
	}
	return o.deps.Config.MaxReviewCycles
}

// Pause closes the gate so stories halt before their next phase; phases in
// flight finish normally. Returns false when already paused.
func (o *Orchestrator) Pause() bool {
	if !o.gate.pause() {
		return false
	}
	o.mutate(func(s *Status) {
		if s.State == StateRunning {
			s.State = StatePaused
		}
	})
	o.deps.Events.Pause(true)
	o.deps.Logger.Info("orchestrator paused")
	return true
}

// Resume reopens the gate. Returns false when not paused.
func (o *Orchestrator) Resume() bool {
	if !o.gate.resume() {
		return false
	}
	o.mutate(func(s *Status) {
		if s.State == StatePaused {
			s.State = StateRunning
		}
	})
	o.deps.Events.Pause(false)
	o.deps.Logger.Info("orchestrator resumed")
	return true
}

// Status returns a copy of the current snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.clone()
}

// --- dispatch accounting, heartbeat, stalls ---

func (o *Orchestrator) beginDispatch() func() {
	o.activeDispatches.Add(1)
	return func() {
		o.activeDispatches.Add(-1)
		o.completedDispatches.Add(1)
	}
}

func (o *Orchestrator) queuedStories() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, st := range o.status.Stories {
		if st.Phase == StoryPending {
			n++
		}
	}
	return n
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	interval := o.deps.Config.HeartbeatInterval.Std()
	if interval <= 0 {
		interval = config.Default().HeartbeatInterval.Std()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.deps.Events.Heartbeat(o.runID(),
				int(o.activeDispatches.Load()),
				int(o.completedDispatches.Load()),
				o.queuedStories())
			o.scanStalls()
		}
	}
}

// scanStalls emits one stall event per story step that sat past the
// threshold without a transition.
func (o *Orchestrator) scanStalls() {
	threshold := o.deps.Config.StallThreshold.Std()
	if threshold <= 0 {
		threshold = config.Default().StallThreshold.Std()
	}

	runID := o.runID()
	now := time.Now()

	o.markMu.Lock()
	defer o.markMu.Unlock()
	for key, mark := range o.phaseMarks {
		elapsed := now.Sub(mark.since)
		if elapsed < threshold {
			continue
		}
		token := key + "\x00" + mark.step
		if o.stallReported[token] {
			continue
		}
		o.stallReported[token] = true
		o.deps.Events.Stall(runID, key, mark.step, elapsed)
		o.deps.Logger.Warn("story step stalled",
			"story", key, "step", mark.step, "elapsedMs", elapsed.Milliseconds())
	}
}

// recordTokens persists dispatch usage and mirrors it on the bus. Zero
// usage (a dispatch that never produced output) is skipped.
func (o *Orchestrator) recordTokens(agentName string, usage agent.TokenEstimate, meta map[string]any) {
	if usage.Input == 0 && usage.Output == 0 {
		return
	}
	o.deps.Events.Tokens(db.PhaseImplementation, agentName, usage.Input, usage.Output)

	buf, err := json.Marshal(meta)
	if err != nil {
		buf = []byte("{}")
	}
	entry := &db.TokenUsageEntry{
		PipelineRunID: o.runID(),
		Phase:         db.PhaseImplementation,
		Agent:         agentName,
		InputTokens:   usage.Input,
		OutputTokens:  usage.Output,
		Metadata:      string(buf),
	}
	if err := o.deps.Store.AddTokenUsage(entry); err != nil {
		o.deps.Logger.Warn("token usage write failed", "agent", agentName, "error", err)
	}
}

// --- helpers ---

// epicFromKey extracts the epic segment of a story key: "5-1" and "5.1"
// both belong to epic 5.
func epicFromKey(key string) string {
	if i := strings.IndexAny(key, ".-"); i > 0 {
		return key[:i]
	}
	return key
}

// taskScopeLines prints a batch as the task lines the dev prompt scopes to.
func taskScopeLines(b story.TaskBatch) string {
	lines := make([]string, len(b.TaskIDs))
	for i, id := range b.TaskIDs {
		lines[i] = fmt.Sprintf("T%d: %s", id, b.TaskTitles[i])
	}
	return strings.Join(lines, "\n")
}

func appendUnique(dst []string, seen map[string]bool, files []string) []string {
	for _, f := range files {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		dst = append(dst, f)
	}
	return dst
}

func verdictRank(verdict string) int {
	switch verdict {
	case workflow.VerdictMajorRework:
		return 3
	case workflow.VerdictMinorFixes:
		return 2
	case workflow.VerdictShipIt:
		return 1
	}
	return 0
}

func eventIssues(issues []workflow.Issue) []events.Issue {
	out := make([]events.Issue, len(issues))
	for i, is := range issues {
		out[i] = events.Issue{Severity: is.Severity, File: is.File, Desc: is.Description}
	}
	return out
}

// outcomeKeys splits the run's stories by result, preserving input order.
func outcomeKeys(snap Status) (succeeded, failed, escalated []string) {
	succeeded, failed, escalated = []string{}, []string{}, []string{}
	for _, key := range snap.StoryKeys {
		st, ok := snap.Stories[key]
		if !ok {
			continue
		}
		switch st.Phase {
		case StoryComplete:
			succeeded = append(succeeded, key)
		case StoryEscalated:
			escalated = append(escalated, key)
		default:
			failed = append(failed, key)
		}
	}
	return succeeded, failed, escalated
}
