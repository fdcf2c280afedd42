// Package pipeline drives the four delivery phases: analysis, planning,
// solutioning, and implementation. The Runner owns run rows end to end: it
// creates them, appends to the phase history in config_json after every
// transition, evaluates the stop-after gate strictly between phases, and
// hands the implementation phase to the story orchestrator. Amendment runs
// replay phases against a completed parent and supersede the parent
// decisions they replace.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/randalmurphal/auto/internal/config"
	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/events"
	"github.com/randalmurphal/auto/internal/gitops"
	"github.com/randalmurphal/auto/internal/orchestrator"
	"github.com/randalmurphal/auto/internal/pack"
	"github.com/randalmurphal/auto/internal/workflow"
)

// Agent names attributed in logs and token usage, one per phase persona.
const (
	agentAnalyst   = "analyst"
	agentPM        = "pm"
	agentArchitect = "architect"
)

// Deps carries the Runner's collaborators. Store, Pack, and Dispatcher are
// required; the rest default sensibly.
type Deps struct {
	Store      *db.Store
	Pack       *pack.Pack
	Dispatcher workflow.Dispatcher
	Config     *config.Config
	Events     *events.PublishHelper
	Logger     *slog.Logger

	// Workdir is the project root agents operate in.
	Workdir string
	// Repo wraps git operations in Workdir; defaults to a real repo there.
	Repo *gitops.Repo

	// BindRun is called once per invocation with the run ID, as soon as the
	// run row exists and before any phase executes. The CLI uses it to scope
	// event persistence to the run.
	BindRun func(runID string)
}

// Runner executes pipeline runs phase by phase.
type Runner struct {
	deps Deps
}

// New creates a phase runner, filling unset deps with defaults.
func New(deps Deps) *Runner {
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
	if deps.Repo == nil {
		deps.Repo = gitops.NewRepo(deps.Workdir)
	}
	if deps.BindRun == nil {
		deps.BindRun = func(string) {}
	}
	return &Runner{deps: deps}
}

// Options are the invocation parameters of a pipeline run. They are
// persisted into the run's config_json so resume sees the same choices.
type Options struct {
	// From is the first phase to execute; empty means analysis.
	From string
	// StopAfter halts the run once the named phase completes.
	StopAfter string
	// Concept is the raw product concept. Required when From is analysis.
	Concept string
	// Stories overrides the implementation story keys. When empty the
	// keys recorded by solutioning are used.
	Stories []string
	// Concurrency overrides config max_concurrency when positive.
	Concurrency int
}

// PhaseRecord is one phaseHistory entry in config_json. A record with a
// zero CompletedAt marks a phase that started but never finished; resume
// re-runs it.
type PhaseRecord struct {
	Phase       string    `json:"phase"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
}

// runConfig is the config_json payload.
type runConfig struct {
	Concept      string        `json:"concept,omitempty"`
	From         string        `json:"from,omitempty"`
	StopAfter    string        `json:"stopAfter,omitempty"`
	Stories      []string      `json:"stories,omitempty"`
	Concurrency  int           `json:"concurrency,omitempty"`
	PhaseHistory []PhaseRecord `json:"phaseHistory,omitempty"`
}

// StopSummary describes the phase a stop-after gate halted behind.
type StopSummary struct {
	Phase          string    `json:"phase"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
	DecisionsCount int       `json:"decisionsCount"`
	RunID          string    `json:"runId"`
}

// Outcome reports where a pipeline invocation ended up.
type Outcome struct {
	RunID  string        `json:"run_id"`
	Status string        `json:"status"`
	Phases []PhaseRecord `json:"phases,omitempty"`
	// Stopped is set when a stop-after gate halted the run.
	Stopped *StopSummary `json:"stopped,omitempty"`
	// Gaps lists uncovered functional requirements when the readiness
	// gate failed after its single retry.
	Gaps []string `json:"gaps,omitempty"`
	// Implementation is the orchestrator snapshot when that phase ran.
	Implementation *orchestrator.Status `json:"implementation,omitempty"`
	// DeltaPath is where a completed amendment wrote its delta document.
	DeltaPath string `json:"delta_path,omitempty"`
}

// Start creates a pipeline run and executes phases from opts.From.
func (r *Runner) Start(ctx context.Context, opts Options) (*Outcome, error) {
	from := opts.From
	if from == "" {
		from = db.PhaseAnalysis
	}
	if err := validatePhases(from, opts.StopAfter); err != nil {
		return nil, err
	}
	if from == db.PhaseAnalysis && strings.TrimSpace(opts.Concept) == "" {
		return nil, autoerrors.ErrInputInvalid("concept",
			"starting from analysis requires --concept, --concept-file, or --concept-issue")
	}

	rc := &runConfig{
		Concept:     opts.Concept,
		From:        from,
		StopAfter:   opts.StopAfter,
		Stories:     opts.Stories,
		Concurrency: opts.Concurrency,
	}
	run := &db.PipelineRun{
		Methodology:  r.deps.Pack.Manifest.Name,
		Status:       db.RunStatusRunning,
		CurrentPhase: from,
		ConfigJSON:   marshalConfig(rc),
	}
	if err := r.deps.Store.CreatePipelineRun(run); err != nil {
		return nil, autoerrors.ErrStoreFailed("create pipeline run", err)
	}
	r.deps.BindRun(run.ID)

	r.deps.Logger.Info("pipeline run starting",
		"run", run.ID,
		"from", from,
		"stopAfter", rc.StopAfter,
		"methodology", run.Methodology,
	)
	return r.execute(ctx, run, rc, from)
}

// Resume continues a run from its next pending phase, read from the
// phase history. Completed runs cannot be resumed.
func (r *Runner) Resume(ctx context.Context, runID string, opts Options) (*Outcome, error) {
	run, err := r.resolveRun(runID)
	if err != nil {
		return nil, err
	}
	if run.Status == db.RunStatusCompleted {
		return nil, autoerrors.ErrInputInvalid("resume",
			fmt.Sprintf("run %s already completed; use 'auto amend' to change it", run.ID))
	}
	r.deps.BindRun(run.ID)

	rc := loadRunConfig(run)
	if opts.StopAfter != "" {
		if db.PhaseIndex(opts.StopAfter) < 0 {
			return nil, autoerrors.ErrInputInvalid("--stop-after", fmt.Sprintf("unknown phase %q", opts.StopAfter))
		}
		rc.StopAfter = opts.StopAfter
	}
	if opts.Concurrency > 0 {
		rc.Concurrency = opts.Concurrency
	}
	if len(opts.Stories) > 0 {
		rc.Stories = opts.Stories
	}

	next, pending := nextPendingPhase(rc)
	if !pending {
		// Every phase already completed; close the run out.
		return r.finishRun(run, rc, &Outcome{RunID: run.ID, Phases: rc.PhaseHistory})
	}

	run.Status = db.RunStatusRunning
	if err := r.persist(run, rc); err != nil {
		return nil, err
	}

	r.deps.Logger.Info("pipeline run resuming", "run", run.ID, "phase", next)
	return r.execute(ctx, run, rc, next)
}

// Amend creates an amendment run against a completed parent and executes
// it from opts.From. Decisions of the skipped earlier phases are copied
// from the parent so prompts keep their context; decisions produced by the
// replayed phases supersede their parent counterparts.
func (r *Runner) Amend(ctx context.Context, parentRunID string, opts Options) (*Outcome, error) {
	parent, err := r.resolveAmendParent(parentRunID)
	if err != nil {
		return nil, err
	}

	from := opts.From
	if from == "" {
		from = db.PhaseAnalysis
	}
	if err := validatePhases(from, opts.StopAfter); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Concept) == "" {
		return nil, autoerrors.ErrInputInvalid("concept", "amendments require --concept describing the change")
	}

	rc := &runConfig{
		Concept:     opts.Concept,
		From:        from,
		StopAfter:   opts.StopAfter,
		Stories:     opts.Stories,
		Concurrency: opts.Concurrency,
	}
	run, err := r.deps.Store.CreateAmendmentRun(parent.ID, parent.Methodology, marshalConfig(rc))
	if err != nil {
		return nil, autoerrors.ErrStoreFailed("create amendment run", err)
	}
	r.deps.BindRun(run.ID)

	if idx := db.PhaseIndex(from); idx > 0 {
		copied, err := r.deps.Store.CopyDecisionsForPhases(parent.ID, run.ID, db.PhaseOrder[:idx])
		if err != nil {
			return nil, autoerrors.ErrStoreFailed("copy parent decisions", err)
		}
		r.deps.Logger.Info("inherited parent decisions for skipped phases",
			"run", run.ID, "parent", parent.ID, "decisions", copied)
	}

	r.deps.Logger.Info("amendment run starting",
		"run", run.ID, "parent", parent.ID, "from", from)
	return r.execute(ctx, run, rc, from)
}

// execute walks the phase order from the given phase, honoring the
// stop-after gate between phases.
func (r *Runner) execute(ctx context.Context, run *db.PipelineRun, rc *runConfig, from string) (*Outcome, error) {
	out := &Outcome{RunID: run.ID}
	startIdx := db.PhaseIndex(from)
	fromIdx := db.PhaseIndex(rc.From)

	for i, phase := range db.PhaseOrder {
		if i < startIdx {
			if i >= fromIdx {
				r.deps.Events.PhaseSkipped(phase)
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.failRun(run, rc, phase, out, err)
		}

		rec, err := r.beginPhase(run, rc, phase)
		if err != nil {
			return r.failRun(run, rc, phase, out, err)
		}
		if err := r.runPhase(ctx, run, rc, phase, out); err != nil {
			return r.failRun(run, rc, phase, out, err)
		}
		r.completePhase(run, rc, rec)

		if run.IsAmendment() {
			r.supersedeParentDecisions(run, phase)
		}

		if rc.StopAfter == phase && i < len(db.PhaseOrder)-1 {
			return r.stopRun(run, rc, *rec, out)
		}
	}

	return r.finishRun(run, rc, out)
}

func (r *Runner) runPhase(ctx context.Context, run *db.PipelineRun, rc *runConfig, phase string, out *Outcome) error {
	switch phase {
	case db.PhaseAnalysis:
		return r.runAnalysis(ctx, run, rc)
	case db.PhasePlanning:
		return r.runPlanning(ctx, run)
	case db.PhaseSolutioning:
		return r.runSolutioning(ctx, run, out)
	case db.PhaseImplementation:
		return r.runImplementation(ctx, run, rc, out)
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}
}

// runImplementation hands the run's stories to the implementation
// orchestrator. Escalated stories do not fail the phase; they are surfaced
// in the outcome snapshot for the operator.
func (r *Runner) runImplementation(ctx context.Context, run *db.PipelineRun, rc *runConfig, out *Outcome) error {
	keys := rc.Stories
	if len(keys) == 0 {
		var err error
		keys, err = r.storyKeys(run.ID)
		if err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		return autoerrors.ErrGateFailed("implementation", "no stories recorded for this run; run solutioning first")
	}

	cfg := r.deps.Config
	if rc.Concurrency > 0 && rc.Concurrency != cfg.MaxConcurrency {
		clone := *cfg
		clone.MaxConcurrency = rc.Concurrency
		cfg = &clone
	}

	workflows := workflow.New(workflow.Deps{
		Pack:       r.deps.Pack,
		Context:    workflow.NewCompiler(r.deps.Store),
		Dispatcher: r.deps.Dispatcher,
		Repo:       r.deps.Repo,
		Logger:     r.deps.Logger,
		Budgets:    cfg.Budgets,
		DevTimeout: cfg.Agent.DevTimeout.Std(),
	})
	orc := orchestrator.New(orchestrator.Deps{
		Store:     r.deps.Store,
		Workflows: workflows,
		RunID:     run.ID,
		Config:    cfg,
		Events:    r.deps.Events,
		Logger:    r.deps.Logger,
		Workdir:   r.deps.Workdir,
	})

	status, err := orc.Run(ctx, keys)
	out.Implementation = &status
	if err != nil {
		return err
	}

	// The orchestrator snapshots into token_usage_json; re-read so later
	// status writes in this process don't clobber it with a stale copy.
	if fresh, err := r.deps.Store.GetPipelineRun(run.ID); err == nil && fresh != nil {
		run.TokenUsageJSON = fresh.TokenUsageJSON
	}
	return nil
}

// storyKeys returns the story keys solutioning recorded, ordered
// numerically by epic then story number.
func (r *Runner) storyKeys(runID string) ([]string, error) {
	decisions, err := r.deps.Store.GetDecisionsByCategory(runID, db.PhaseSolutioning, "stories")
	if err != nil {
		return nil, autoerrors.ErrStoreFailed("read stories", err)
	}
	keys := make([]string, 0, len(decisions))
	for _, d := range decisions {
		if d.Status == db.DecisionActive {
			keys = append(keys, d.Key)
		}
	}
	sortStoryKeys(keys)
	return keys, nil
}

// beginPhase records the transition into a phase: current_phase moves, a
// history entry starts (or restarts, if a previous process died mid-phase),
// and the row is persisted before any dispatch happens.
func (r *Runner) beginPhase(run *db.PipelineRun, rc *runConfig, phase string) (*PhaseRecord, error) {
	run.CurrentPhase = phase

	var rec *PhaseRecord
	for i := range rc.PhaseHistory {
		if rc.PhaseHistory[i].Phase == phase && rc.PhaseHistory[i].CompletedAt.IsZero() {
			rec = &rc.PhaseHistory[i]
			break
		}
	}
	if rec == nil {
		rc.PhaseHistory = append(rc.PhaseHistory, PhaseRecord{Phase: phase})
		rec = &rc.PhaseHistory[len(rc.PhaseHistory)-1]
	}
	rec.StartedAt = time.Now().UTC()

	if err := r.persist(run, rc); err != nil {
		return nil, err
	}
	r.deps.Events.PhaseStart(phase)
	r.deps.Logger.Info("phase starting", "run", run.ID, "phase", phase)
	return rec, nil
}

func (r *Runner) completePhase(run *db.PipelineRun, rc *runConfig, rec *PhaseRecord) {
	rec.CompletedAt = time.Now().UTC()
	if err := r.persist(run, rc); err != nil {
		r.deps.Logger.Warn("phase history write failed", "run", run.ID, "phase", rec.Phase, "error", err)
	}
	r.deps.Events.PhaseComplete(rec.Phase)
	r.deps.Logger.Info("phase complete",
		"run", run.ID,
		"phase", rec.Phase,
		"durationMs", rec.CompletedAt.Sub(rec.StartedAt).Milliseconds(),
	)
}

func (r *Runner) failRun(run *db.PipelineRun, rc *runConfig, phase string, out *Outcome, err error) (*Outcome, error) {
	run.Status = db.RunStatusFailed
	if perr := r.persist(run, rc); perr != nil {
		r.deps.Logger.Warn("failure status write failed", "run", run.ID, "error", perr)
	}
	r.deps.Events.PhaseFailed(phase, err)
	r.deps.Logger.Error("phase failed", "run", run.ID, "phase", phase, "error", err)

	out.Status = db.RunStatusFailed
	out.Phases = rc.PhaseHistory
	return out, err
}

// stopRun marks the run stopped at the stop-after gate. The returned
// outcome carries the summary the CLI renders; the error is nil because a
// requested stop is a success.
func (r *Runner) stopRun(run *db.PipelineRun, rc *runConfig, rec PhaseRecord, out *Outcome) (*Outcome, error) {
	run.Status = db.RunStatusStopped
	if err := r.persist(run, rc); err != nil {
		return nil, err
	}

	count := 0
	if decisions, err := r.deps.Store.GetDecisionsByPhase(run.ID, rec.Phase); err == nil {
		count = len(decisions)
	}
	out.Status = db.RunStatusStopped
	out.Phases = rc.PhaseHistory
	out.Stopped = &StopSummary{
		Phase:          rec.Phase,
		StartedAt:      rec.StartedAt,
		CompletedAt:    rec.CompletedAt,
		DecisionsCount: count,
		RunID:          run.ID,
	}
	r.deps.Logger.Info("pipeline stopped at gate",
		"run", run.ID, "phase", rec.Phase, "decisions", count)
	return out, nil
}

func (r *Runner) finishRun(run *db.PipelineRun, rc *runConfig, out *Outcome) (*Outcome, error) {
	run.Status = db.RunStatusCompleted
	if err := r.persist(run, rc); err != nil {
		return nil, err
	}
	if run.IsAmendment() {
		out.DeltaPath = r.writeDeltaDocument(run, rc)
	}

	out.Status = db.RunStatusCompleted
	out.Phases = rc.PhaseHistory
	r.deps.Logger.Info("pipeline run complete", "run", run.ID)
	return out, nil
}

// persist writes config_json and the run row together. Phase transitions
// are not allowed to proceed on a failed write.
func (r *Runner) persist(run *db.PipelineRun, rc *runConfig) error {
	run.ConfigJSON = marshalConfig(rc)
	if err := r.deps.Store.UpdatePipelineRun(run); err != nil {
		return autoerrors.ErrStoreFailed("update pipeline run", err)
	}
	return nil
}

func (r *Runner) resolveRun(runID string) (*db.PipelineRun, error) {
	if runID == "" {
		run, err := r.deps.Store.GetLatestRun()
		if err != nil {
			return nil, autoerrors.ErrStoreFailed("read latest run", err)
		}
		if run == nil {
			return nil, autoerrors.ErrRunNotFound("(latest)")
		}
		return run, nil
	}
	run, err := r.deps.Store.GetPipelineRun(runID)
	if err != nil {
		return nil, autoerrors.ErrStoreFailed("read run", err)
	}
	if run == nil {
		return nil, autoerrors.ErrRunNotFound(runID)
	}
	return run, nil
}

func (r *Runner) resolveAmendParent(parentRunID string) (*db.PipelineRun, error) {
	if parentRunID == "" {
		parent, err := r.deps.Store.GetLatestCompletedRun()
		if err != nil {
			return nil, autoerrors.ErrStoreFailed("read latest completed run", err)
		}
		if parent == nil {
			return nil, autoerrors.ErrInputInvalid("amend", "no completed run to amend")
		}
		return parent, nil
	}
	parent, err := r.deps.Store.GetPipelineRun(parentRunID)
	if err != nil {
		return nil, autoerrors.ErrStoreFailed("read run", err)
	}
	if parent == nil {
		return nil, autoerrors.ErrRunNotFound(parentRunID)
	}
	if parent.Status != db.RunStatusCompleted {
		return nil, autoerrors.ErrInputInvalid("amend",
			fmt.Sprintf("run %s is %s; amendments target completed runs", parent.ID, parent.Status))
	}
	return parent, nil
}

// nextPendingPhase returns the first phase without a completed history
// entry, skipping phases before the run's configured starting point.
func nextPendingPhase(rc *runConfig) (string, bool) {
	fromIdx := db.PhaseIndex(rc.From)
	completed := make(map[string]bool, len(rc.PhaseHistory))
	for _, rec := range rc.PhaseHistory {
		if !rec.CompletedAt.IsZero() {
			completed[rec.Phase] = true
		}
	}
	for i, phase := range db.PhaseOrder {
		if i < fromIdx {
			continue
		}
		if !completed[phase] {
			return phase, true
		}
	}
	return "", false
}

func validatePhases(from, stopAfter string) error {
	if db.PhaseIndex(from) < 0 {
		return autoerrors.ErrInputInvalid("--from",
			fmt.Sprintf("unknown phase %q; one of %s", from, strings.Join(db.PhaseOrder, ", ")))
	}
	if stopAfter != "" {
		if db.PhaseIndex(stopAfter) < 0 {
			return autoerrors.ErrInputInvalid("--stop-after",
				fmt.Sprintf("unknown phase %q; one of %s", stopAfter, strings.Join(db.PhaseOrder, ", ")))
		}
		if db.PhaseIndex(stopAfter) < db.PhaseIndex(from) {
			return autoerrors.ErrInputInvalid("--stop-after",
				fmt.Sprintf("phase %q precedes --from %q; nothing would run", stopAfter, from))
		}
	}
	return nil
}

func loadRunConfig(run *db.PipelineRun) *runConfig {
	rc := &runConfig{}
	if run.ConfigJSON != "" {
		// Unparsable config means a hand-edited row; start from blank
		// parameters rather than refusing to resume.
		_ = json.Unmarshal([]byte(run.ConfigJSON), rc)
	}
	if rc.From == "" {
		rc.From = db.PhaseAnalysis
	}
	return rc
}

func marshalConfig(rc *runConfig) string {
	raw, err := json.Marshal(rc)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// sortStoryKeys orders keys numerically by epic then story number, so
// "1.10" sorts after "1.9" rather than after "1.1". Keys that do not parse
// sort lexicographically after the numeric ones.
func sortStoryKeys(keys []string) {
	type parsed struct {
		epic, story int
		ok          bool
	}
	cache := make(map[string]parsed, len(keys))
	split := func(key string) parsed {
		if p, hit := cache[key]; hit {
			return p
		}
		p := parsed{}
		if i := strings.IndexAny(key, ".-"); i > 0 {
			epic, err1 := strconv.Atoi(key[:i])
			story, err2 := strconv.Atoi(key[i+1:])
			if err1 == nil && err2 == nil {
				p = parsed{epic: epic, story: story, ok: true}
			}
		}
		cache[key] = p
		return p
	}
	sort.SliceStable(keys, func(i, j int) bool {
		pa, pb := split(keys[i]), split(keys[j])
		switch {
		case pa.ok && pb.ok:
			if pa.epic != pb.epic {
				return pa.epic < pb.epic
			}
			return pa.story < pb.story
		case pa.ok != pb.ok:
			return pa.ok
		default:
			return keys[i] < keys[j]
		}
	})
}
