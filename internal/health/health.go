// Package health probes a pipeline run from outside the orchestrator
// process: is the run making progress, does its process tree look sane,
// and which stories are in flight. The verdict is advisory; it never
// mutates the run.
package health

import (
	"os"
	"time"

	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/lock"
	"github.com/randalmurphal/auto/internal/orchestrator"
)

// Verdicts.
const (
	VerdictHealthy = "HEALTHY"
	VerdictStalled = "STALLED"
	VerdictNoRun   = "NO_PIPELINE_RUNNING"
)

// StalenessThreshold is how long a running pipeline may go without any
// persisted activity before it counts as stalled.
const StalenessThreshold = 600 * time.Second

// ProcessReport describes the orchestrator's process tree as seen from
// this host. Empty when the run belongs to a different host.
type ProcessReport struct {
	OrchestratorPID int    `json:"orchestrator_pid,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
	Alive           bool   `json:"alive"`
	ChildPIDs       []int  `json:"child_pids,omitempty"`
	Zombies         []int  `json:"zombies,omitempty"`
}

// StoriesReport summarizes implementation progress from the persisted
// orchestrator snapshot.
type StoriesReport struct {
	Active    int               `json:"active"`
	Completed int               `json:"completed"`
	Escalated int               `json:"escalated"`
	Details   map[string]string `json:"details,omitempty"`
}

// Report is the health probe result.
type Report struct {
	Verdict          string         `json:"verdict"`
	RunID            string         `json:"run_id,omitempty"`
	Status           string         `json:"status,omitempty"`
	CurrentPhase     string         `json:"current_phase,omitempty"`
	StalenessSeconds int            `json:"staleness_seconds"`
	LastActivity     time.Time      `json:"last_activity,omitzero"`
	Reasons          []string       `json:"reasons,omitempty"`
	Process          *ProcessReport `json:"process,omitempty"`
	Stories          *StoriesReport `json:"stories,omitempty"`
}

// Checker probes runs against the store and the local process table.
type Checker struct {
	store      *db.Store
	projectDir string

	now      func() time.Time
	tree     func(pid int) (children, zombies []int)
	alive    func(pid int) bool
	hostname string
}

// Option adjusts a Checker, mainly for tests.
type Option func(*Checker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithProcessProbe overrides process-tree scanning and liveness checks.
func WithProcessProbe(tree func(pid int) (children, zombies []int), alive func(pid int) bool) Option {
	return func(c *Checker) {
		c.tree = tree
		c.alive = alive
	}
}

// NewChecker creates a health checker for the project at projectDir.
func NewChecker(store *db.Store, projectDir string, opts ...Option) *Checker {
	hostname, _ := os.Hostname()
	c := &Checker{
		store:      store,
		projectDir: projectDir,
		now:        time.Now,
		tree:       scanProcessTree,
		alive:      lock.ProcessAlive,
		hostname:   hostname,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check probes the named run, or the active run when runID is empty.
func (c *Checker) Check(runID string) (*Report, error) {
	run, err := c.resolve(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return &Report{Verdict: VerdictNoRun}, nil
	}

	snap, hasSnap := orchestrator.LoadSnapshot(run)

	rep := &Report{
		RunID:        run.ID,
		Status:       run.Status,
		CurrentPhase: run.CurrentPhase,
		LastActivity: run.UpdatedAt,
	}
	if hasSnap && snap.UpdatedAt.After(rep.LastActivity) {
		rep.LastActivity = snap.UpdatedAt
	}
	staleness := c.now().UTC().Sub(rep.LastActivity)
	if staleness < 0 {
		staleness = 0
	}
	rep.StalenessSeconds = int(staleness / time.Second)

	if hasSnap {
		rep.Stories = summarizeStories(&snap)
	}
	rep.Process = c.probeProcess(run, &snap)

	c.judge(rep, run)
	return rep, nil
}

func (c *Checker) resolve(runID string) (*db.PipelineRun, error) {
	if runID != "" {
		run, err := c.store.GetPipelineRun(runID)
		if err != nil {
			return nil, autoerrors.ErrStoreFailed("read run", err)
		}
		if run == nil {
			return nil, autoerrors.ErrRunNotFound(runID)
		}
		return run, nil
	}
	run, err := c.store.GetActiveRun()
	if err != nil {
		return nil, autoerrors.ErrStoreFailed("read active run", err)
	}
	return run, nil
}

// probeProcess inspects the orchestrator's process tree. Runs owned by
// another host report the recorded PID but skip liveness claims.
func (c *Checker) probeProcess(run *db.PipelineRun, snap *orchestrator.Status) *ProcessReport {
	pid := snap.OrchestratorPID
	host := snap.Hostname
	if pid == 0 {
		// Pre-implementation runs have no snapshot; the workspace guard
		// still knows the owning process.
		if holder, held := lock.NewGuard(c.projectDir).Holder(); held {
			pid = holder
			host = c.hostname
		}
	}
	if pid == 0 {
		return nil
	}

	rep := &ProcessReport{OrchestratorPID: pid, Hostname: host}
	if host != "" && host != c.hostname {
		return rep
	}
	rep.Alive = c.alive(pid)
	if rep.Alive {
		rep.ChildPIDs, rep.Zombies = c.tree(pid)
	}
	return rep
}

func summarizeStories(snap *orchestrator.Status) *StoriesReport {
	rep := &StoriesReport{Details: make(map[string]string, len(snap.Stories))}
	for key, st := range snap.Stories {
		rep.Details[key] = string(st.Phase)
		switch st.Phase {
		case orchestrator.StoryComplete:
			rep.Completed++
		case orchestrator.StoryEscalated:
			rep.Escalated++
		default:
			rep.Active++
		}
	}
	return rep
}

// judge derives the verdict. Only runs still marked running can stall;
// terminal runs are healthy by definition.
func (c *Checker) judge(rep *Report, run *db.PipelineRun) {
	if run.Status != db.RunStatusRunning {
		rep.Verdict = VerdictHealthy
		return
	}

	sameHost := rep.Process == nil || rep.Process.Hostname == "" || rep.Process.Hostname == c.hostname

	if rep.Process != nil && len(rep.Process.Zombies) > 0 {
		rep.Reasons = append(rep.Reasons, "zombie agent processes under the orchestrator")
	}
	if time.Duration(rep.StalenessSeconds)*time.Second > StalenessThreshold {
		rep.Reasons = append(rep.Reasons, "no persisted activity past the staleness threshold")
	}
	if rep.Process != nil && sameHost && !rep.Process.Alive {
		rep.Reasons = append(rep.Reasons, "run is marked running but its orchestrator process is gone")
	}
	if rep.Process != nil && sameHost && rep.Process.Alive &&
		len(rep.Process.ChildPIDs) == 0 && rep.Stories != nil && rep.Stories.Active > 0 {
		rep.Reasons = append(rep.Reasons, "stories are active but no agent process is running")
	}

	if len(rep.Reasons) > 0 {
		rep.Verdict = VerdictStalled
	} else {
		rep.Verdict = VerdictHealthy
	}
}
