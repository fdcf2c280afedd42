package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/randalmurphal/auto/internal/db"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateComplete State = "COMPLETE"
	StateFailed   State = "FAILED"
)

// StoryPhase is a story's position in its pipeline.
type StoryPhase string

const (
	StoryPending    StoryPhase = "PENDING"
	StoryCreating   StoryPhase = "IN_STORY_CREATION"
	StoryInDev      StoryPhase = "IN_DEV"
	StoryInReview   StoryPhase = "IN_REVIEW"
	StoryNeedsFixes StoryPhase = "NEEDS_FIXES"
	StoryComplete   StoryPhase = "COMPLETE"
	StoryEscalated  StoryPhase = "ESCALATED"
)

// DecompositionMetrics describes how a large story was split into batches.
// Present only on stories that actually ran batched.
type DecompositionMetrics struct {
	TotalTasks int   `json:"totalTasks"`
	BatchCount int   `json:"batchCount"`
	BatchSizes []int `json:"batchSizes"`
}

// StoryStatus tracks one story through the implementation pipeline.
type StoryStatus struct {
	Key           string                `json:"key"`
	Phase         StoryPhase            `json:"phase"`
	ReviewCycles  int                   `json:"review_cycles"`
	LastVerdict   string                `json:"last_verdict,omitempty"`
	Error         string                `json:"error,omitempty"`
	StoryFile     string                `json:"story_file,omitempty"`
	Decomposition *DecompositionMetrics `json:"decomposition,omitempty"`
	StartedAt     time.Time             `json:"started_at,omitzero"`
	UpdatedAt     time.Time             `json:"updated_at,omitzero"`
}

// Status is the orchestrator's serialized snapshot. It is persisted to
// pipeline_runs.token_usage_json after every meaningful mutation and is the
// sole source of truth for status reporting, story resume detection, and
// health probes (which need the owning process and host).
type Status struct {
	State           State                   `json:"state"`
	RunID           string                  `json:"run_id,omitempty"`
	OrchestratorPID int                     `json:"orchestrator_pid,omitempty"`
	Hostname        string                  `json:"hostname,omitempty"`
	StoryKeys       []string                `json:"story_keys,omitempty"`
	Stories         map[string]*StoryStatus `json:"stories,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at,omitzero"`
}

// Completed counts stories that finished their pipeline.
func (s *Status) Completed() int { return s.countPhase(StoryComplete) }

// Escalated counts stories handed to a human.
func (s *Status) Escalated() int { return s.countPhase(StoryEscalated) }

// Unfinished counts stories that neither completed nor escalated.
func (s *Status) Unfinished() int {
	n := 0
	for _, st := range s.Stories {
		if st.Phase != StoryComplete && st.Phase != StoryEscalated {
			n++
		}
	}
	return n
}

func (s *Status) countPhase(phase StoryPhase) int {
	n := 0
	for _, st := range s.Stories {
		if st.Phase == phase {
			n++
		}
	}
	return n
}

// clone deep-copies the snapshot so callers can read it without holding the
// orchestrator lock.
func (s *Status) clone() Status {
	out := *s
	out.StoryKeys = append([]string(nil), s.StoryKeys...)
	out.Stories = make(map[string]*StoryStatus, len(s.Stories))
	for key, st := range s.Stories {
		copied := *st
		if st.Decomposition != nil {
			d := *st.Decomposition
			d.BatchSizes = append([]int(nil), st.Decomposition.BatchSizes...)
			copied.Decomposition = &d
		}
		out.Stories[key] = &copied
	}
	return out
}

// LoadSnapshot reads the persisted orchestrator snapshot from a run row.
// A run that never reached implementation has none.
func LoadSnapshot(run *db.PipelineRun) (Status, bool) {
	if run == nil || run.TokenUsageJSON == "" {
		return Status{State: StateIdle}, false
	}
	var snap Status
	if err := json.Unmarshal([]byte(run.TokenUsageJSON), &snap); err != nil {
		return Status{State: StateIdle}, false
	}
	if snap.State == "" {
		return Status{State: StateIdle}, false
	}
	return snap, true
}
