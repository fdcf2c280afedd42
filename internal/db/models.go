package db

import "time"

// Pipeline run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusStopped   = "stopped"
)

// Pipeline phases, in execution order.
const (
	PhaseAnalysis       = "analysis"
	PhasePlanning       = "planning"
	PhaseSolutioning    = "solutioning"
	PhaseImplementation = "implementation"
)

// PhaseOrder lists the pipeline phases in execution order.
var PhaseOrder = []string{PhaseAnalysis, PhasePlanning, PhaseSolutioning, PhaseImplementation}

// PhaseIndex returns the position of a phase in the pipeline, or -1.
func PhaseIndex(phase string) int {
	for i, p := range PhaseOrder {
		if p == phase {
			return i
		}
	}
	return -1
}

// Decision statuses.
const (
	DecisionActive     = "active"
	DecisionSuperseded = "superseded"
)

// Requirement categories.
const (
	RequirementFunctional    = "functional"
	RequirementNonFunctional = "non_functional"
	RequirementStory         = "story"
)

// RequirementActive is the default requirement status.
const RequirementActive = "active"

// Artifact types registered by the phases.
const (
	ArtifactPRD          = "prd"
	ArtifactArchitecture = "architecture"
	ArtifactEpics        = "epics"
	ArtifactStories      = "stories"
	ArtifactDeltaDoc     = "delta_doc"
)

// PipelineRun represents one end-to-end pipeline execution.
type PipelineRun struct {
	ID             string
	Methodology    string
	Status         string
	CurrentPhase   string
	ConfigJSON     string
	TokenUsageJSON string
	ParentRunID    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsAmendment reports whether this run amends a parent run.
func (r *PipelineRun) IsAmendment() bool {
	return r.ParentRunID != nil && *r.ParentRunID != ""
}

// Decision is a durable decision produced by a pipeline phase.
// Decisions are unique per (run, phase, category, key); writing the same
// coordinates again updates value and rationale in place.
type Decision struct {
	ID            string
	PipelineRunID string
	Phase         string
	Category      string
	Key           string
	Value         string
	Rationale     string
	Status        string
	SupersededBy  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Requirement is an extracted product requirement. Source names the phase
// that produced it ("planning-phase", "solutioning-phase"); stories created
// during solutioning get one requirement each for downstream discovery.
type Requirement struct {
	ID            string
	PipelineRunID string
	Source        string
	Category      string
	Description   string
	Priority      string
	Status        string
	CreatedAt     time.Time
}

// Artifact is a named document produced by a phase (PRD, architecture,
// story set). Registered artifacts are upserted on (run, phase, type).
type Artifact struct {
	ID            string
	PipelineRunID string
	Phase         string
	Type          string
	Content       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TokenUsageEntry is one append-only record of agent token consumption.
type TokenUsageEntry struct {
	ID            int64
	PipelineRunID string
	Phase         string
	Agent         string
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	Metadata      string
	CreatedAt     time.Time
}

// TokenUsageSummary aggregates usage for one (phase, agent) pair.
type TokenUsageSummary struct {
	Phase        string  `json:"phase"`
	Agent        string  `json:"agent"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Cost pricing per million tokens, in USD.
const (
	inputCostPerMillion  = 3.0
	outputCostPerMillion = 15.0
)

// CostUSD computes the dollar cost for a token count pair.
func CostUSD(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*inputCostPerMillion + float64(outputTokens)*outputCostPerMillion) / 1_000_000
}
