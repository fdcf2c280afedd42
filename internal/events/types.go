// Package events provides event types and publishing infrastructure for auto.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventRunStart indicates a pipeline run has started.
	EventRunStart EventType = "run_start"
	// EventRunComplete indicates a pipeline run has finished.
	EventRunComplete EventType = "run_complete"
	// EventPhase indicates a pipeline phase status change.
	EventPhase EventType = "phase"
	// EventTokens indicates token usage update.
	EventTokens EventType = "tokens"

	// Story pipeline events (implementation phase)

	// EventStoryPhase indicates a story step status change.
	EventStoryPhase EventType = "story_phase"
	// EventStoryDone indicates a story finished its pipeline.
	EventStoryDone EventType = "story_done"
	// EventEscalation indicates a story was escalated to a human.
	EventEscalation EventType = "escalation"
	// EventWarning indicates a non-fatal warning.
	EventWarning EventType = "warning"
	// EventLog indicates a verbose diagnostic line.
	EventLog EventType = "log"

	// Progress events (for long-running operations)

	// EventHeartbeat indicates the orchestrator is still running.
	EventHeartbeat EventType = "heartbeat"
	// EventStall indicates a story step exceeded its deadline without transition.
	EventStall EventType = "stall"
	// EventPause indicates the pause gate was toggled.
	EventPause EventType = "pause"
)

// Event represents a published event.
type Event struct {
	Type     EventType `json:"type"`
	StoryKey string    `json:"story_key"`
	Data     any       `json:"data"`
	Time     time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, storyKey string, data any) Event {
	return Event{
		Type:     eventType,
		StoryKey: storyKey,
		Data:     data,
		Time:     time.Now(),
	}
}

// Story step status values carried by StoryPhaseUpdate.
const (
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// RunStart announces a new pipeline run.
type RunStart struct {
	RunID       string   `json:"run_id"`
	Stories     []string `json:"stories"`
	Concurrency int      `json:"concurrency"`
}

// RunComplete summarizes a finished pipeline run.
type RunComplete struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	Escalated []string `json:"escalated"`
}

// PhaseUpdate represents a pipeline phase status change.
type PhaseUpdate struct {
	Phase  string `json:"phase"`
	Status string `json:"status"` // started, completed, failed, skipped
	Error  string `json:"error,omitempty"`
}

// StoryPhaseUpdate represents a story step status change.
type StoryPhaseUpdate struct {
	Key     string `json:"key"`
	Phase   string `json:"phase"` // create-story, dev-story, code-review, fix
	Status  string `json:"status"`
	Verdict string `json:"verdict,omitempty"`
	File    string `json:"file,omitempty"`
}

// StoryDone represents a story leaving the pipeline.
type StoryDone struct {
	Key          string `json:"key"`
	Result       string `json:"result"` // success, failed
	ReviewCycles int    `json:"review_cycles"`
}

// Issue is a single review finding attached to an escalation.
type Issue struct {
	Severity string `json:"severity"`
	File     string `json:"file"`
	Desc     string `json:"desc"`
}

// EscalationData carries the context a human needs to take over a story.
type EscalationData struct {
	Key    string  `json:"key"`
	Reason string  `json:"reason"`
	Cycles int     `json:"cycles"`
	Issues []Issue `json:"issues"`
}

// WarningData represents a non-fatal warning.
type WarningData struct {
	Key     string `json:"key,omitempty"`
	Message string `json:"message"`
}

// LogData represents a verbose diagnostic line.
type LogData struct {
	Key     string `json:"key,omitempty"`
	Message string `json:"message"`
}

// HeartbeatData reports orchestrator liveness and dispatch counts.
type HeartbeatData struct {
	RunID               string `json:"run_id"`
	ActiveDispatches    int    `json:"active_dispatches"`
	CompletedDispatches int    `json:"completed_dispatches"`
	QueuedDispatches    int    `json:"queued_dispatches"`
}

// StallData reports a story step that stopped making progress.
type StallData struct {
	RunID     string `json:"run_id"`
	StoryKey  string `json:"story_key"`
	Phase     string `json:"phase"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// TokenUpdate represents token usage information.
type TokenUpdate struct {
	Phase        string `json:"phase"`
	Agent        string `json:"agent"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
}

// PauseData represents a pause gate toggle.
type PauseData struct {
	Paused bool `json:"paused"`
}
