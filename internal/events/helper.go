package events

import (
	"time"
)

// PublishHelper wraps event publishing with nil-safety and convenience
// methods. All methods are safe to call even when the underlying publisher
// is nil.
//
// Thread-safe: All methods can be called concurrently.
type PublishHelper struct {
	publisher Publisher
}

// NewPublishHelper creates a new PublishHelper wrapping the given publisher.
// If p is nil, all publish operations become no-ops.
func NewPublishHelper(p Publisher) *PublishHelper {
	return &PublishHelper{publisher: p}
}

// Publish sends an event to the underlying publisher.
// Safe to call with nil publisher (no-op).
func (ep *PublishHelper) Publish(ev Event) {
	if ep == nil || ep.publisher == nil {
		return
	}
	ep.publisher.Publish(ev)
}

// RunStart publishes the pipeline start event. Emitted exactly once per
// invocation, before any other event.
func (ep *PublishHelper) RunStart(runID string, stories []string, concurrency int) {
	ep.Publish(NewEvent(EventRunStart, GlobalKey, RunStart{
		RunID:       runID,
		Stories:     stories,
		Concurrency: concurrency,
	}))
}

// RunComplete publishes the pipeline completion event. Emitted exactly once
// per invocation, after all other events.
func (ep *PublishHelper) RunComplete(succeeded, failed, escalated []string) {
	ep.Publish(NewEvent(EventRunComplete, GlobalKey, RunComplete{
		Succeeded: succeeded,
		Failed:    failed,
		Escalated: escalated,
	}))
}

// PhaseStart publishes a pipeline phase start event.
func (ep *PublishHelper) PhaseStart(phase string) {
	ep.Publish(NewEvent(EventPhase, GlobalKey, PhaseUpdate{
		Phase:  phase,
		Status: "started",
	}))
}

// PhaseComplete publishes a pipeline phase completion event.
func (ep *PublishHelper) PhaseComplete(phase string) {
	ep.Publish(NewEvent(EventPhase, GlobalKey, PhaseUpdate{
		Phase:  phase,
		Status: "completed",
	}))
}

// PhaseFailed publishes a pipeline phase failure event with the error message.
func (ep *PublishHelper) PhaseFailed(phase string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	ep.Publish(NewEvent(EventPhase, GlobalKey, PhaseUpdate{
		Phase:  phase,
		Status: "failed",
		Error:  errMsg,
	}))
}

// PhaseSkipped publishes a pipeline phase skip event.
func (ep *PublishHelper) PhaseSkipped(phase string) {
	ep.Publish(NewEvent(EventPhase, GlobalKey, PhaseUpdate{
		Phase:  phase,
		Status: "skipped",
	}))
}

// StoryPhase publishes a story step status change.
func (ep *PublishHelper) StoryPhase(key, phase, status string) {
	ep.Publish(NewEvent(EventStoryPhase, key, StoryPhaseUpdate{
		Key:    key,
		Phase:  phase,
		Status: status,
	}))
}

// StoryPhaseVerdict publishes a story step completion carrying a review verdict.
func (ep *PublishHelper) StoryPhaseVerdict(key, phase, status, verdict string) {
	ep.Publish(NewEvent(EventStoryPhase, key, StoryPhaseUpdate{
		Key:     key,
		Phase:   phase,
		Status:  status,
		Verdict: verdict,
	}))
}

// StoryPhaseFile publishes a story step completion carrying a produced file.
func (ep *PublishHelper) StoryPhaseFile(key, phase, status, file string) {
	ep.Publish(NewEvent(EventStoryPhase, key, StoryPhaseUpdate{
		Key:    key,
		Phase:  phase,
		Status: status,
		File:   file,
	}))
}

// StoryDone publishes a story pipeline completion event.
func (ep *PublishHelper) StoryDone(key, result string, reviewCycles int) {
	ep.Publish(NewEvent(EventStoryDone, key, StoryDone{
		Key:          key,
		Result:       result,
		ReviewCycles: reviewCycles,
	}))
}

// Escalation publishes a story escalation event.
func (ep *PublishHelper) Escalation(key, reason string, cycles int, issues []Issue) {
	ep.Publish(NewEvent(EventEscalation, key, EscalationData{
		Key:    key,
		Reason: reason,
		Cycles: cycles,
		Issues: issues,
	}))
}

// Warn publishes a warning event (non-fatal).
func (ep *PublishHelper) Warn(key, message string) {
	ep.Publish(NewEvent(EventWarning, key, WarningData{
		Key:     key,
		Message: message,
	}))
}

// Log publishes a verbose diagnostic line. Renderers ignore these; they are
// persisted for replay.
func (ep *PublishHelper) Log(key, message string) {
	ep.Publish(NewEvent(EventLog, key, LogData{
		Key:     key,
		Message: message,
	}))
}

// Heartbeat publishes an orchestrator liveness event.
func (ep *PublishHelper) Heartbeat(runID string, active, completed, queued int) {
	ep.Publish(NewEvent(EventHeartbeat, GlobalKey, HeartbeatData{
		RunID:               runID,
		ActiveDispatches:    active,
		CompletedDispatches: completed,
		QueuedDispatches:    queued,
	}))
}

// Stall publishes a stall event for a story step that stopped progressing.
func (ep *PublishHelper) Stall(runID, storyKey, phase string, elapsed time.Duration) {
	ep.Publish(NewEvent(EventStall, storyKey, StallData{
		RunID:     runID,
		StoryKey:  storyKey,
		Phase:     phase,
		ElapsedMs: elapsed.Milliseconds(),
	}))
}

// Tokens publishes a token usage update event.
func (ep *PublishHelper) Tokens(phase, agent string, input, output int) {
	ep.Publish(NewEvent(EventTokens, GlobalKey, TokenUpdate{
		Phase:        phase,
		Agent:        agent,
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
	}))
}

// Pause publishes a pause gate toggle event.
func (ep *PublishHelper) Pause(paused bool) {
	ep.Publish(NewEvent(EventPause, GlobalKey, PauseData{Paused: paused}))
}
