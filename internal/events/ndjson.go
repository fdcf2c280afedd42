package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Wire event names for the NDJSON protocol.
const (
	WirePipelineStart     = "pipeline:start"
	WirePipelineComplete  = "pipeline:complete"
	WirePipelineHeartbeat = "pipeline:heartbeat"
	WireStoryPhase        = "story:phase"
	WireStoryDone         = "story:done"
	WireStoryEscalation   = "story:escalation"
	WireStoryWarn         = "story:warn"
	WireStoryStall        = "story:stall"
)

// NDJSONPublisher writes protocol events to an io.Writer (typically stdout),
// one JSON object per line. It wraps another publisher to also fan out events
// for TUI/persistence use. Bus events outside the stable protocol are ignored.
type NDJSONPublisher struct {
	inner Publisher
	out   io.Writer
	mu    sync.Mutex
}

// NDJSONOption configures an NDJSONPublisher.
type NDJSONOption func(*NDJSONPublisher)

// WithNDJSONInner sets an inner publisher to fan out events to.
func WithNDJSONInner(p Publisher) NDJSONOption {
	return func(n *NDJSONPublisher) {
		n.inner = p
	}
}

// NewNDJSONPublisher creates a publisher that writes protocol lines to out.
func NewNDJSONPublisher(out io.Writer, opts ...NDJSONOption) *NDJSONPublisher {
	p := &NDJSONPublisher{out: out}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes protocol events to the output writer and fans out to the
// inner publisher. Each line is self-contained JSON; write order follows
// publish order.
func (p *NDJSONPublisher) Publish(event Event) {
	if p.inner != nil {
		p.inner.Publish(event)
	}

	line, ok := translate(event)
	if !ok {
		return
	}

	buf, err := json.Marshal(line)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, string(buf))
}

// Subscribe delegates to inner publisher or returns closed channel.
func (p *NDJSONPublisher) Subscribe(storyKey string) <-chan Event {
	if p.inner != nil {
		return p.inner.Subscribe(storyKey)
	}
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe delegates to inner publisher.
func (p *NDJSONPublisher) Unsubscribe(storyKey string, ch <-chan Event) {
	if p.inner != nil {
		p.inner.Unsubscribe(storyKey, ch)
	}
}

// Close delegates to inner publisher.
func (p *NDJSONPublisher) Close() {
	if p.inner != nil {
		p.inner.Close()
	}
}

type wireHeader struct {
	Event string `json:"event"`
	TS    string `json:"ts"`
}

func header(name string, t time.Time) wireHeader {
	return wireHeader{Event: name, TS: t.UTC().Format(time.RFC3339Nano)}
}

// translate maps a bus event onto its stable wire form.
// Events with no wire mapping return ok=false.
func translate(e Event) (any, bool) {
	switch data := e.Data.(type) {
	case RunStart:
		return struct {
			wireHeader
			RunID       string   `json:"run_id"`
			Stories     []string `json:"stories"`
			Concurrency int      `json:"concurrency"`
		}{header(WirePipelineStart, e.Time), data.RunID, emptyNotNull(data.Stories), data.Concurrency}, true

	case StoryPhaseUpdate:
		return struct {
			wireHeader
			Key     string `json:"key"`
			Phase   string `json:"phase"`
			Status  string `json:"status"`
			Verdict string `json:"verdict,omitempty"`
			File    string `json:"file,omitempty"`
		}{header(WireStoryPhase, e.Time), data.Key, data.Phase, data.Status, data.Verdict, data.File}, true

	case StoryDone:
		return struct {
			wireHeader
			Key          string `json:"key"`
			Result       string `json:"result"`
			ReviewCycles int    `json:"review_cycles"`
		}{header(WireStoryDone, e.Time), data.Key, data.Result, data.ReviewCycles}, true

	case EscalationData:
		issues := data.Issues
		if issues == nil {
			issues = []Issue{}
		}
		return struct {
			wireHeader
			Key    string  `json:"key"`
			Reason string  `json:"reason"`
			Cycles int     `json:"cycles"`
			Issues []Issue `json:"issues"`
		}{header(WireStoryEscalation, e.Time), data.Key, data.Reason, data.Cycles, issues}, true

	case WarningData:
		return struct {
			wireHeader
			Key string `json:"key"`
			Msg string `json:"msg"`
		}{header(WireStoryWarn, e.Time), data.Key, data.Message}, true

	case StallData:
		return struct {
			wireHeader
			RunID     string `json:"run_id"`
			StoryKey  string `json:"story_key"`
			Phase     string `json:"phase"`
			ElapsedMs int64  `json:"elapsed_ms"`
		}{header(WireStoryStall, e.Time), data.RunID, data.StoryKey, data.Phase, data.ElapsedMs}, true

	case HeartbeatData:
		return struct {
			wireHeader
			RunID               string `json:"run_id"`
			ActiveDispatches    int    `json:"active_dispatches"`
			CompletedDispatches int    `json:"completed_dispatches"`
			QueuedDispatches    int    `json:"queued_dispatches"`
		}{header(WirePipelineHeartbeat, e.Time), data.RunID, data.ActiveDispatches, data.CompletedDispatches, data.QueuedDispatches}, true

	case RunComplete:
		return struct {
			wireHeader
			Succeeded []string `json:"succeeded"`
			Failed    []string `json:"failed"`
			Escalated []string `json:"escalated"`
		}{header(WirePipelineComplete, e.Time), emptyNotNull(data.Succeeded), emptyNotNull(data.Failed), emptyNotNull(data.Escalated)}, true
	}

	return nil, false
}

// emptyNotNull keeps protocol arrays as [] rather than null.
func emptyNotNull(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
