package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/auto/internal/events"
)

func phaseEvent(phase, status string) events.Event {
	return events.NewEvent(events.EventPhase, "", events.PhaseUpdate{Phase: phase, Status: status})
}

func TestRenderer_PlainStream(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, WithTTY(false), WithColor(false))

	assert.False(t, r.Handle(phaseEvent("analysis", "started")))
	assert.False(t, r.Handle(phaseEvent("analysis", "completed")))
	assert.False(t, r.Handle(phaseEvent("planning", "skipped")))
	assert.False(t, r.Handle(events.NewEvent(events.EventRunStart, "", events.RunStart{
		RunID: "run-1", Stories: []string{"1.1"}, Concurrency: 2,
	})))
	assert.False(t, r.Handle(events.NewEvent(events.EventStoryPhase, "1.1", events.StoryPhaseUpdate{
		Key: "1.1", Phase: "dev-story", Status: events.StatusInProgress,
	})))
	assert.False(t, r.Handle(events.NewEvent(events.EventStoryPhase, "1.1", events.StoryPhaseUpdate{
		Key: "1.1", Phase: "code-review", Status: events.StatusComplete, Verdict: "SHIP",
	})))
	assert.False(t, r.Handle(events.NewEvent(events.EventStoryDone, "1.1", events.StoryDone{
		Key: "1.1", Result: "success", ReviewCycles: 1,
	})))
	assert.True(t, r.Handle(events.NewEvent(events.EventRunComplete, "", events.RunComplete{
		Succeeded: []string{"1.1"},
	})))

	out := buf.String()
	assert.Contains(t, out, "phase analysis started")
	assert.Contains(t, out, "✓ phase analysis complete")
	assert.Contains(t, out, "- phase planning skipped")
	assert.Contains(t, out, "implementation: 1 story queued, concurrency 2")
	assert.Contains(t, out, "[1.1] dev-story in progress")
	assert.Contains(t, out, "[1.1] code-review → SHIP")
	assert.Contains(t, out, "[1.1] success (1 review cycle)")
	assert.Contains(t, out, "1 succeeded, 0 failed, 0 escalated")
	assert.NotContains(t, out, "\x1b[", "plain stream must carry no ANSI escapes")
}

func TestRenderer_TTYBlockRedraw(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, WithTTY(true), WithColor(false), WithWidth(120))

	r.Handle(phaseEvent("analysis", "started"))
	first := buf.String()
	assert.Contains(t, first, "analysis ⟳")
	assert.NotContains(t, first, "\x1b[1A", "first draw has nothing to erase")

	r.Handle(phaseEvent("analysis", "completed"))
	out := buf.String()
	assert.Contains(t, out, "\x1b[1A\x1b[J", "second draw erases the one-line block")
	assert.Contains(t, out, "analysis ✓")
}

func TestRenderer_DurableLinesComeAboveBlock(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, WithTTY(true), WithColor(false), WithWidth(120))

	r.Handle(phaseEvent("implementation", "started"))
	r.Handle(events.NewEvent(events.EventEscalation, "1.3", events.EscalationData{
		Key: "1.3", Reason: "review cycles exhausted", Cycles: 2,
		Issues: []events.Issue{{Severity: "major", File: "api/auth.go", Desc: "token never expires"}},
	}))

	out := buf.String()
	assert.Contains(t, out, "[1.3] escalated after 2 cycles: review cycles exhausted")
	assert.Contains(t, out, "major api/auth.go: token never expires")
	// Block is redrawn after the durable lines.
	escalation := strings.Index(out, "escalated after")
	lastPhaseRow := strings.LastIndex(out, "implementation ⟳")
	assert.Greater(t, lastPhaseRow, escalation)
}

func TestRenderer_WarningAndStall(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, WithTTY(false), WithColor(false))

	r.Handle(events.NewEvent(events.EventWarning, "", events.WarningData{Message: "prompt truncated"}))
	r.Handle(events.NewEvent(events.EventStall, "2.1", events.StallData{
		StoryKey: "2.1", Phase: "dev-story", ElapsedMs: 600_000,
	}))

	out := buf.String()
	assert.Contains(t, out, "! prompt truncated")
	assert.Contains(t, out, "[2.1] no progress in dev-story for 10m0s")
}

func TestRenderer_VerboseGatesLogAndTokens(t *testing.T) {
	var quiet, loud bytes.Buffer

	r := New(&quiet, WithTTY(false), WithColor(false))
	r.Handle(events.NewEvent(events.EventLog, "", events.LogData{Message: "retrying"}))
	r.Handle(events.NewEvent(events.EventTokens, "", events.TokenUpdate{Phase: "planning", Agent: "pm", InputTokens: 5, OutputTokens: 7}))
	assert.Empty(t, quiet.String())

	v := New(&loud, WithTTY(false), WithColor(false), WithVerbose(true))
	v.Handle(events.NewEvent(events.EventLog, "", events.LogData{Message: "retrying"}))
	v.Handle(events.NewEvent(events.EventTokens, "", events.TokenUpdate{Phase: "planning", Agent: "pm", InputTokens: 5, OutputTokens: 7}))
	assert.Contains(t, loud.String(), "retrying")
	assert.Contains(t, loud.String(), "tokens: planning/pm in=5 out=7")
}

func TestRenderer_RunDrainsUntilComplete(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, WithTTY(false), WithColor(false))

	ch := make(chan events.Event, 4)
	ch <- phaseEvent("analysis", "started")
	ch <- events.NewEvent(events.EventRunComplete, "", events.RunComplete{})
	ch <- phaseEvent("never", "started") // after complete, must not render
	close(ch)

	r.Run(ch)
	out := buf.String()
	assert.Contains(t, out, "phase analysis started")
	assert.NotContains(t, out, "never")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abc", truncate("abc", 0), "zero width disables truncation")

	// Escape sequences occupy no columns.
	colored := "\x1b[32mab\x1b[0mcd"
	assert.Equal(t, colored, truncate(colored, 4))
	require.Equal(t, "\x1b[32mab\x1b[0mc", truncate(colored, 3))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h1m1s", formatDuration(3661*time.Second))
}
