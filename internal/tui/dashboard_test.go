package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/auto/internal/events"
)

func applied(m Model, e events.Event) Model {
	next, _ := m.Update(eventMsg{event: e})
	return next.(Model)
}

func TestModel_TracksPhasesAndStories(t *testing.T) {
	m := NewModel("0123456789abcdef", nil)

	m = applied(m, events.NewEvent(events.EventPhase, "", events.PhaseUpdate{Phase: "analysis", Status: "completed"}))
	m = applied(m, events.NewEvent(events.EventPhase, "", events.PhaseUpdate{Phase: "planning", Status: "started"}))
	m = applied(m, events.NewEvent(events.EventRunStart, "", events.RunStart{
		RunID: "0123456789abcdef", Stories: []string{"1.1", "1.2"}, Concurrency: 2,
	}))
	m = applied(m, events.NewEvent(events.EventStoryPhase, "1.1", events.StoryPhaseUpdate{
		Key: "1.1", Phase: "dev-story", Status: events.StatusInProgress,
	}))

	assert.Equal(t, "completed", m.phases["analysis"])
	assert.Equal(t, "started", m.phases["planning"])
	assert.Equal(t, []string{"1.1", "1.2"}, m.storyOrder)

	view := m.View()
	assert.Contains(t, view, "run 01234567")
	assert.Contains(t, view, "Phases")
	assert.Contains(t, view, "Stories")
	assert.Contains(t, view, "dev-story")
}

func TestModel_EscalationLandsInRecentLog(t *testing.T) {
	m := NewModel("run", nil)
	m = applied(m, events.NewEvent(events.EventEscalation, "1.3", events.EscalationData{
		Key: "1.3", Reason: "review cycles exhausted", Cycles: 2,
		Issues: []events.Issue{{Severity: "major", File: "auth.go", Desc: "token never expires"}},
	}))

	require.Len(t, m.logLines, 2)
	assert.Equal(t, "escalated", m.stories["1.3"].result)

	view := m.View()
	assert.Contains(t, view, "Recent")
	assert.Contains(t, view, "review cycles exhausted")
}

func TestModel_RunCompleteShowsSummaryAndStaysUp(t *testing.T) {
	m := NewModel("run", nil)
	m = applied(m, events.NewEvent(events.EventRunComplete, "", events.RunComplete{
		Succeeded: []string{"1.1"}, Escalated: []string{"1.3"},
	}))

	assert.True(t, m.done)
	view := m.View()
	assert.Contains(t, view, "implementation finished: 1 succeeded, 0 failed, 1 escalated")
	assert.Contains(t, view, "q quit")
}

func TestModel_QuitKeys(t *testing.T) {
	m := NewModel("run", nil)

	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune{'q'}},
		{Type: tea.KeyCtrlC},
	} {
		_, cmd := m.Update(key)
		require.NotNil(t, cmd, "key %s must quit", key.String())
		assert.Equal(t, tea.Quit(), cmd())
	}
}

func TestModel_WindowResize(t *testing.T) {
	m := NewModel("run", nil)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = next.(Model)

	assert.Equal(t, 120, m.width)
	assert.Equal(t, 118, m.viewport.Width)
	assert.Equal(t, 26, m.viewport.Height)
}

func TestWaitForEvent(t *testing.T) {
	ch := make(chan events.Event, 1)
	e := events.NewEvent(events.EventLog, "", events.LogData{Message: "hi"})
	ch <- e

	msg := waitForEvent(ch)()
	em, ok := msg.(eventMsg)
	require.True(t, ok)
	assert.Equal(t, e.Type, em.event.Type)

	close(ch)
	assert.Equal(t, busClosedMsg{}, waitForEvent(ch)())
}
