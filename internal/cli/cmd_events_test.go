package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/auto/internal/db"
)

func seedEventLog(t *testing.T, store *db.Store, runID string) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Minute)
	records := []*db.EventRecord{
		{PipelineRunID: runID, EventType: "run_start",
			Payload:   `{"run_id":"` + runID + `","stories":["1.1"],"concurrency":2}`,
			CreatedAt: base},
		{PipelineRunID: runID, StoryKey: "1.1", EventType: "story_phase",
			Payload:   `{"key":"1.1","phase":"dev-story","status":"in_progress"}`,
			CreatedAt: base.Add(time.Second)},
		// No wire mapping; replay must skip it silently.
		{PipelineRunID: runID, EventType: "phase",
			Payload:   `{"phase":"analysis","status":"started"}`,
			CreatedAt: base.Add(2 * time.Second)},
		// Unknown type; replay must skip it.
		{PipelineRunID: runID, EventType: "mystery",
			Payload:   `{}`,
			CreatedAt: base.Add(3 * time.Second)},
		{PipelineRunID: runID, EventType: "run_complete",
			Payload:   `{"succeeded":["1.1"],"failed":[],"escalated":[]}`,
			CreatedAt: base.Add(4 * time.Second)},
	}
	require.NoError(t, store.AppendEvents(records))
}

func TestReplayEvents(t *testing.T) {
	store := db.NewTestStore(t)
	run := &db.PipelineRun{Status: db.RunStatusCompleted}
	require.NoError(t, store.CreatePipelineRun(run))
	seedEventLog(t, store, run.ID)

	var buf bytes.Buffer
	require.NoError(t, replayEvents(context.Background(), store, &buf, run.ID, false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"event":"pipeline:start"`)
	assert.Contains(t, lines[0], run.ID)
	assert.Contains(t, lines[1], `"event":"story:phase"`)
	assert.Contains(t, lines[1], `"key":"1.1"`)
	assert.Contains(t, lines[2], `"event":"pipeline:complete"`)
}

func TestReplayEvents_EmptyLog(t *testing.T) {
	store := db.NewTestStore(t)
	run := &db.PipelineRun{Status: db.RunStatusCompleted}
	require.NoError(t, store.CreatePipelineRun(run))

	var buf bytes.Buffer
	require.NoError(t, replayEvents(context.Background(), store, &buf, run.ID, false))
	assert.Empty(t, buf.String())
}

func TestReplayEvents_FollowStopsOnTerminalRun(t *testing.T) {
	store := db.NewTestStore(t)
	run := &db.PipelineRun{Status: db.RunStatusCompleted}
	require.NoError(t, store.CreatePipelineRun(run))
	seedEventLog(t, store, run.ID)

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- replayEvents(context.Background(), store, &buf, run.ID, true)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("follow mode did not stop on a completed run")
	}
	assert.Contains(t, buf.String(), `"event":"pipeline:complete"`)
}

func TestReplayEvents_FollowHonorsCancel(t *testing.T) {
	store := db.NewTestStore(t)
	run := &db.PipelineRun{Status: db.RunStatusRunning}
	require.NoError(t, store.CreatePipelineRun(run))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := replayEvents(ctx, store, &buf, run.ID, true)
	require.NoError(t, err)
}
