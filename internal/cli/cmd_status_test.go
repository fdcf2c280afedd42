package cli

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/orchestrator"
)

func TestBuildStatusReport_NoRuns(t *testing.T) {
	store := db.NewTestStore(t)

	report, err := buildStatusReport(store, "")
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestBuildStatusReport_UnknownRun(t *testing.T) {
	store := db.NewTestStore(t)

	_, err := buildStatusReport(store, "ghost")
	require.Error(t, err)
	assert.True(t, autoerrors.IsCode(err, autoerrors.CodeRunNotFound))
}

func TestBuildStatusReport_LatestRun(t *testing.T) {
	store := db.NewTestStore(t)

	started := time.Now().UTC().Add(-10 * time.Minute)
	history, err := json.Marshal(map[string]any{
		"phaseHistory": []map[string]any{
			{"phase": db.PhaseAnalysis, "startedAt": started, "completedAt": started.Add(3 * time.Minute)},
			{"phase": db.PhasePlanning, "startedAt": started.Add(3 * time.Minute)},
		},
	})
	require.NoError(t, err)

	run := &db.PipelineRun{
		Methodology:  "bmad",
		Status:       db.RunStatusRunning,
		CurrentPhase: db.PhasePlanning,
		ConfigJSON:   string(history),
	}
	require.NoError(t, store.CreatePipelineRun(run))

	report, err := buildStatusReport(store, "")
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, run.ID, report.RunID)
	assert.Equal(t, db.RunStatusRunning, report.Status)
	assert.Equal(t, db.PhasePlanning, report.CurrentPhase)
	assert.Equal(t, "bmad", report.Methodology)
	require.Len(t, report.Phases, 2)
	assert.Equal(t, db.PhaseAnalysis, report.Phases[0].Phase)
	assert.False(t, report.Phases[0].CompletedAt.IsZero())
	assert.True(t, report.Phases[1].CompletedAt.IsZero())
	assert.Nil(t, report.Implementation)
}

func TestBuildStatusReport_WithSnapshot(t *testing.T) {
	store := db.NewTestStore(t)

	run := &db.PipelineRun{Status: db.RunStatusRunning, CurrentPhase: db.PhaseImplementation}
	require.NoError(t, store.CreatePipelineRun(run))

	snap := orchestrator.Status{
		State:     orchestrator.StateRunning,
		RunID:     run.ID,
		StoryKeys: []string{"1.1", "1.2"},
		Stories: map[string]*orchestrator.StoryStatus{
			"1.1": {Key: "1.1", Phase: orchestrator.StoryComplete, ReviewCycles: 1, LastVerdict: "APPROVED"},
			"1.2": {Key: "1.2", Phase: orchestrator.StoryInDev},
		},
	}
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	run.TokenUsageJSON = string(raw)
	require.NoError(t, store.UpdatePipelineRun(run))

	report, err := buildStatusReport(store, run.ID)
	require.NoError(t, err)
	require.NotNil(t, report.Implementation)
	assert.Equal(t, []string{"1.1", "1.2"}, report.Implementation.StoryKeys)
	assert.Equal(t, orchestrator.StoryComplete, report.Implementation.Stories["1.1"].Phase)
}

func TestBuildStatusReport_AmendmentCarriesParent(t *testing.T) {
	store := db.NewTestStore(t)

	parent := &db.PipelineRun{Status: db.RunStatusCompleted}
	require.NoError(t, store.CreatePipelineRun(parent))
	child, err := store.CreateAmendmentRun(parent.ID, "bmad", "{}")
	require.NoError(t, err)

	report, err := buildStatusReport(store, child.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, report.ParentRunID)
}

func TestBuildStatusReport_TokenSummary(t *testing.T) {
	store := db.NewTestStore(t)

	run := &db.PipelineRun{Status: db.RunStatusRunning}
	require.NoError(t, store.CreatePipelineRun(run))

	require.NoError(t, store.AddTokenUsage(&db.TokenUsageEntry{
		PipelineRunID: run.ID, Phase: db.PhaseAnalysis, Agent: "analyst",
		InputTokens: 1000, OutputTokens: 200,
	}))
	require.NoError(t, store.AddTokenUsage(&db.TokenUsageEntry{
		PipelineRunID: run.ID, Phase: db.PhaseImplementation, Agent: "dev",
		InputTokens: 5000, OutputTokens: 3000,
	}))
	require.NoError(t, store.AddTokenUsage(&db.TokenUsageEntry{
		PipelineRunID: run.ID, Phase: db.PhaseImplementation, Agent: "dev",
		InputTokens: 2000, OutputTokens: 1000,
	}))

	report, err := buildStatusReport(store, run.ID)
	require.NoError(t, err)
	require.Len(t, report.Tokens, 2)

	assert.Equal(t, db.PhaseAnalysis, report.Tokens[0].Phase)
	assert.InDelta(t, db.CostUSD(1000, 200), report.Tokens[0].CostUSD, 1e-9)

	dev := report.Tokens[1]
	assert.Equal(t, "dev", dev.Agent)
	assert.Equal(t, 2, dev.Calls)
	assert.Equal(t, 7000, dev.InputTokens)
	assert.Equal(t, 4000, dev.OutputTokens)
}

func TestPhaseHistory_MalformedConfig(t *testing.T) {
	assert.Nil(t, phaseHistory(&db.PipelineRun{ConfigJSON: "not json"}))
	assert.Nil(t, phaseHistory(&db.PipelineRun{}))
}
