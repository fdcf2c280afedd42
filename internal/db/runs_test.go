package db

import (
	"testing"
	"time"
)

func TestCreateAndGetPipelineRun(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	run := &PipelineRun{Methodology: "bmad", ConfigJSON: `{"concurrency":3}`}
	if err := store.CreatePipelineRun(run); err != nil {
		t.Fatalf("CreatePipelineRun: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected generated run ID")
	}
	if run.Status != RunStatusRunning {
		t.Errorf("Status = %q, want running", run.Status)
	}
	if run.CurrentPhase != PhaseAnalysis {
		t.Errorf("CurrentPhase = %q, want analysis", run.CurrentPhase)
	}

	got, err := store.GetPipelineRun(run.ID)
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.ConfigJSON != `{"concurrency":3}` {
		t.Errorf("ConfigJSON = %q", got.ConfigJSON)
	}
	if got.ParentRunID != nil {
		t.Errorf("ParentRunID = %v, want nil", got.ParentRunID)
	}
}

func TestGetPipelineRunAbsent(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	got, err := store.GetPipelineRun("no-such-run")
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent run, got %+v", got)
	}
}

func TestUpdatePipelineRunBumpsUpdatedAt(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	run := &PipelineRun{Methodology: "bmad"}
	if err := store.CreatePipelineRun(run); err != nil {
		t.Fatalf("CreatePipelineRun: %v", err)
	}
	created := run.UpdatedAt

	time.Sleep(1100 * time.Millisecond)

	run.Status = RunStatusStopped
	run.CurrentPhase = PhaseImplementation
	if err := store.UpdatePipelineRun(run); err != nil {
		t.Fatalf("UpdatePipelineRun: %v", err)
	}

	got, err := store.GetPipelineRun(run.ID)
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}
	if got.Status != RunStatusStopped {
		t.Errorf("Status = %q, want stopped", got.Status)
	}
	if got.CurrentPhase != PhaseImplementation {
		t.Errorf("CurrentPhase = %q, want implementation", got.CurrentPhase)
	}
	if !got.UpdatedAt.After(created) {
		t.Errorf("UpdatedAt = %v not after create time %v", got.UpdatedAt, created)
	}
}

func TestGetLatestAndActiveRun(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	old := &PipelineRun{Methodology: "bmad", Status: RunStatusCompleted, CreatedAt: time.Now().Add(-time.Hour)}
	if err := store.CreatePipelineRun(old); err != nil {
		t.Fatalf("create old run: %v", err)
	}
	current := &PipelineRun{Methodology: "bmad"}
	if err := store.CreatePipelineRun(current); err != nil {
		t.Fatalf("create current run: %v", err)
	}

	latest, err := store.GetLatestRun()
	if err != nil {
		t.Fatalf("GetLatestRun: %v", err)
	}
	if latest == nil || latest.ID != current.ID {
		t.Errorf("latest = %v, want %s", latest, current.ID)
	}

	active, err := store.GetActiveRun()
	if err != nil {
		t.Fatalf("GetActiveRun: %v", err)
	}
	if active == nil || active.ID != current.ID {
		t.Errorf("active = %v, want %s", active, current.ID)
	}

	completed, err := store.GetLatestCompletedRun()
	if err != nil {
		t.Fatalf("GetLatestCompletedRun: %v", err)
	}
	if completed == nil || completed.ID != old.ID {
		t.Errorf("completed = %v, want %s", completed, old.ID)
	}
}

func TestGetActiveRunNone(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	active, err := store.GetActiveRun()
	if err != nil {
		t.Fatalf("GetActiveRun: %v", err)
	}
	if active != nil {
		t.Errorf("expected nil active run, got %+v", active)
	}
}

func TestCreateAmendmentRun(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	parent := &PipelineRun{Methodology: "bmad", Status: RunStatusCompleted}
	if err := store.CreatePipelineRun(parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	child, err := store.CreateAmendmentRun(parent.ID, "", `{"amended":true}`)
	if err != nil {
		t.Fatalf("CreateAmendmentRun: %v", err)
	}
	if !child.IsAmendment() {
		t.Fatal("child should be an amendment")
	}
	if *child.ParentRunID != parent.ID {
		t.Errorf("ParentRunID = %s, want %s", *child.ParentRunID, parent.ID)
	}
	if child.Methodology != "bmad" {
		t.Errorf("Methodology = %q, want inherited bmad", child.Methodology)
	}
	if child.Status != RunStatusRunning {
		t.Errorf("Status = %q, want running", child.Status)
	}
}

func TestCreateAmendmentRunMissingParent(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	if _, err := store.CreateAmendmentRun("ghost", "bmad", "{}"); err == nil {
		t.Fatal("expected error for missing parent")
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	for i := 0; i < 3; i++ {
		run := &PipelineRun{Methodology: "bmad", CreatedAt: time.Now().Add(time.Duration(i) * time.Minute)}
		if err := store.CreatePipelineRun(run); err != nil {
			t.Fatalf("create run %d: %v", i, err)
		}
	}

	runs, err := store.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if !runs[0].CreatedAt.After(runs[1].CreatedAt) {
		t.Error("runs should be newest first")
	}

	all, err := store.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}
