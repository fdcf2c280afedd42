package db

import "testing"

func TestPhaseIndex(t *testing.T) {
	t.Parallel()
	if got := PhaseIndex(PhaseAnalysis); got != 0 {
		t.Errorf("PhaseIndex(analysis) = %d, want 0", got)
	}
	if got := PhaseIndex(PhaseImplementation); got != 3 {
		t.Errorf("PhaseIndex(implementation) = %d, want 3", got)
	}
	if got := PhaseIndex("nope"); got != -1 {
		t.Errorf("PhaseIndex(nope) = %d, want -1", got)
	}
}
