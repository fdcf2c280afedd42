package story

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPlanTaskBatches_Empty(t *testing.T) {
	batches := PlanTaskBatches(Analyze(""))
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	b := batches[0]
	if b.BatchIndex != 0 {
		t.Errorf("BatchIndex = %d, want 0", b.BatchIndex)
	}
	if b.TaskIDs == nil || b.TaskTitles == nil || b.ACRefs == nil {
		t.Error("empty batch slices must be non-nil")
	}
	if len(b.TaskIDs) != 0 {
		t.Errorf("TaskIDs = %v, want empty", b.TaskIDs)
	}
}

func TestPlanTaskBatches_SmallSingleBatch(t *testing.T) {
	batches := PlanTaskBatches(Analyze(storyWithTasks(3)))
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if !reflect.DeepEqual(batches[0].TaskIDs, []int{1, 2, 3}) {
		t.Errorf("TaskIDs = %v", batches[0].TaskIDs)
	}
}

func TestPlanTaskBatches_MediumStaysWhole(t *testing.T) {
	// Medium scope keeps one batch even past TasksPerBatch.
	batches := PlanTaskBatches(Analyze(storyWithTasks(7)))
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if len(batches[0].TaskIDs) != 7 {
		t.Errorf("batch size = %d, want 7", len(batches[0].TaskIDs))
	}
}

func TestPlanTaskBatches_LargeSplits(t *testing.T) {
	batches := PlanTaskBatches(Analyze(storyWithTasks(12)))
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}

	wantSizes := []int{5, 5, 2}
	for i, b := range batches {
		if b.BatchIndex != i {
			t.Errorf("batch %d index = %d", i, b.BatchIndex)
		}
		if len(b.TaskIDs) != wantSizes[i] {
			t.Errorf("batch %d size = %d, want %d", i, len(b.TaskIDs), wantSizes[i])
		}
	}
	if !reflect.DeepEqual(batches[1].TaskIDs, []int{6, 7, 8, 9, 10}) {
		t.Errorf("batch 1 TaskIDs = %v", batches[1].TaskIDs)
	}
	if !reflect.DeepEqual(batches[2].TaskIDs, []int{11, 12}) {
		t.Errorf("batch 2 TaskIDs = %v", batches[2].TaskIDs)
	}
}

func TestPlanTaskBatches_MergesACRefs(t *testing.T) {
	a := Analysis{
		Tasks: []Task{
			{ID: 1, Title: "a", ACRefs: []int{3, 1}},
			{ID: 2, Title: "b", ACRefs: []int{1, 2}},
			{ID: 3, Title: "c", ACRefs: []int{}},
		},
		TaskCount:      3,
		EstimatedScope: ScopeSmall,
	}

	batches := PlanTaskBatches(a)
	if !reflect.DeepEqual(batches[0].ACRefs, []int{1, 2, 3}) {
		t.Errorf("ACRefs = %v, want [1 2 3]", batches[0].ACRefs)
	}
	if !reflect.DeepEqual(batches[0].TaskTitles, []string{"a", "b", "c"}) {
		t.Errorf("TaskTitles = %v", batches[0].TaskTitles)
	}
}

func TestPlanTaskBatches_PartitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("batches partition tasks in input order", prop.ForAll(
		func(n int) bool {
			batches := PlanTaskBatches(Analyze(storyWithTasks(n)))

			if n == 0 {
				return len(batches) == 1 && len(batches[0].TaskIDs) == 0
			}

			flat := []int{}
			for i, b := range batches {
				if b.BatchIndex != i {
					return false
				}
				if n >= 10 && len(b.TaskIDs) > TasksPerBatch {
					return false
				}
				flat = append(flat, b.TaskIDs...)
			}
			if n < 10 && len(batches) != 1 {
				return false
			}

			if len(flat) != n {
				return false
			}
			for i, id := range flat {
				if id != i+1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
