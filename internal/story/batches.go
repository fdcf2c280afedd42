package story

import "sort"

// TaskBatch is a contiguous slice of a story's tasks dispatched as one
// dev-story invocation.
type TaskBatch struct {
	BatchIndex int      `json:"batch_index"`
	TaskIDs    []int    `json:"task_ids"`
	TaskTitles []string `json:"task_titles"`
	ACRefs     []int    `json:"ac_refs"`
}

// PlanTaskBatches splits a story's tasks into batches. Small and medium
// stories run as a single batch regardless of task count; large stories
// are partitioned in input order into runs of TasksPerBatch. An empty
// task list yields one empty batch so callers always have a batch zero.
func PlanTaskBatches(a Analysis) []TaskBatch {
	if len(a.Tasks) == 0 {
		return []TaskBatch{emptyBatch(0)}
	}

	if a.EstimatedScope != ScopeLarge {
		return []TaskBatch{newBatch(0, a.Tasks)}
	}

	batches := []TaskBatch{}
	for start := 0; start < len(a.Tasks); start += TasksPerBatch {
		end := start + TasksPerBatch
		if end > len(a.Tasks) {
			end = len(a.Tasks)
		}
		batches = append(batches, newBatch(len(batches), a.Tasks[start:end]))
	}
	return batches
}

func newBatch(index int, tasks []Task) TaskBatch {
	b := emptyBatch(index)
	seen := map[int]bool{}
	for _, t := range tasks {
		b.TaskIDs = append(b.TaskIDs, t.ID)
		b.TaskTitles = append(b.TaskTitles, t.Title)
		for _, ref := range t.ACRefs {
			if !seen[ref] {
				seen[ref] = true
				b.ACRefs = append(b.ACRefs, ref)
			}
		}
	}
	sort.Ints(b.ACRefs)
	return b
}

func emptyBatch(index int) TaskBatch {
	return TaskBatch{
		BatchIndex: index,
		TaskIDs:    []int{},
		TaskTitles: []string{},
		ACRefs:     []int{},
	}
}
