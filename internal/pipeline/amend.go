package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/auto/internal/db"
	"github.com/randalmurphal/auto/internal/util"
)

// supersedeParentDecisions marks parent decisions replaced by the child
// run's freshly completed phase. A child decision supersedes the parent
// decision sharing its category and key; decisions copied forward for
// skipped phases never reach here because skipped phases do not complete.
// Supersession failures degrade to warnings so one bad row cannot fail an
// otherwise finished phase.
func (r *Runner) supersedeParentDecisions(run *db.PipelineRun, phase string) {
	if run.ParentRunID == nil {
		return
	}
	parentID := *run.ParentRunID

	parentDecisions, err := r.deps.Store.GetDecisionsByPhase(parentID, phase)
	if err != nil {
		r.deps.Logger.Warn("parent decisions unreadable; skipping supersession",
			"run", run.ID, "parent", parentID, "phase", phase, "error", err)
		return
	}
	parentByCoord := make(map[string]*db.Decision, len(parentDecisions))
	for i := range parentDecisions {
		if parentDecisions[i].Status == db.DecisionActive {
			parentByCoord[coordKey(parentDecisions[i].Category, parentDecisions[i].Key)] = &parentDecisions[i]
		}
	}
	if len(parentByCoord) == 0 {
		return
	}

	childDecisions, err := r.deps.Store.GetDecisionsByPhase(run.ID, phase)
	if err != nil {
		r.deps.Logger.Warn("child decisions unreadable; skipping supersession",
			"run", run.ID, "phase", phase, "error", err)
		return
	}

	for _, child := range childDecisions {
		parent, ok := parentByCoord[coordKey(child.Category, child.Key)]
		if !ok {
			continue
		}
		if err := r.deps.Store.SupersedeDecision(parent.ID, child.ID); err != nil {
			r.deps.Logger.Warn("supersession failed",
				"run", run.ID, "parent", parentID,
				"category", child.Category, "key", child.Key, "error", err)
			continue
		}
		r.deps.Logger.Info("parent decision superseded",
			"run", run.ID, "parent", parentID,
			"phase", phase, "category", child.Category, "key", child.Key)
	}
}

func coordKey(category, key string) string {
	return category + "\x00" + key
}

// writeDeltaDocument renders what the amendment changed against its
// parent: superseded decisions with their before and after values, and
// decisions the replayed phases added. The document is registered as a
// store artifact and mirrored to .auto/deltas/<runID>.md; the returned
// path is empty when the mirror could not be written.
func (r *Runner) writeDeltaDocument(run *db.PipelineRun, rc *runConfig) string {
	if run.ParentRunID == nil {
		return ""
	}
	parentID := *run.ParentRunID
	fromIdx := db.PhaseIndex(rc.From)

	childByID := make(map[string]db.Decision)
	var replayed []db.Decision
	for i, phase := range db.PhaseOrder {
		if i < fromIdx {
			continue
		}
		ds, err := r.deps.Store.GetDecisionsByPhase(run.ID, phase)
		if err != nil {
			r.deps.Logger.Warn("delta document skipped; child decisions unreadable",
				"run", run.ID, "phase", phase, "error", err)
			return ""
		}
		for _, d := range ds {
			childByID[d.ID] = d
			replayed = append(replayed, d)
		}
	}

	supersededBy := make(map[string]bool)
	var superseded []string
	for _, phase := range db.PhaseOrder {
		ds, err := r.deps.Store.GetDecisionsByPhase(parentID, phase)
		if err != nil {
			r.deps.Logger.Warn("delta document skipped; parent decisions unreadable",
				"run", run.ID, "parent", parentID, "phase", phase, "error", err)
			return ""
		}
		for _, pd := range ds {
			if pd.Status != db.DecisionSuperseded || pd.SupersededBy == nil {
				continue
			}
			child, ok := childByID[*pd.SupersededBy]
			if !ok {
				continue
			}
			supersededBy[child.ID] = true
			superseded = append(superseded, fmt.Sprintf("- %s/%s/%s\n  - was: %s\n  - now: %s",
				pd.Phase, pd.Category, pd.Key, collapse(pd.Value), collapse(child.Value)))
		}
	}

	var added []string
	for _, cd := range replayed {
		if supersededBy[cd.ID] {
			continue
		}
		added = append(added, fmt.Sprintf("- %s/%s/%s: %s", cd.Phase, cd.Category, cd.Key, collapse(cd.Value)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Amendment Delta\n\nRun %s amends run %s.\n\n", run.ID, parentID)
	b.WriteString("## Superseded decisions\n\n")
	if len(superseded) == 0 {
		b.WriteString("None.\n")
	} else {
		b.WriteString(strings.Join(superseded, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\n## New decisions\n\n")
	if len(added) == 0 {
		b.WriteString("None.\n")
	} else {
		b.WriteString(strings.Join(added, "\n"))
		b.WriteString("\n")
	}
	content := b.String()

	a := &db.Artifact{
		PipelineRunID: run.ID,
		Phase:         run.CurrentPhase,
		Type:          db.ArtifactDeltaDoc,
		Content:       content,
	}
	if err := r.deps.Store.RegisterArtifact(a); err != nil {
		r.deps.Logger.Warn("delta document artifact write failed", "run", run.ID, "error", err)
		return ""
	}

	path := filepath.Join(r.deps.Workdir, ".auto", "deltas", run.ID+".md")
	if err := util.AtomicWriteFile(path, []byte(content), 0o644); err != nil {
		r.deps.Logger.Warn("delta file write failed", "run", run.ID, "path", path, "error", err)
		return ""
	}
	r.deps.Logger.Info("delta document written",
		"run", run.ID, "path", path,
		"superseded", len(superseded), "added", len(added))
	return path
}
