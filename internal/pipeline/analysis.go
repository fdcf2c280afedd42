package pipeline

import (
	"context"
	"strings"

	"github.com/randalmurphal/auto/internal/agent"
	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/prompt"
)

// briefKeys are the product-brief decision keys analysis produces, in the
// order later phases render them.
var briefKeys = []string{
	"problem_statement",
	"target_users",
	"core_features",
	"success_metrics",
	"constraints",
}

var analysisSchema = &agent.Schema{
	Name: "analysis",
	Fields: []agent.Field{
		{Name: "problem_statement", Kind: agent.KindString, Required: true},
		{Name: "target_users", Kind: agent.KindList, Required: true},
		{Name: "core_features", Kind: agent.KindList, Required: true},
		{Name: "success_metrics", Kind: agent.KindList},
		{Name: "constraints", Kind: agent.KindList},
	},
}

// runAnalysis turns the raw concept into a product brief: one decision
// per brief key under the product-brief category.
func (r *Runner) runAnalysis(ctx context.Context, run *db.PipelineRun, rc *runConfig) error {
	concept := strings.TrimSpace(rc.Concept)
	if concept == "" {
		return autoerrors.ErrInputInvalid("concept", "analysis needs a concept to analyze")
	}

	parsed, err := r.dispatch(ctx, run, phaseDispatch{
		phase:    db.PhaseAnalysis,
		agent:    agentAnalyst,
		taskType: "analysis",
		template: "analysis",
		sections: []prompt.Section{
			{Name: "concept", Content: concept, Priority: prompt.Required},
		},
		schema: analysisSchema,
	})
	if err != nil {
		return err
	}

	saved := 0
	for _, key := range briefKeys {
		value := briefValue(parsed[key])
		if value == "" {
			continue
		}
		d := &db.Decision{
			PipelineRunID: run.ID,
			Phase:         db.PhaseAnalysis,
			Category:      "product-brief",
			Key:           key,
			Value:         value,
		}
		if err := r.deps.Store.UpsertDecision(d); err != nil {
			return autoerrors.ErrStoreFailed("record product brief", err)
		}
		saved++
	}
	r.deps.Logger.Info("product brief recorded", "run", run.ID, "decisions", saved)
	return nil
}

// briefValue renders a brief field for storage: lists become bullet
// lines, scalars are trimmed.
func briefValue(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case []any:
		items := agent.StringList(v)
		if len(items) == 0 {
			return ""
		}
		return "- " + strings.Join(items, "\n- ")
	default:
		return strings.TrimSpace(agent.StringValue(v))
	}
}
