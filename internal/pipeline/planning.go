package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/randalmurphal/auto/internal/agent"
	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/prompt"
)

var planningSchema = &agent.Schema{
	Name: "planning",
	Fields: []agent.Field{
		{Name: "functional_requirements", Kind: agent.KindList, Required: true},
		{Name: "non_functional_requirements", Kind: agent.KindList, Required: true},
		{Name: "user_stories", Kind: agent.KindList, Required: true},
		{Name: "tech_stack", Kind: agent.KindMap, Required: true},
		{Name: "domain_model", Kind: agent.KindAny},
		{Name: "out_of_scope", Kind: agent.KindList},
	},
}

// runPlanning expands the product brief into a PRD: numbered functional
// and non-functional requirements, user stories, a tech stack, and a
// domain model, all persisted as planning decisions.
func (r *Runner) runPlanning(ctx context.Context, run *db.PipelineRun) error {
	brief, err := r.productBrief(run.ID)
	if err != nil {
		return err
	}
	if brief == "" {
		return autoerrors.ErrGateFailed("planning", "no product brief recorded for this run; start from analysis")
	}

	parsed, err := r.dispatch(ctx, run, phaseDispatch{
		phase:    db.PhasePlanning,
		agent:    agentPM,
		taskType: "planning",
		template: "planning",
		sections: []prompt.Section{
			{Name: "product_brief", Content: brief, Priority: prompt.Required},
		},
		ceiling: r.deps.Config.Budgets.Planning,
		schema:  planningSchema,
	})
	if err != nil {
		return err
	}
	return r.persistPlanning(run, parsed)
}

// productBrief renders the analysis decisions in brief-key order.
func (r *Runner) productBrief(runID string) (string, error) {
	decisions, err := r.deps.Store.GetDecisionsByCategory(runID, db.PhaseAnalysis, "product-brief")
	if err != nil {
		return "", autoerrors.ErrStoreFailed("read product brief", err)
	}
	byKey := make(map[string]string, len(decisions))
	for _, d := range decisions {
		if d.Status == db.DecisionActive {
			byKey[d.Key] = d.Value
		}
	}

	var b strings.Builder
	for _, key := range briefKeys {
		value, ok := byKey[key]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s:\n%s\n\n", key, value)
	}
	return strings.TrimSpace(b.String()), nil
}

func (r *Runner) persistPlanning(run *db.PipelineRun, parsed map[string]any) error {
	existingFRs, err := r.existingKeys(run.ID, db.PhasePlanning, "functional")
	if err != nil {
		return err
	}
	existingNFRs, err := r.existingKeys(run.ID, db.PhasePlanning, "non-functional")
	if err != nil {
		return err
	}

	entries := functionalEntries(parsed["functional_requirements"])
	if len(entries) == 0 {
		return autoerrors.ErrSchemaInvalid(agentPM, "functional_requirements held no usable entries")
	}
	for i, e := range entries {
		key := fmt.Sprintf("FR-%d", i+1)
		if err := r.saveRequirement(run.ID, "functional", key, e.desc, e.priority, existingFRs); err != nil {
			return err
		}
	}
	frs := len(entries)

	nfrs := 0
	for _, desc := range agent.StringList(parsed["non_functional_requirements"]) {
		desc = strings.TrimSpace(desc)
		if desc == "" {
			continue
		}
		nfrs++
		key := fmt.Sprintf("NFR-%d", nfrs)
		if err := r.saveRequirement(run.ID, "non-functional", key, desc, "should", existingNFRs); err != nil {
			return err
		}
	}

	stories := 0
	for _, desc := range agent.StringList(parsed["user_stories"]) {
		desc = strings.TrimSpace(desc)
		if desc == "" {
			continue
		}
		stories++
		d := &db.Decision{
			PipelineRunID: run.ID,
			Phase:         db.PhasePlanning,
			Category:      "user-stories",
			Key:           fmt.Sprintf("US-%d", stories),
			Value:         desc,
		}
		if err := r.deps.Store.UpsertDecision(d); err != nil {
			return autoerrors.ErrStoreFailed("record user story", err)
		}
	}

	techStack := agent.MapValue(parsed["tech_stack"])
	for _, key := range sortedKeys(techStack) {
		value := strings.TrimSpace(agent.StringValue(techStack[key]))
		if value == "" {
			continue
		}
		d := &db.Decision{
			PipelineRunID: run.ID,
			Phase:         db.PhasePlanning,
			Category:      "tech-stack",
			Key:           key,
			Value:         value,
		}
		if err := r.deps.Store.UpsertDecision(d); err != nil {
			return autoerrors.ErrStoreFailed("record tech stack", err)
		}
	}

	if model := agent.MapValue(parsed["domain_model"]); model != nil {
		if entities := agent.StringList(model["entities"]); len(entities) > 0 {
			d := &db.Decision{
				PipelineRunID: run.ID,
				Phase:         db.PhasePlanning,
				Category:      "domain-model",
				Key:           "entities",
				Value:         strings.Join(entities, ", "),
			}
			if err := r.deps.Store.UpsertDecision(d); err != nil {
				return autoerrors.ErrStoreFailed("record domain model", err)
			}
		}
	}

	if err := r.registerPRD(run, parsed, frs, nfrs, stories); err != nil {
		return err
	}

	r.deps.Logger.Info("planning recorded",
		"run", run.ID,
		"functional", frs,
		"nonFunctional", nfrs,
		"userStories", stories,
	)
	return nil
}

// saveRequirement upserts the decision and, when the key is new for this
// run, mirrors it into the requirements table. Re-runs update decisions
// in place without duplicating requirement rows.
func (r *Runner) saveRequirement(runID, category, key, desc, priority string, existing map[string]bool) error {
	d := &db.Decision{
		PipelineRunID: runID,
		Phase:         db.PhasePlanning,
		Category:      category,
		Key:           key,
		Value:         desc,
		Rationale:     "priority: " + priority,
	}
	if err := r.deps.Store.UpsertDecision(d); err != nil {
		return autoerrors.ErrStoreFailed("record requirement", err)
	}
	if existing[key] {
		return nil
	}
	reqCategory := db.RequirementFunctional
	if category == "non-functional" {
		reqCategory = db.RequirementNonFunctional
	}
	req := &db.Requirement{
		PipelineRunID: runID,
		Source:        "planning-phase",
		Category:      reqCategory,
		Description:   fmt.Sprintf("%s: %s", key, desc),
		Priority:      priority,
	}
	if err := r.deps.Store.CreateRequirement(req); err != nil {
		return autoerrors.ErrStoreFailed("record requirement", err)
	}
	return nil
}

func (r *Runner) existingKeys(runID, phase, category string) (map[string]bool, error) {
	decisions, err := r.deps.Store.GetDecisionsByCategory(runID, phase, category)
	if err != nil {
		return nil, autoerrors.ErrStoreFailed("read decisions", err)
	}
	keys := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		keys[d.Key] = true
	}
	return keys, nil
}

// registerPRD writes the rendered PRD markdown as the planning artifact.
func (r *Runner) registerPRD(run *db.PipelineRun, parsed map[string]any, frs, nfrs, stories int) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Product Requirements\n\nRun: %s\n\n", run.ID)
	fmt.Fprintf(&b, "## Functional Requirements (%d)\n\n", frs)
	for i, e := range functionalEntries(parsed["functional_requirements"]) {
		fmt.Fprintf(&b, "- FR-%d (%s): %s\n", i+1, e.priority, e.desc)
	}
	fmt.Fprintf(&b, "\n## Non-Functional Requirements (%d)\n\n", nfrs)
	for i, desc := range agent.StringList(parsed["non_functional_requirements"]) {
		if strings.TrimSpace(desc) == "" {
			continue
		}
		fmt.Fprintf(&b, "- NFR-%d: %s\n", i+1, strings.TrimSpace(desc))
	}
	fmt.Fprintf(&b, "\n## User Stories (%d)\n\n", stories)
	for _, s := range agent.StringList(parsed["user_stories"]) {
		if strings.TrimSpace(s) == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(s))
	}
	if scope := agent.StringList(parsed["out_of_scope"]); len(scope) > 0 {
		b.WriteString("\n## Out of Scope\n\n")
		for _, s := range scope {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	a := &db.Artifact{
		PipelineRunID: run.ID,
		Phase:         db.PhasePlanning,
		Type:          db.ArtifactPRD,
		Content:       b.String(),
	}
	if err := r.deps.Store.RegisterArtifact(a); err != nil {
		return autoerrors.ErrStoreFailed("register PRD", err)
	}
	return nil
}

type frEntry struct {
	desc     string
	priority string
}

// functionalEntries reads the functional_requirements list. Map entries
// carry a description and priority; bare strings default to should.
// Entries without a description are dropped, keeping FR numbering
// contiguous over the usable ones.
func functionalEntries(v any) []frEntry {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	entries := make([]frEntry, 0, len(items))
	for _, item := range items {
		var e frEntry
		switch t := item.(type) {
		case map[string]any:
			e.desc = strings.TrimSpace(agent.StringValue(t["description"]))
			if e.desc == "" {
				e.desc = strings.TrimSpace(agent.StringValue(t["requirement"]))
			}
			e.priority = normalizePriority(agent.StringValue(t["priority"]))
		default:
			e.desc = strings.TrimSpace(agent.StringValue(item))
			e.priority = "should"
		}
		if e.desc == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// normalizePriority maps free-form priorities onto must/should/could.
func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "must", "must-have", "must_have", "p0", "critical", "high":
		return "must"
	case "could", "could-have", "could_have", "nice-to-have", "p2", "low":
		return "could"
	default:
		return "should"
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
