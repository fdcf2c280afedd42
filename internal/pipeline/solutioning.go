package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/randalmurphal/auto/internal/agent"
	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/prompt"
)

// Story prompts grow with the architecture: a fixed base plus an
// allowance per recorded architecture decision. Overflow first swaps the
// full decision block for a key-only digest, then lifts the ceiling.
const (
	baseStoryPromptTokens = 4000
	perDecisionTokens     = 20
)

var architectureSchema = &agent.Schema{
	Name: "architecture",
	Fields: []agent.Field{
		{Name: "architecture_decisions", Kind: agent.KindList, Required: true},
	},
}

var storiesSchema = &agent.Schema{
	Name: "stories",
	Fields: []agent.Field{
		{Name: "epics", Kind: agent.KindList},
		{Name: "stories", Kind: agent.KindList, Required: true},
	},
}

// runSolutioning produces the architecture and the story backlog, then
// holds the result against the readiness gate: every functional
// requirement must surface in at least one story. One gap-fill retry
// re-prompts with the uncovered requirements before the gate fails.
func (r *Runner) runSolutioning(ctx context.Context, run *db.PipelineRun, out *Outcome) error {
	if err := r.runArchitecture(ctx, run); err != nil {
		return err
	}

	gaps, err := r.runStoryGeneration(ctx, run, nil)
	if err != nil {
		return err
	}
	if len(gaps) > 0 {
		r.deps.Logger.Warn("stories left requirements uncovered; retrying with gap analysis",
			"run", run.ID, "gaps", len(gaps))
		gaps, err = r.runStoryGeneration(ctx, run, gaps)
		if err != nil {
			return err
		}
	}
	if len(gaps) > 0 {
		keys := make([]string, len(gaps))
		for i, g := range gaps {
			out.Gaps = append(out.Gaps, fmt.Sprintf("%s: %s", g.Key, g.Description))
			keys[i] = g.Key
		}
		return autoerrors.ErrGateFailed("readiness",
			fmt.Sprintf("%d functional requirements uncovered after gap-fill retry: %s",
				len(gaps), strings.Join(keys, ", ")))
	}
	return nil
}

// runArchitecture records architecture decisions. An existing
// architecture artifact means a previous attempt already finished this
// sub-phase; resume skips straight to story generation.
func (r *Runner) runArchitecture(ctx context.Context, run *db.PipelineRun) error {
	existing, err := r.deps.Store.GetArtifactByType(run.ID, db.PhaseSolutioning, db.ArtifactArchitecture)
	if err != nil {
		return autoerrors.ErrStoreFailed("read architecture artifact", err)
	}
	if existing != nil {
		r.deps.Logger.Info("architecture already recorded; skipping to stories", "run", run.ID)
		return nil
	}

	requirements, err := r.requirementsBlock(run.ID)
	if err != nil {
		return err
	}
	if requirements == "" {
		return autoerrors.ErrGateFailed("solutioning", "no requirements recorded for this run; run planning first")
	}
	techStack, err := r.techStackBlock(run.ID)
	if err != nil {
		return err
	}

	parsed, err := r.dispatch(ctx, run, phaseDispatch{
		phase:    db.PhaseSolutioning,
		agent:    agentArchitect,
		taskType: "architecture",
		template: "architecture",
		sections: []prompt.Section{
			{Name: "requirements", Content: requirements, Priority: prompt.Required},
			{Name: "tech_stack", Content: techStack, Priority: prompt.Important},
		},
		schema: architectureSchema,
	})
	if err != nil {
		return err
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# Architecture\n\nRun: %s\n\n", run.ID)
	saved := 0
	for _, raw := range agent.MapList(parsed["architecture_decisions"]) {
		key := strings.TrimSpace(agent.StringValue(raw["key"]))
		decision := strings.TrimSpace(agent.StringValue(raw["decision"]))
		if key == "" || decision == "" {
			continue
		}
		rationale := strings.TrimSpace(agent.StringValue(raw["rationale"]))
		d := &db.Decision{
			PipelineRunID: run.ID,
			Phase:         db.PhaseSolutioning,
			Category:      "architecture",
			Key:           key,
			Value:         decision,
			Rationale:     rationale,
		}
		if err := r.deps.Store.UpsertDecision(d); err != nil {
			return autoerrors.ErrStoreFailed("record architecture decision", err)
		}
		saved++
		fmt.Fprintf(&md, "## %s\n\n%s\n", key, decision)
		if rationale != "" {
			fmt.Fprintf(&md, "\nRationale: %s\n", rationale)
		}
		md.WriteString("\n")
	}
	if saved == 0 {
		return autoerrors.ErrSchemaInvalid(agentArchitect, "architecture_decisions held no usable entries")
	}

	a := &db.Artifact{
		PipelineRunID: run.ID,
		Phase:         db.PhaseSolutioning,
		Type:          db.ArtifactArchitecture,
		Content:       md.String(),
	}
	if err := r.deps.Store.RegisterArtifact(a); err != nil {
		return autoerrors.ErrStoreFailed("register architecture", err)
	}
	r.deps.Logger.Info("architecture recorded", "run", run.ID, "decisions", saved)
	return nil
}

// runStoryGeneration prompts for epics and stories and returns the
// requirements still uncovered afterwards. gaps, when non-nil, carries
// the previous round's uncovered requirements into the prompt.
func (r *Runner) runStoryGeneration(ctx context.Context, run *db.PipelineRun, gaps []gap) ([]gap, error) {
	requirements, err := r.requirementsBlock(run.ID)
	if err != nil {
		return nil, err
	}
	archBlock, archCount, err := r.archDecisionsBlock(run.ID, false)
	if err != nil {
		return nil, err
	}

	d := phaseDispatch{
		phase:    db.PhaseSolutioning,
		agent:    agentArchitect,
		taskType: "stories",
		template: "stories",
		sections: []prompt.Section{
			{Name: "requirements", Content: requirements, Priority: prompt.Required},
			{Name: "architecture_decisions", Content: archBlock, Priority: prompt.Required},
			{Name: "gap_analysis", Content: formatGapAnalysis(gaps), Priority: prompt.Required},
		},
		ceiling: baseStoryPromptTokens + perDecisionTokens*archCount,
		schema:  storiesSchema,
	}

	p, err := r.assemble(run, d)
	if autoerrors.IsCode(err, autoerrors.CodePromptTooLong) {
		// Architecture outgrew the budget: retry with a key-only digest
		// of the decisions, then give up on the ceiling entirely.
		digest, _, derr := r.archDecisionsBlock(run.ID, true)
		if derr != nil {
			return nil, derr
		}
		d.sections[1].Content = digest
		p, err = r.assemble(run, d)
		if autoerrors.IsCode(err, autoerrors.CodePromptTooLong) {
			r.deps.Logger.Warn("story prompt exceeds budget even with digest; lifting ceiling",
				"run", run.ID, "ceiling", d.ceiling)
			d.ceiling = 0
			p, err = r.assemble(run, d)
		}
	}
	if err != nil {
		return nil, err
	}

	parsed, err := r.dispatchPrompt(ctx, run, d, p)
	if err != nil {
		return nil, err
	}
	if err := r.persistStories(run, parsed); err != nil {
		return nil, err
	}
	return r.readinessGaps(run.ID)
}

func (r *Runner) persistStories(run *db.PipelineRun, parsed map[string]any) error {
	var epicsMD strings.Builder
	fmt.Fprintf(&epicsMD, "# Epics\n\nRun: %s\n\n", run.ID)

	epics := 0
	for _, raw := range agent.MapList(parsed["epics"]) {
		title := strings.TrimSpace(agent.StringValue(raw["title"]))
		if title == "" {
			continue
		}
		epics++
		id, ok := agent.IntValue(raw["id"])
		if !ok {
			id = epics
		}
		goal := strings.TrimSpace(agent.StringValue(raw["goal"]))
		value := title
		if goal != "" {
			value += "\nGoal: " + goal
		}
		d := &db.Decision{
			PipelineRunID: run.ID,
			Phase:         db.PhaseSolutioning,
			Category:      "epics",
			Key:           fmt.Sprintf("epic-%d", id),
			Value:         value,
		}
		if err := r.deps.Store.UpsertDecision(d); err != nil {
			return autoerrors.ErrStoreFailed("record epic", err)
		}
		fmt.Fprintf(&epicsMD, "## Epic %d: %s\n\n", id, title)
		if goal != "" {
			fmt.Fprintf(&epicsMD, "%s\n\n", goal)
		}
	}

	var md strings.Builder
	fmt.Fprintf(&md, "# Stories\n\nRun: %s\n\n", run.ID)

	existing, err := r.existingKeys(run.ID, db.PhaseSolutioning, "stories")
	if err != nil {
		return err
	}

	stories := 0
	for _, raw := range agent.MapList(parsed["stories"]) {
		key := strings.TrimSpace(agent.StringValue(raw["key"]))
		title := strings.TrimSpace(agent.StringValue(raw["title"]))
		if key == "" || title == "" {
			continue
		}
		stories++

		var b strings.Builder
		fmt.Fprintf(&b, "Title: %s\n", title)
		if desc := strings.TrimSpace(agent.StringValue(raw["description"])); desc != "" {
			fmt.Fprintf(&b, "Description: %s\n", desc)
		}
		if ac := agent.StringList(raw["acceptance_criteria"]); len(ac) > 0 {
			b.WriteString("Acceptance Criteria:\n")
			for _, c := range ac {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
		d := &db.Decision{
			PipelineRunID: run.ID,
			Phase:         db.PhaseSolutioning,
			Category:      "stories",
			Key:           key,
			Value:         strings.TrimRight(b.String(), "\n"),
		}
		if err := r.deps.Store.UpsertDecision(d); err != nil {
			return autoerrors.ErrStoreFailed("record story", err)
		}
		if !existing[key] {
			req := &db.Requirement{
				PipelineRunID: run.ID,
				Source:        "solutioning-phase",
				Category:      db.RequirementStory,
				Description:   fmt.Sprintf("Story %s: %s", key, title),
			}
			if err := r.deps.Store.CreateRequirement(req); err != nil {
				return autoerrors.ErrStoreFailed("record story requirement", err)
			}
			existing[key] = true
		}
		fmt.Fprintf(&md, "### Story %s: %s\n\n%s\n\n", key, title, d.Value)
	}
	if stories == 0 {
		return autoerrors.ErrSchemaInvalid(agentArchitect, "stories held no usable entries")
	}

	if epics > 0 {
		a := &db.Artifact{
			PipelineRunID: run.ID,
			Phase:         db.PhaseSolutioning,
			Type:          db.ArtifactEpics,
			Content:       epicsMD.String(),
		}
		if err := r.deps.Store.RegisterArtifact(a); err != nil {
			return autoerrors.ErrStoreFailed("register epics", err)
		}
	}
	a := &db.Artifact{
		PipelineRunID: run.ID,
		Phase:         db.PhaseSolutioning,
		Type:          db.ArtifactStories,
		Content:       md.String(),
	}
	if err := r.deps.Store.RegisterArtifact(a); err != nil {
		return autoerrors.ErrStoreFailed("register stories", err)
	}
	r.deps.Logger.Info("backlog recorded", "run", run.ID, "epics", epics, "stories", stories)
	return nil
}

// requirementsBlock renders planning's FR and NFR decisions, numerically
// ordered, one per line with its priority.
func (r *Runner) requirementsBlock(runID string) (string, error) {
	var lines []string
	for _, category := range []string{"functional", "non-functional"} {
		decisions, err := r.deps.Store.GetDecisionsByCategory(runID, db.PhasePlanning, category)
		if err != nil {
			return "", autoerrors.ErrStoreFailed("read requirements", err)
		}
		sortDecisionsByKeyNumber(decisions)
		for _, d := range decisions {
			if d.Status != db.DecisionActive {
				continue
			}
			line := fmt.Sprintf("%s: %s", d.Key, d.Value)
			if d.Rationale != "" {
				line += " (" + d.Rationale + ")"
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (r *Runner) techStackBlock(runID string) (string, error) {
	decisions, err := r.deps.Store.GetDecisionsByCategory(runID, db.PhasePlanning, "tech-stack")
	if err != nil {
		return "", autoerrors.ErrStoreFailed("read tech stack", err)
	}
	lines := make([]string, 0, len(decisions))
	for _, d := range decisions {
		if d.Status == db.DecisionActive {
			lines = append(lines, fmt.Sprintf("- %s: %s", d.Key, d.Value))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// archDecisionsBlock renders the recorded architecture decisions and
// their count. digest drops the decision bodies, keeping keys only.
func (r *Runner) archDecisionsBlock(runID string, digest bool) (string, int, error) {
	decisions, err := r.deps.Store.GetDecisionsByCategory(runID, db.PhaseSolutioning, "architecture")
	if err != nil {
		return "", 0, autoerrors.ErrStoreFailed("read architecture decisions", err)
	}
	lines := make([]string, 0, len(decisions))
	for _, d := range decisions {
		if d.Status != db.DecisionActive {
			continue
		}
		if digest {
			lines = append(lines, "- "+d.Key)
		} else {
			lines = append(lines, fmt.Sprintf("- %s: %s", d.Key, d.Value))
		}
	}
	return strings.Join(lines, "\n"), len(lines), nil
}

// gap is a functional requirement no story covers.
type gap struct {
	Key         string
	Description string
}

// readinessGaps checks each functional requirement against the recorded
// story texts. A requirement counts as covered when any story contains
// the full requirement phrase or any of its significant keywords. The
// check is deliberately shallow; it catches dropped requirements, not
// thin ones.
func (r *Runner) readinessGaps(runID string) ([]gap, error) {
	frs, err := r.deps.Store.GetDecisionsByCategory(runID, db.PhasePlanning, "functional")
	if err != nil {
		return nil, autoerrors.ErrStoreFailed("read requirements", err)
	}
	stories, err := r.deps.Store.GetDecisionsByCategory(runID, db.PhaseSolutioning, "stories")
	if err != nil {
		return nil, autoerrors.ErrStoreFailed("read stories", err)
	}

	var corpus strings.Builder
	for _, s := range stories {
		if s.Status == db.DecisionActive {
			corpus.WriteString(strings.ToLower(s.Value))
			corpus.WriteString("\n")
		}
	}
	text := corpus.String()

	sortDecisionsByKeyNumber(frs)
	var gaps []gap
	for _, fr := range frs {
		if fr.Status != db.DecisionActive {
			continue
		}
		if requirementCovered(fr.Value, text) {
			continue
		}
		gaps = append(gaps, gap{Key: fr.Key, Description: fr.Value})
	}
	return gaps, nil
}

func requirementCovered(requirement, storyText string) bool {
	phrase := strings.ToLower(strings.TrimSpace(requirement))
	if phrase == "" {
		return true
	}
	if strings.Contains(storyText, phrase) {
		return true
	}
	for _, word := range significantWords(phrase) {
		if strings.Contains(storyText, word) {
			return true
		}
	}
	return false
}

// significantWords splits a phrase on non-alphanumerics and keeps words
// long enough to mean something on their own.
func significantWords(phrase string) []string {
	fields := strings.FieldsFunc(phrase, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 4 {
			words = append(words, f)
		}
	}
	return words
}

func formatGapAnalysis(gaps []gap) string {
	if len(gaps) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("The previous story set left these requirements uncovered. Every one of them must appear in a story:\n")
	for _, g := range gaps {
		fmt.Fprintf(&b, "- %s: %s\n", g.Key, g.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// sortDecisionsByKeyNumber orders FR-2 before FR-10. Keys without a
// numeric suffix keep lexicographic order after the numbered ones.
func sortDecisionsByKeyNumber(decisions []db.Decision) {
	num := func(key string) (int, bool) {
		i := strings.LastIndexByte(key, '-')
		if i < 0 {
			return 0, false
		}
		n, err := strconv.Atoi(key[i+1:])
		return n, err == nil
	}
	sort.SliceStable(decisions, func(i, j int) bool {
		ni, oki := num(decisions[i].Key)
		nj, okj := num(decisions[j].Key)
		switch {
		case oki && okj:
			return ni < nj
		case oki != okj:
			return oki
		default:
			return decisions[i].Key < decisions[j].Key
		}
	})
}
