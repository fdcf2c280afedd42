package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/randalmurphal/auto/internal/agent"
	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/prompt"
)

// amendmentContextHeader opens the parent-decision block appended to
// amendment prompts. truncationMarker replaces lines dropped to stay
// under the phase's token ceiling.
const (
	amendmentContextHeader = "--- AMENDMENT CONTEXT (Parent Run Decisions) ---"
	truncationMarker       = "[TRUNCATED]"
)

// phaseDispatch describes one agent round-trip for a phase: which
// template to assemble, under what ceiling, and what shape the reply
// must have.
type phaseDispatch struct {
	phase    string
	agent    string
	taskType string
	template string
	sections []prompt.Section
	// ceiling bounds the assembled prompt in estimated tokens; zero or
	// negative means unlimited.
	ceiling int
	schema  *agent.Schema
}

// dispatch assembles the phase prompt and runs it through the agent,
// returning the parsed YAML payload.
func (r *Runner) dispatch(ctx context.Context, run *db.PipelineRun, d phaseDispatch) (map[string]any, error) {
	p, err := r.assemble(run, d)
	if err != nil {
		return nil, err
	}
	return r.dispatchPrompt(ctx, run, d, p)
}

// assemble renders the phase template under its ceiling. Amendment runs
// get the parent's decisions appended so the agent amends rather than
// reinvents; the block is budgeted inside the same ceiling.
func (r *Runner) assemble(run *db.PipelineRun, d phaseDispatch) (string, error) {
	tmpl, err := r.deps.Pack.Template(d.template)
	if err != nil {
		return "", err
	}
	asm := prompt.Assemble(tmpl, d.sections, d.ceiling)
	if asm.Truncated {
		return "", autoerrors.ErrPromptTooLong(d.taskType, asm.TokenCount, d.ceiling)
	}
	p := asm.Prompt
	if run.IsAmendment() {
		p = r.appendAmendmentContext(p, run, d.ceiling)
	}
	return p, nil
}

func (r *Runner) dispatchPrompt(ctx context.Context, run *db.PipelineRun, d phaseDispatch, p string) (map[string]any, error) {
	res, err := r.deps.Dispatcher.Run(ctx, agent.Request{
		Prompt:   p,
		Agent:    d.agent,
		TaskType: d.taskType,
		Schema:   d.schema,
		Workdir:  r.deps.Workdir,
	})
	if err != nil {
		return nil, err
	}
	r.recordTokens(run, d, res)

	switch res.Status {
	case agent.StatusTimeout:
		return nil, autoerrors.ErrDispatchTimeout(d.agent, res.Duration.Round(time.Second).String())
	case agent.StatusFailed:
		return nil, autoerrors.ErrDispatchFailed(d.agent, fmt.Sprintf("exit code %d", res.ExitCode))
	}
	if res.ParseError != nil {
		return nil, res.ParseError
	}
	if res.Parsed == nil {
		return nil, autoerrors.ErrSchemaInvalid(d.agent, "reply carried no parsable YAML block")
	}
	return res.Parsed, nil
}

// recordTokens publishes and persists the dispatch's token usage. Usage
// bookkeeping never fails a phase.
func (r *Runner) recordTokens(run *db.PipelineRun, d phaseDispatch, res *agent.Result) {
	r.deps.Events.Tokens(d.phase, d.agent, res.Tokens.Input, res.Tokens.Output)

	meta, _ := json.Marshal(map[string]string{
		"taskType": d.taskType,
		"status":   string(res.Status),
	})
	err := r.deps.Store.AddTokenUsage(&db.TokenUsageEntry{
		PipelineRunID: run.ID,
		Phase:         d.phase,
		Agent:         d.agent,
		InputTokens:   res.Tokens.Input,
		OutputTokens:  res.Tokens.Output,
		Metadata:      string(meta),
	})
	if err != nil {
		r.deps.Logger.Warn("token usage write failed",
			"run", run.ID, "phase", d.phase, "error", err)
	}
}

// appendAmendmentContext appends the parent run's active decisions to an
// amendment prompt. When a ceiling applies, tail lines are dropped and
// replaced with a truncation marker; if not even the header fits, the
// prompt is returned untouched.
func (r *Runner) appendAmendmentContext(p string, run *db.PipelineRun, ceiling int) string {
	if run.ParentRunID == nil {
		return p
	}
	decisions, err := r.deps.Store.GetActiveDecisions(*run.ParentRunID)
	if err != nil {
		r.deps.Logger.Warn("parent decisions unavailable for amendment context",
			"run", run.ID, "parent", *run.ParentRunID, "error", err)
		return p
	}
	if len(decisions) == 0 {
		return p
	}

	lines := make([]string, 0, len(decisions))
	for _, dec := range decisions {
		lines = append(lines, fmt.Sprintf("- %s/%s/%s: %s", dec.Phase, dec.Category, dec.Key, collapse(dec.Value)))
	}

	block := func(ls []string, truncated bool) string {
		var b strings.Builder
		b.WriteString("\n\n")
		b.WriteString(amendmentContextHeader)
		b.WriteString("\n")
		for _, l := range ls {
			b.WriteString(l)
			b.WriteString("\n")
		}
		if truncated {
			b.WriteString(truncationMarker)
			b.WriteString("\n")
		}
		return b.String()
	}

	full := p + block(lines, false)
	if ceiling <= 0 || prompt.EstimateTokens(full) <= ceiling {
		return full
	}
	for n := len(lines) - 1; n >= 0; n-- {
		candidate := p + block(lines[:n], true)
		if prompt.EstimateTokens(candidate) <= ceiling {
			return candidate
		}
	}
	return p
}

// collapse folds runs of whitespace into single spaces so multi-line
// decision values render as one context line.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
