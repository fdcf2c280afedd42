// Package cli implements the auto command-line interface.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/auto/internal/config"
	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/orchestrator"
	"github.com/randalmurphal/auto/internal/pipeline"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show a pipeline run's progress",
		Long: `Show a run's phase history and per-story progress.

Without --run-id the most recent run is shown. Story detail comes from
the orchestrator snapshot and is present once implementation has started.

Examples:
  auto status
  auto status --run-id 4f7c2d10-...
  auto status --output-format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RequireInit(); err != nil {
				return err
			}

			store, err := openStoreReadOnly()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runID, _ := cmd.Flags().GetString("run-id")
			report, err := buildStatusReport(store, runID)
			if err != nil {
				return err
			}

			if jsonOut() {
				printJSON(report)
				return nil
			}
			if report == nil {
				fmt.Println("No pipeline runs yet.")
				fmt.Println("\nGet started:")
				fmt.Println("  auto run --concept \"what to build\"")
				return nil
			}
			printStatusReport(report)
			return nil
		},
	}

	cmd.Flags().String("run-id", "", "run to show (default: most recent)")

	return cmd
}

// statusReport is the status command's output for both formats.
type statusReport struct {
	RunID          string                 `json:"run_id"`
	Status         string                 `json:"status"`
	CurrentPhase   string                 `json:"current_phase"`
	Methodology    string                 `json:"methodology"`
	ParentRunID    string                 `json:"parent_run_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Phases         []pipeline.PhaseRecord `json:"phases,omitempty"`
	Implementation *orchestrator.Status   `json:"implementation,omitempty"`
	Tokens         []db.TokenUsageSummary `json:"tokens,omitempty"`
}

// buildStatusReport resolves the run and assembles its report. A nil report
// with nil error means no runs exist yet.
func buildStatusReport(store *db.Store, runID string) (*statusReport, error) {
	run, err := resolveRunRow(store, runID)
	if err != nil || run == nil {
		return nil, err
	}

	report := &statusReport{
		RunID:        run.ID,
		Status:       run.Status,
		CurrentPhase: run.CurrentPhase,
		Methodology:  run.Methodology,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
		Phases:       phaseHistory(run),
	}
	if run.ParentRunID != nil {
		report.ParentRunID = *run.ParentRunID
	}
	if snap, ok := orchestrator.LoadSnapshot(run); ok {
		report.Implementation = &snap
	}
	report.Tokens, err = store.GetTokenUsageSummary(run.ID)
	if err != nil {
		return nil, autoerrors.ErrStoreFailed("read token usage", err)
	}
	return report, nil
}

// resolveRunRow fetches the named run, or the latest when runID is empty.
// (nil, nil) means the store holds no runs at all.
func resolveRunRow(store *db.Store, runID string) (*db.PipelineRun, error) {
	if runID != "" {
		run, err := store.GetPipelineRun(runID)
		if err != nil {
			return nil, autoerrors.ErrStoreFailed("read run", err)
		}
		if run == nil {
			return nil, autoerrors.ErrRunNotFound(runID)
		}
		return run, nil
	}
	run, err := store.GetLatestRun()
	if err != nil {
		return nil, autoerrors.ErrStoreFailed("read latest run", err)
	}
	return run, nil
}

// phaseHistory pulls the phase records out of config_json. A run row
// predating the history format reads as empty.
func phaseHistory(run *db.PipelineRun) []pipeline.PhaseRecord {
	if run.ConfigJSON == "" {
		return nil
	}
	var rc struct {
		PhaseHistory []pipeline.PhaseRecord `json:"phaseHistory"`
	}
	if err := json.Unmarshal([]byte(run.ConfigJSON), &rc); err != nil {
		return nil
	}
	return rc.PhaseHistory
}

func printStatusReport(r *statusReport) {
	kind := ""
	if r.ParentRunID != "" {
		kind = fmt.Sprintf("  amends: %s", shortRunID(r.ParentRunID))
	}
	fmt.Printf("run %s (%s)  status: %s  phase: %s%s\n",
		shortRunID(r.RunID), r.Methodology, r.Status, r.CurrentPhase, kind)
	fmt.Printf("created %s  updated %s\n\n",
		r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		r.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	byPhase := make(map[string]pipeline.PhaseRecord, len(r.Phases))
	for _, rec := range r.Phases {
		byPhase[rec.Phase] = rec
	}

	fmt.Println("phases:")
	for _, phase := range db.PhaseOrder {
		rec, ran := byPhase[phase]
		switch {
		case !ran:
			fmt.Printf("  %-16s pending\n", phase)
		case rec.CompletedAt.IsZero() && r.Status == db.RunStatusFailed:
			fmt.Printf("  %-16s failed\n", phase)
		case rec.CompletedAt.IsZero():
			fmt.Printf("  %-16s in progress\n", phase)
		default:
			fmt.Printf("  %-16s completed  (%s)\n", phase,
				rec.CompletedAt.Sub(rec.StartedAt).Round(time.Second))
		}
	}

	if impl := r.Implementation; impl != nil && len(impl.StoryKeys) > 0 {
		fmt.Println("\nstories:")
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  KEY\tPHASE\tCYCLES\tVERDICT")
		for _, key := range impl.StoryKeys {
			st := impl.Stories[key]
			if st == nil {
				fmt.Fprintf(w, "  %s\t%s\t\t\n", key, orchestrator.StoryPending)
				continue
			}
			fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n", key, st.Phase, st.ReviewCycles, st.LastVerdict)
		}
		_ = w.Flush()
	}

	if len(r.Tokens) > 0 {
		fmt.Println("\ntokens:")
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  PHASE\tAGENT\tCALLS\tIN\tOUT\tCOST")
		var in, out int
		var cost float64
		for _, ts := range r.Tokens {
			fmt.Fprintf(w, "  %s\t%s\t%d\t%d\t%d\t$%.4f\n",
				ts.Phase, ts.Agent, ts.Calls, ts.InputTokens, ts.OutputTokens, ts.CostUSD)
			in += ts.InputTokens
			out += ts.OutputTokens
			cost += ts.CostUSD
		}
		fmt.Fprintf(w, "  total\t\t\t%d\t%d\t$%.4f\n", in, out, cost)
		_ = w.Flush()
	}
}

// openStoreReadOnly opens the configured store for query-only commands.
// No workspace lock is taken; readers coexist with a live run.
func openStoreReadOnly() (*db.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}
