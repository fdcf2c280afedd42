// Package cli implements the auto command-line interface.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/auto/internal/config"
	"github.com/randalmurphal/auto/internal/health"
)

// newHealthCmd creates the health command
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a pipeline run from outside the orchestrator",
		Long: `Judge whether a pipeline run is healthy, stalled, or absent.

The probe cross-checks the run row, the persisted orchestrator snapshot,
and the local process table: zombie agent children, a dead orchestrator,
active stories with no agent process, or no persisted activity for over
10 minutes all read as stalled.

Examples:
  auto health
  auto health --run-id 4f7c2d10-...
  auto health --output-format json`,
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
			report, err := health.NewChecker(store, ".").Check(runID)
			if err != nil {
				return err
			}

			if jsonOut() {
				printJSON(report)
				return nil
			}
			printHealthReport(report)
			return nil
		},
	}

	cmd.Flags().String("run-id", "", "run to probe (default: the active run)")

	return cmd
}

func printHealthReport(r *health.Report) {
	fmt.Printf("verdict: %s\n", r.Verdict)
	if r.RunID == "" {
		return
	}

	fmt.Printf("run %s  status: %s  phase: %s\n", shortRunID(r.RunID), r.Status, r.CurrentPhase)
	if !r.LastActivity.IsZero() {
		fmt.Printf("last activity %s ago\n", (time.Duration(r.StalenessSeconds) * time.Second).String())
	}

	if len(r.Reasons) > 0 {
		fmt.Println("\nreasons:")
		for _, reason := range r.Reasons {
			fmt.Printf("  - %s\n", reason)
		}
	}

	if p := r.Process; p != nil && p.OrchestratorPID > 0 {
		state := "dead"
		if p.Alive {
			state = "alive"
		} else if host, _ := os.Hostname(); p.Hostname != "" && p.Hostname != host {
			// Liveness is unknowable across hosts.
			state = "remote"
		}
		fmt.Printf("\norchestrator pid %d on %s (%s)\n", p.OrchestratorPID, p.Hostname, state)
		if len(p.ChildPIDs) > 0 {
			fmt.Printf("agent children: %d (%d zombie)\n", len(p.ChildPIDs), len(p.Zombies))
		}
	}

	if s := r.Stories; s != nil {
		fmt.Printf("\nstories: %d active, %d completed, %d escalated\n",
			s.Active, s.Completed, s.Escalated)
	}
}
