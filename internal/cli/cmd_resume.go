// Package cli implements the auto command-line interface.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/auto/internal/pipeline"
)

// newResumeCmd creates the resume command
func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted pipeline run",
		Long: `Continue a run from its first unfinished phase.

Completed phases are not re-executed; a phase that started but never
finished runs again from the top. Without --run-id the most recent run
is resumed.

Examples:
  auto resume
  auto resume --run-id 4f7c2d10-...
  auto resume --stop-after solutioning --concurrency 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run-id")
			stopAfter, _ := cmd.Flags().GetString("stop-after")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			opts := pipeline.Options{
				StopAfter:   stopAfter,
				Stories:     splitStories(cmd),
				Concurrency: concurrency,
			}

			return runPipeline(cmd, func(ctx context.Context, runner *pipeline.Runner) (*pipeline.Outcome, error) {
				return runner.Resume(ctx, runID, opts)
			})
		},
	}

	addPipelineFlags(cmd)
	cmd.Flags().String("run-id", "", "run to resume (default: most recent)")

	return cmd
}
