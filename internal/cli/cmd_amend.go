// Package cli implements the auto command-line interface.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/auto/internal/pipeline"
)

// newAmendCmd creates the amend command
func newAmendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amend",
		Short: "Amend a completed run with a change request",
		Long: `Replay pipeline phases against a completed run to apply a change.

The amendment runs as a child of the parent run: decisions from phases
before --from are inherited, decisions the replayed phases produce
supersede their parent counterparts, and a delta document summarizing
what changed is written under .auto/deltas/.

Without --run-id the most recent completed run is amended.

Examples:
  auto amend --concept "Exports must also support XLSX"
  auto amend --concept "Drop the admin UI" --from planning
  auto amend --concept "Rename the service" --run-id 4f7c2d10-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parentID, _ := cmd.Flags().GetString("run-id")
			opts, err := pipelineOptions(cmd)
			if err != nil {
				return err
			}

			return runPipeline(cmd, func(ctx context.Context, runner *pipeline.Runner) (*pipeline.Outcome, error) {
				return runner.Amend(ctx, parentID, opts)
			})
		},
	}

	addPipelineFlags(cmd)
	cmd.Flags().String("concept", "", "change request text")
	cmd.Flags().String("concept-file", "", "file containing the change request")
	cmd.Flags().String("concept-issue", "", "tracker issue URI to fetch the change request from")
	cmd.Flags().String("from", "", "first phase to replay (default analysis)")
	cmd.Flags().String("run-id", "", "completed run to amend (default: most recent completed)")
	cmd.MarkFlagsMutuallyExclusive("concept", "concept-file", "concept-issue")

	return cmd
}
