// Package cli implements the auto command-line interface.
package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/auto/internal/config"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

// newRunsCmd creates the runs command
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs",
		Long: `List pipeline runs, newest first.

Examples:
  auto runs
  auto runs --limit 5
  auto runs --output-format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RequireInit(); err != nil {
				return err
			}

			limit, _ := cmd.Flags().GetInt("limit")

			store, err := openStoreReadOnly()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(limit)
			if err != nil {
				return autoerrors.ErrStoreFailed("list runs", err)
			}

			if jsonOut() {
				printJSON(runs)
				return nil
			}

			if len(runs) == 0 {
				fmt.Println("No pipeline runs yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATUS\tPHASE\tPACK\tCREATED\tAMENDS")
			for _, run := range runs {
				amends := ""
				if run.ParentRunID != nil {
					amends = shortRunID(*run.ParentRunID)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					shortRunID(run.ID), run.Status, run.CurrentPhase, run.Methodology,
					run.CreatedAt.Local().Format("2006-01-02 15:04"), amends)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int("limit", 10, "maximum runs to list")

	return cmd
}
