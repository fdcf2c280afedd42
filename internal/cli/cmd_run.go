// Package cli implements the auto command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/auto/internal/config"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/pipeline"
	"github.com/randalmurphal/auto/internal/tracker"
)

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the delivery pipeline",
		Long: `Run the pipeline from a product concept through analysis, planning,
solutioning, and implementation.

The concept comes from --concept, --concept-file, or --concept-issue.
Issue URIs name a tracker item whose summary and description become the
concept:
  jira://PROJ-123
  github://owner/repo#42
  gitlab://group/project#7

Examples:
  auto run --concept "Build a CSV export endpoint"
  auto run --concept-file ./concept.md --stop-after planning
  auto run --concept-issue jira://PROJ-123 --concurrency 5
  auto run --from solutioning --stories 1.1,1.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := pipelineOptions(cmd)
			if err != nil {
				return err
			}
			return runPipeline(cmd, func(ctx context.Context, runner *pipeline.Runner) (*pipeline.Outcome, error) {
				return runner.Start(ctx, opts)
			})
		},
	}

	addPipelineFlags(cmd)
	cmd.Flags().String("concept", "", "product concept text")
	cmd.Flags().String("concept-file", "", "file containing the product concept")
	cmd.Flags().String("concept-issue", "", "tracker issue URI to fetch the concept from")
	cmd.Flags().String("from", "", "first phase to execute (analysis, planning, solutioning, implementation)")
	cmd.MarkFlagsMutuallyExclusive("concept", "concept-file", "concept-issue")

	return cmd
}

// addPipelineFlags registers the flags run, resume, and amend share.
func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().String("stop-after", "", "halt once the named phase completes")
	cmd.Flags().String("stories", "", "comma-separated story keys overriding the planned set")
	cmd.Flags().Int("concurrency", 0, "parallel conflict groups (default from config)")
	cmd.Flags().Bool("events", false, "stream NDJSON protocol events to stdout")
	cmd.Flags().Bool("tui", false, "full-screen dashboard")
	cmd.MarkFlagsMutuallyExclusive("events", "tui")
}

// pipelineOptions collects the shared pipeline flags plus the concept.
func pipelineOptions(cmd *cobra.Command) (pipeline.Options, error) {
	from, _ := cmd.Flags().GetString("from")
	stopAfter, _ := cmd.Flags().GetString("stop-after")
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	concept, err := resolveConcept(cmd)
	if err != nil {
		return pipeline.Options{}, err
	}

	return pipeline.Options{
		From:        from,
		StopAfter:   stopAfter,
		Concept:     concept,
		Stories:     splitStories(cmd),
		Concurrency: concurrency,
	}, nil
}

// resolveConcept reads the concept from whichever source flag was given.
func resolveConcept(cmd *cobra.Command) (string, error) {
	if text, _ := cmd.Flags().GetString("concept"); text != "" {
		return text, nil
	}

	if path, _ := cmd.Flags().GetString("concept-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", autoerrors.ErrInputInvalid("--concept-file", fmt.Sprintf("cannot read %s: %v", path, err))
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			return "", autoerrors.ErrInputInvalid("--concept-file", fmt.Sprintf("%s is empty", path))
		}
		return string(data), nil
	}

	if uri, _ := cmd.Flags().GetString("concept-issue"); uri != "" {
		cfg, err := config.Load()
		if err != nil {
			return "", err
		}
		fetcher := tracker.NewFetcher(cfg.Tracker, slog.Default())
		return fetcher.Fetch(cmd.Context(), uri)
	}

	return "", nil
}

// splitStories parses the --stories flag into trimmed keys.
func splitStories(cmd *cobra.Command) []string {
	raw, _ := cmd.Flags().GetString("stories")
	if raw == "" {
		return nil
	}
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if key := strings.TrimSpace(part); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
