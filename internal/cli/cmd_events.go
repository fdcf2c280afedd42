// Package cli implements the auto command-line interface.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/auto/internal/config"
	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/events"
)

// followPollInterval paces event_log polling in --follow mode.
const followPollInterval = time.Second

// newEventsCmd creates the events command
func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Replay a run's event log as NDJSON",
		Long: `Replay a run's persisted events to stdout, one JSON object per line,
in the same wire format a live run emits with --events.

With --follow the command keeps polling for new events until the run
reaches a terminal status.

Examples:
  auto events
  auto events --run-id 4f7c2d10-... > run.ndjson
  auto events --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RequireInit(); err != nil {
				return err
			}

			runID, _ := cmd.Flags().GetString("run-id")
			follow, _ := cmd.Flags().GetBool("follow")

			store, err := openStoreReadOnly()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, err := resolveRunRow(store, runID)
			if err != nil {
				return err
			}
			if run == nil {
				return autoerrors.ErrRunNotFound("(latest)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return replayEvents(ctx, store, os.Stdout, run.ID, follow)
		},
	}

	cmd.Flags().String("run-id", "", "run to replay (default: most recent)")
	cmd.Flags().Bool("follow", false, "keep polling until the run finishes")

	return cmd
}

// replayEvents writes a run's persisted events as NDJSON. In follow mode it
// polls for new rows and stops once the run is terminal and drained.
func replayEvents(ctx context.Context, store *db.Store, out io.Writer, runID string, follow bool) error {
	pub := events.NewNDJSONPublisher(out)

	var lastID int64
	emit := func() (int, error) {
		records, err := store.GetEventsByRunAfter(runID, lastID)
		if err != nil {
			return 0, autoerrors.ErrStoreFailed("read events", err)
		}
		for i := range records {
			rec := &records[i]
			lastID = rec.ID
			ev, err := events.DecodeRecord(rec)
			if err != nil {
				slog.Debug("skipping undecodable event", "id", rec.ID, "error", err)
				continue
			}
			pub.Publish(ev)
		}
		return len(records), nil
	}

	if _, err := emit(); err != nil {
		return err
	}
	if !follow {
		return nil
	}

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			emitted, err := emit()
			if err != nil {
				return err
			}
			if emitted > 0 {
				continue
			}
			// Drained; stop once the run can no longer produce events.
			run, err := store.GetPipelineRun(runID)
			if err != nil {
				return autoerrors.ErrStoreFailed("read run", err)
			}
			if run == nil || run.Status != db.RunStatusRunning {
				return nil
			}
		}
	}
}
