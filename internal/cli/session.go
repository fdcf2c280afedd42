// Package cli implements the auto command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/auto/internal/agent"
	"github.com/randalmurphal/auto/internal/config"
	"github.com/randalmurphal/auto/internal/db"
	"github.com/randalmurphal/auto/internal/db/driver"
	"github.com/randalmurphal/auto/internal/events"
	"github.com/randalmurphal/auto/internal/lock"
	"github.com/randalmurphal/auto/internal/pack"
	"github.com/randalmurphal/auto/internal/pipeline"
	"github.com/randalmurphal/auto/internal/progress"
	"github.com/randalmurphal/auto/internal/tui"
)

// renderMode selects who consumes the event bus during a pipeline run.
type renderMode int

const (
	renderHuman renderMode = iota
	renderNDJSON
	renderTUI
	renderNone
)

// pickRenderMode maps the run flags onto a renderer. JSON output keeps
// stdout to the single envelope line, so no renderer runs.
func pickRenderMode(cmd *cobra.Command) renderMode {
	if jsonOut() {
		return renderNone
	}
	if flagBool(cmd, "events") {
		return renderNDJSON
	}
	if flagBool(cmd, "tui") {
		return renderTUI
	}
	return renderHuman
}

// runPipeline wires the store, pack, dispatcher, and event bus, takes the
// workspace lock, and hands a ready Runner to invoke. It owns teardown
// order: pipeline first, then the publisher (so renderers see the channel
// close), then the store and lock.
func runPipeline(cmd *cobra.Command, invoke func(ctx context.Context, runner *pipeline.Runner) (*pipeline.Outcome, error)) error {
	if err := config.RequireInit(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	guard := lock.NewGuard(".")
	if err := guard.Acquire(); err != nil {
		return err
	}
	defer guard.Release()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	p, err := pack.Load(".", cfg.Pack)
	if err != nil {
		return err
	}

	logger := slog.Default()
	dispatcher := agent.NewDispatcher(
		agent.WithCommand(cfg.Agent.Command),
		agent.WithBaseArgs(cfg.Agent.BaseArgs()),
		agent.WithDefaultTimeout(cfg.Agent.Timeout.Std()),
		agent.WithLogger(logger),
	)

	// Every run persists its events for later replay; renderers subscribe
	// on top of that.
	persistent := events.NewPersistentPublisher(store, "", logger)
	var pub events.Publisher = persistent

	mode := pickRenderMode(cmd)
	if mode == renderNDJSON {
		pub = events.NewNDJSONPublisher(os.Stdout, events.WithNDJSONInner(persistent))
	}

	workdir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	runner := pipeline.New(pipeline.Deps{
		Store:      store,
		Pack:       p,
		Dispatcher: dispatcher,
		Config:     cfg,
		Events:     events.NewPublishHelper(pub),
		Logger:     logger,
		Workdir:    workdir,
		BindRun:    persistent.SetRunID,
	})

	// Signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ninterrupt received, stopping after current dispatches...")
		cancel()
	}()

	out, err := runWithRenderer(ctx, mode, pub, runner, invoke)
	if err != nil {
		if out != nil && len(out.Gaps) > 0 && !jsonOut() {
			fmt.Fprintln(os.Stderr, "\nUncovered requirements:")
			for _, g := range out.Gaps {
				fmt.Fprintf(os.Stderr, "  - %s\n", g)
			}
		}
		return err
	}

	renderOutcome(mode, out)
	return nil
}

// runWithRenderer starts the chosen renderer, executes the pipeline, and
// closes the bus so the renderer drains before the outcome prints.
func runWithRenderer(ctx context.Context, mode renderMode, pub events.Publisher, runner *pipeline.Runner, invoke func(context.Context, *pipeline.Runner) (*pipeline.Outcome, error)) (*pipeline.Outcome, error) {
	switch mode {
	case renderHuman:
		renderer := progress.New(os.Stdout, progress.WithVerbose(verbose))
		ch := pub.Subscribe(events.GlobalKey)
		done := make(chan struct{})
		go func() {
			defer close(done)
			renderer.Run(ch)
		}()

		out, err := invoke(ctx, runner)
		pub.Close()
		<-done
		return out, err

	case renderTUI:
		ch := pub.Subscribe(events.GlobalKey)
		type result struct {
			out *pipeline.Outcome
			err error
		}
		resCh := make(chan result, 1)
		go func() {
			out, err := invoke(ctx, runner)
			pub.Close()
			resCh <- result{out, err}
		}()

		// The dashboard owns the terminal until the user quits; all
		// output waits for it. It learns the run ID from the bus.
		if err := tui.Run("", ch); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
		res := <-resCh
		return res.out, res.err

	default:
		out, err := invoke(ctx, runner)
		pub.Close()
		return out, err
	}
}

// renderOutcome prints where the run ended up. The human renderer already
// narrated implementation progress, so this stays to the run-level facts.
func renderOutcome(mode renderMode, out *pipeline.Outcome) {
	if jsonOut() {
		printJSON(out)
		return
	}
	if mode == renderNDJSON {
		// Stdout is the protocol stream; the exit code is the summary.
		return
	}

	switch {
	case out.Stopped != nil:
		fmt.Printf("\nrun %s stopped after %s (%d decisions recorded)\n",
			shortRunID(out.RunID), out.Stopped.Phase, out.Stopped.DecisionsCount)
		fmt.Printf("continue with: auto resume --run-id %s\n", out.RunID)
	case out.Status == db.RunStatusCompleted:
		fmt.Printf("\n✓ run %s completed\n", shortRunID(out.RunID))
		if out.DeltaPath != "" {
			fmt.Printf("delta document: %s\n", out.DeltaPath)
		}
		if impl := out.Implementation; impl != nil && impl.Escalated() > 0 {
			fmt.Printf("%d story(ies) escalated; see auto status --run-id %s\n",
				impl.Escalated(), out.RunID)
		}
	default:
		fmt.Printf("\nrun %s: %s\n", shortRunID(out.RunID), out.Status)
	}
}

// openStore opens the configured decision store backend.
func openStore(cfg *config.Config) (*db.Store, error) {
	dialect, err := driver.ParseDialect(cfg.Store.Dialect)
	if err != nil {
		return nil, err
	}
	if dialect == driver.DialectSQLite && cfg.Store.DSN == "" {
		return db.OpenStore(".")
	}
	return db.OpenStoreWithDialect(cfg.StoreDSN(), dialect)
}

// flagBool reads a bool flag, treating absence as false so shared helpers
// work across commands with different flag sets.
func flagBool(cmd *cobra.Command, name string) bool {
	if cmd.Flags().Lookup(name) == nil {
		return false
	}
	v, _ := cmd.Flags().GetBool(name)
	return v
}

// shortRunID trims a UUID to its first group for display.
func shortRunID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
