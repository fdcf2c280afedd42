// Package progress renders pipeline events for a human watching a
// terminal. On a TTY it keeps a live status block at the bottom of the
// screen, redrawing it in place; durable lines (warnings, escalations,
// stalls) are printed above the block so redraws never erase them.
// On a plain stream it appends one line per event.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	isatty "github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/randalmurphal/auto/internal/db"
	"github.com/randalmurphal/auto/internal/events"
)

const defaultWidth = 100

// Renderer consumes bus events and writes human-readable output.
type Renderer struct {
	out     io.Writer
	tty     bool
	color   bool
	width   int
	verbose bool

	mu         sync.Mutex
	phases     map[string]string // phase name -> started/completed/failed/skipped
	storyOrder []string
	stories    map[string]*storyLine
	heartbeat  events.HeartbeatData
	blockLines int
	started    time.Time
}

type storyLine struct {
	key     string
	step    string
	status  string
	verdict string
	result  string
	cycles  int
}

// Option adjusts a Renderer.
type Option func(*Renderer)

// WithVerbose also prints log and token events.
func WithVerbose(v bool) Option {
	return func(r *Renderer) { r.verbose = v }
}

// WithTTY overrides terminal detection.
func WithTTY(tty bool) Option {
	return func(r *Renderer) { r.tty = tty }
}

// WithWidth overrides the detected terminal width.
func WithWidth(w int) Option {
	return func(r *Renderer) { r.width = w }
}

// WithColor overrides color detection.
func WithColor(c bool) Option {
	return func(r *Renderer) { r.color = c }
}

// New creates a renderer writing to out. TTY, width, and color are
// detected from out when it is a file; NO_COLOR disables color.
func New(out io.Writer, opts ...Option) *Renderer {
	r := &Renderer{
		out:     out,
		width:   defaultWidth,
		phases:  make(map[string]string),
		stories: make(map[string]*storyLine),
		started: time.Now(),
	}
	if f, ok := out.(*os.File); ok {
		fd := f.Fd()
		r.tty = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		if w, _, err := term.GetSize(int(fd)); err == nil && w > 0 {
			r.width = w
		}
	}
	r.color = r.tty && os.Getenv("NO_COLOR") == ""
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes events until the channel closes or the run completes.
func (r *Renderer) Run(ch <-chan events.Event) {
	for e := range ch {
		if r.Handle(e) {
			return
		}
	}
	r.finish()
}

// Handle renders one event. Returns true after the run-complete event,
// which is the renderer's stop signal.
func (r *Renderer) Handle(e events.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch data := e.Data.(type) {
	case events.PhaseUpdate:
		r.phases[data.Phase] = data.Status
		switch {
		case data.Status == events.StatusFailed:
			msg := r.paint(glyphFail, colorRed) + " phase " + data.Phase + " failed"
			if data.Error != "" {
				msg += ": " + data.Error
			}
			r.durable(msg)
		case r.tty:
			r.redraw()
		default:
			fmt.Fprintln(r.out, truncate(r.plainPhaseLine(data), r.width))
		}

	case events.RunStart:
		r.durable(fmt.Sprintf("implementation: %d %s queued, concurrency %d",
			len(data.Stories), pluralize(len(data.Stories), "story", "stories"), data.Concurrency))
		for _, key := range data.Stories {
			if _, ok := r.stories[key]; !ok {
				r.storyOrder = append(r.storyOrder, key)
				r.stories[key] = &storyLine{key: key}
			}
		}
		r.redraw()

	case events.StoryPhaseUpdate:
		st := r.story(data.Key)
		st.step = data.Phase
		st.status = data.Status
		st.verdict = data.Verdict
		if r.tty {
			r.redraw()
		} else if data.Verdict != "" {
			fmt.Fprintf(r.out, "[%s] %s → %s\n", data.Key, data.Phase, data.Verdict)
		} else {
			fmt.Fprintf(r.out, "[%s] %s %s\n", data.Key, data.Phase, strings.ReplaceAll(data.Status, "_", " "))
		}

	case events.StoryDone:
		st := r.story(data.Key)
		st.result = data.Result
		st.cycles = data.ReviewCycles
		if r.tty {
			r.redraw()
		} else {
			fmt.Fprintf(r.out, "[%s] %s (%d review %s)\n", data.Key, data.Result,
				data.ReviewCycles, pluralize(data.ReviewCycles, "cycle", "cycles"))
		}

	case events.EscalationData:
		st := r.story(data.Key)
		st.result = "escalated"
		st.cycles = data.Cycles
		lines := []string{fmt.Sprintf("%s [%s] escalated after %d %s: %s",
			r.paint(glyphWarn, colorYellow), data.Key, data.Cycles,
			pluralize(data.Cycles, "cycle", "cycles"), data.Reason)}
		for _, issue := range data.Issues {
			lines = append(lines, fmt.Sprintf("    %s %s: %s", issue.Severity, issue.File, issue.Desc))
		}
		r.durable(lines...)

	case events.WarningData:
		r.durable(r.paint(glyphWarn, colorYellow) + " " + prefixKey(data.Key, data.Message))

	case events.StallData:
		r.durable(fmt.Sprintf("%s [%s] no progress in %s for %s",
			r.paint(glyphWarn, colorYellow), data.StoryKey, data.Phase,
			formatDuration(time.Duration(data.ElapsedMs)*time.Millisecond)))

	case events.HeartbeatData:
		r.heartbeat = data
		if r.tty {
			r.redraw()
		} else if r.verbose {
			fmt.Fprintf(r.out, "heartbeat: %d active, %d done, %d queued\n",
				data.ActiveDispatches, data.CompletedDispatches, data.QueuedDispatches)
		}

	case events.PauseData:
		if data.Paused {
			r.durable(r.paint(glyphWarn, colorYellow) + " pipeline paused")
		} else {
			r.durable("pipeline resumed")
		}

	case events.TokenUpdate:
		if r.verbose {
			r.durable(fmt.Sprintf("tokens: %s/%s in=%d out=%d", data.Phase, data.Agent,
				data.InputTokens, data.OutputTokens))
		}

	case events.LogData:
		if r.verbose {
			r.durable("  " + prefixKey(data.Key, data.Message))
		}

	case events.RunComplete:
		r.eraseBlock()
		fmt.Fprintf(r.out, "%s implementation finished in %s: %d succeeded, %d failed, %d escalated\n",
			r.paint(glyphOK, colorGreen), formatDuration(time.Since(r.started)),
			len(data.Succeeded), len(data.Failed), len(data.Escalated))
		for _, key := range data.Failed {
			fmt.Fprintf(r.out, "  %s %s failed\n", r.paint(glyphFail, colorRed), key)
		}
		for _, key := range data.Escalated {
			fmt.Fprintf(r.out, "  %s %s needs a human\n", r.paint(glyphWarn, colorYellow), key)
		}
		return true
	}
	return false
}

func (r *Renderer) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eraseBlock()
}

func (r *Renderer) story(key string) *storyLine {
	st, ok := r.stories[key]
	if !ok {
		st = &storyLine{key: key}
		r.stories[key] = st
		r.storyOrder = append(r.storyOrder, key)
	}
	return st
}

// durable prints lines that must survive block redraws.
func (r *Renderer) durable(lines ...string) {
	r.eraseBlock()
	for _, line := range lines {
		fmt.Fprintln(r.out, truncate(line, r.width))
	}
	r.drawBlock()
}

// redraw repaints the status block in place. Plain streams log their
// transitions line by line in Handle instead.
func (r *Renderer) redraw() {
	if !r.tty {
		return
	}
	r.eraseBlock()
	r.drawBlock()
}

func (r *Renderer) plainPhaseLine(data events.PhaseUpdate) string {
	switch data.Status {
	case "started":
		return "phase " + data.Phase + " started"
	case "completed":
		return r.paint(glyphOK, colorGreen) + " phase " + data.Phase + " complete"
	case "skipped":
		return glyphSkip + " phase " + data.Phase + " skipped"
	}
	return "phase " + data.Phase + " " + data.Status
}

func (r *Renderer) eraseBlock() {
	if !r.tty || r.blockLines == 0 {
		return
	}
	fmt.Fprintf(r.out, "\x1b[%dA\x1b[J", r.blockLines)
	r.blockLines = 0
}

func (r *Renderer) drawBlock() {
	if !r.tty {
		return
	}
	lines := []string{r.phaseRow()}
	for _, key := range r.storyOrder {
		lines = append(lines, r.storyRow(r.stories[key]))
	}
	if r.heartbeat.RunID != "" {
		lines = append(lines, fmt.Sprintf("  %d active · %d done · %d queued",
			r.heartbeat.ActiveDispatches, r.heartbeat.CompletedDispatches, r.heartbeat.QueuedDispatches))
	}
	for _, line := range lines {
		fmt.Fprintln(r.out, truncate(line, r.width))
	}
	r.blockLines = len(lines)
}

func (r *Renderer) phaseRow() string {
	parts := make([]string, 0, len(db.PhaseOrder))
	for _, phase := range db.PhaseOrder {
		parts = append(parts, phase+" "+r.phaseGlyph(r.phases[phase]))
	}
	return strings.Join(parts, "  ")
}

func (r *Renderer) phaseGlyph(status string) string {
	switch status {
	case "started":
		return r.paint(glyphRun, colorYellow)
	case "completed":
		return r.paint(glyphOK, colorGreen)
	case "failed":
		return r.paint(glyphFail, colorRed)
	case "skipped":
		return glyphSkip
	default:
		return glyphPending
	}
}

func (r *Renderer) storyRow(st *storyLine) string {
	switch st.result {
	case "success":
		return fmt.Sprintf("  %s %-6s done (%d review %s)",
			r.paint(glyphOK, colorGreen), st.key, st.cycles, pluralize(st.cycles, "cycle", "cycles"))
	case "failed":
		return fmt.Sprintf("  %s %-6s failed in %s", r.paint(glyphFail, colorRed), st.key, st.step)
	case "escalated":
		return fmt.Sprintf("  %s %-6s escalated", r.paint(glyphWarn, colorYellow), st.key)
	}

	line := fmt.Sprintf("  %s %-6s %s", r.paint(glyphRun, colorYellow), st.key, st.step)
	if st.verdict != "" {
		line += " → " + st.verdict
	} else if st.status != "" {
		line += " " + strings.ReplaceAll(st.status, "_", " ")
	}
	return line
}

// ANSI bits. Glyphs stay ASCII-safe except the status marks, which every
// modern terminal renders.
const (
	glyphOK      = "✓"
	glyphFail    = "✗"
	glyphRun     = "⟳"
	glyphWarn    = "!"
	glyphSkip    = "-"
	glyphPending = "·"

	colorRed    = "31"
	colorGreen  = "32"
	colorYellow = "33"
)

func (r *Renderer) paint(s, color string) string {
	if !r.color {
		return s
	}
	return "\x1b[" + color + "m" + s + "\x1b[0m"
}

func prefixKey(key, msg string) string {
	if key == "" {
		return msg
	}
	return "[" + key + "] " + msg
}

// truncate trims a line to the terminal width so wrapped lines never
// break the cursor-up math. ANSI escapes count zero columns.
func truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	cols, inEscape := 0, false
	for i, r := range s {
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		if r == '\x1b' {
			inEscape = true
			continue
		}
		cols++
		if cols > width {
			return s[:i]
		}
	}
	return s
}

func pluralize(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}

// formatDuration renders a duration as compact h/m/s.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := d - m*time.Minute

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s/time.Second)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s/time.Second)
	}
	return fmt.Sprintf("%ds", s/time.Second)
}
