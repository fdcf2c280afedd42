// Package agent dispatches prompts to agent subprocesses and parses their
// structured output. The dispatcher is the sole owner of agent child
// processes: it enforces per-dispatch timeouts, kills whole process groups
// on cancellation, and reaps everything on shutdown.
package agent

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"

	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

// Status is the terminal status of a dispatch.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// DefaultTimeout applies when a request carries no timeout of its own.
const DefaultTimeout = 10 * time.Minute

// Request describes a single agent dispatch.
type Request struct {
	// Prompt is the full assembled prompt text passed via -p.
	Prompt string
	// Agent is the logical agent name (analyst, pm, architect, sm, dev,
	// reviewer). Used for attribution in logs and token usage.
	Agent string
	// TaskType labels the dispatch (phase name or workflow step).
	TaskType string
	// Timeout bounds the subprocess; zero means DefaultTimeout.
	Timeout time.Duration
	// Schema, when set, is validated against the YAML block in the output.
	Schema *Schema
	// Workdir overrides the dispatcher's working directory.
	Workdir string
}

// TokenEstimate carries input/output token counts for a dispatch.
type TokenEstimate struct {
	Input  int
	Output int
}

// Result is the outcome of a dispatch. Exactly one terminal status is
// reported per dispatch.
type Result struct {
	ID       string
	Status   Status
	ExitCode int
	// Output is the raw captured stdout, including any partial output
	// present when a timeout fired.
	Output string
	// Parsed is non-nil iff Status is completed and the output's YAML
	// block validated against the request schema.
	Parsed     map[string]any
	ParseError error
	Duration   time.Duration
	Tokens     TokenEstimate
}

// Handle tracks one in-flight dispatch.
type Handle struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	cmd    *exec.Cmd
	result *Result
}

// ID returns the dispatch id.
func (h *Handle) ID() string { return h.id }

// Result blocks until the dispatch reaches a terminal status.
func (h *Handle) Result() *Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Done returns a channel closed when the dispatch terminates.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel terminates the subprocess and its process group.
// Safe to call multiple times.
func (h *Handle) Cancel() {
	h.cancel()
	h.killGroup()
}

func (h *Handle) killGroup() {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	if pid := cmd.Process.Pid; pid > 0 {
		// ESRCH is expected when the process already exited.
		_ = killProcessGroup(pid)
	}
}

func (h *Handle) complete(res *Result) {
	h.mu.Lock()
	h.result = res
	h.mu.Unlock()
	close(h.done)
}

// Dispatcher spawns agent subprocesses. All dispatches share one command
// configuration; per-request variation comes through Request.
type Dispatcher struct {
	command        string
	baseArgs       []string
	workdir        string
	defaultTimeout time.Duration
	logger         *slog.Logger

	lookOnce sync.Once
	lookErr  error

	mu        sync.Mutex
	active    map[string]*Handle
	completed atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCommand sets the agent command (default "claude").
func WithCommand(command string) Option {
	return func(d *Dispatcher) { d.command = command }
}

// WithBaseArgs sets arguments passed before the prompt flag.
func WithBaseArgs(args []string) Option {
	return func(d *Dispatcher) { d.baseArgs = args }
}

// WithWorkdir sets the default working directory for subprocesses.
func WithWorkdir(dir string) Option {
	return func(d *Dispatcher) { d.workdir = dir }
}

// WithDefaultTimeout sets the timeout used when a request carries none.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.defaultTimeout = timeout }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		command:        "claude",
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
		active:         make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Command returns the configured agent command.
func (d *Dispatcher) Command() string { return d.command }

// ActiveCount returns the number of in-flight dispatches.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// CompletedCount returns the number of dispatches that reached a terminal
// status since the dispatcher was created.
func (d *Dispatcher) CompletedCount() int {
	return int(d.completed.Load())
}

// ActivePIDs returns the PIDs of live agent subprocesses.
func (d *Dispatcher) ActivePIDs() []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	pids := make([]int, 0, len(d.active))
	for _, h := range d.active {
		h.mu.Lock()
		if h.cmd != nil && h.cmd.Process != nil {
			pids = append(pids, h.cmd.Process.Pid)
		}
		h.mu.Unlock()
	}
	return pids
}

// Dispatch starts an agent subprocess for the request. The returned handle
// resolves to exactly one terminal Result; cancellation and timeout kill the
// child's entire process group.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Handle, error) {
	if req.Prompt == "" {
		return nil, autoerrors.ErrInputInvalid("prompt", "must not be empty")
	}

	d.lookOnce.Do(func() {
		if _, err := exec.LookPath(d.command); err != nil {
			d.lookErr = autoerrors.ErrAgentUnavailable(d.command)
		}
	})
	if d.lookErr != nil {
		return nil, d.lookErr
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)

	args := make([]string, 0, len(d.baseArgs)+2)
	args = append(args, d.baseArgs...)
	args = append(args, "-p", req.Prompt)

	cmd := exec.CommandContext(cctx, d.command, args...)
	if req.Workdir != "" {
		cmd.Dir = req.Workdir
	} else if d.workdir != "" {
		cmd.Dir = d.workdir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Process group so timeouts/cancel kill the whole tree, and a wait
	// delay so grandchildren holding the output pipe can't hang Wait.
	setProcAttr(cmd)
	cmd.WaitDelay = 5 * time.Second

	h := &Handle{
		id:     uuid.New().String(),
		done:   make(chan struct{}),
		cancel: cancel,
		cmd:    cmd,
	}

	d.mu.Lock()
	d.active[h.id] = h
	d.mu.Unlock()

	start := time.Now()
	d.logger.Debug("dispatching agent",
		"id", h.id,
		"agent", req.Agent,
		"task_type", req.TaskType,
		"timeout", timeout,
	)

	go d.run(cctx, cancel, cmd, req, h, start, &stdout, &stderr)

	return h, nil
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, req Request, h *Handle, start time.Time, stdout, stderr *bytes.Buffer) {
	defer cancel()

	err := cmd.Run()

	d.mu.Lock()
	delete(d.active, h.id)
	d.mu.Unlock()
	d.completed.Add(1)

	output := stdout.String()
	res := &Result{
		ID:       h.id,
		Output:   output,
		Duration: time.Since(start),
		Tokens:   estimateDispatchTokens(req.Prompt, output),
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// Kill stragglers in the group; partial output stays available.
		h.killGroup()
		res.Status = StatusTimeout
		res.ExitCode = -1

	case ctx.Err() != nil:
		h.killGroup()
		res.Status = StatusFailed
		res.ExitCode = -1

	case err != nil:
		res.Status = StatusFailed
		res.ExitCode = exitCode(err)

	default:
		res.Status = StatusCompleted
		res.ExitCode = 0
		if req.Schema != nil {
			parsed, perr := ParseAgentYAML(output, req.Schema)
			if perr != nil {
				res.ParseError = perr
			} else {
				res.Parsed = parsed
			}
		}
	}

	if res.Status != StatusCompleted {
		d.logger.Debug("dispatch terminated",
			"id", h.id,
			"agent", req.Agent,
			"status", res.Status,
			"exit_code", res.ExitCode,
			"stderr", truncateForLog(stderr.String(), 512),
		)
	}

	h.complete(res)
}

// Run dispatches the request and blocks until it reaches a terminal status.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*Result, error) {
	h, err := d.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return h.Result(), nil
}

// Shutdown cancels all in-flight dispatches and waits for them to settle.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	handles := make([]*Handle, 0, len(d.active))
	for _, h := range d.active {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	for _, h := range handles {
		<-h.Done()
	}
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
