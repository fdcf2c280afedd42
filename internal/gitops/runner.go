// Package gitops captures working-tree state for review prompts and for
// recovering modified-file lists after a failed agent dispatch.
package gitops

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// CommandRunner executes a command and returns its trimmed stdout.
// Implementations are injected into Repo so tests can fake git.
type CommandRunner interface {
	Run(ctx context.Context, workDir, name string, args ...string) (string, error)
}

// ExecRunner is the default CommandRunner backed by os/exec.
type ExecRunner struct{}

// Run executes the command in workDir. Only trailing whitespace is
// trimmed from stdout: porcelain formats carry meaning in leading
// columns. On failure the returned error carries whatever the command
// printed.
func (ExecRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}
		return "", &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  output,
			Err:     err,
		}
	}

	return strings.TrimRight(stdout.String(), " \t\r\n"), nil
}

// CommandError reports a failed command with its captured output.
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Command + ": " + e.Output
	}
	if e.Err != nil {
		return e.Command + ": " + e.Err.Error()
	}
	return e.Command + ": command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
