// Package lock guards a workspace against concurrent pipeline runs. One
// orchestrator process owns a workspace at a time; the guard is a PID file
// under .auto/ that is cleaned up when the owning process is gone.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

// PIDFileName is the guard file name inside the .auto directory.
const PIDFileName = "auto.pid"

// Guard is the workspace run lock.
type Guard struct {
	projectDir string
}

// NewGuard creates a guard for the project rooted at projectDir.
func NewGuard(projectDir string) *Guard {
	return &Guard{projectDir: projectDir}
}

// Path returns the guard file location.
func (g *Guard) Path() string {
	return filepath.Join(g.projectDir, ".auto", PIDFileName)
}

// Acquire claims the workspace for this process. A guard file naming a
// live process fails with RUN_ALREADY_ACTIVE; stale and malformed files
// are cleaned up and claimed.
func (g *Guard) Acquire() error {
	path := g.Path()

	if pid, ok := readPIDFile(path); ok {
		if ProcessAlive(pid) && pid != os.Getpid() {
			return autoerrors.ErrRunActive(pid)
		}
		os.Remove(path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create .auto dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the guard. Safe when the file is already gone, and a
// no-op when another process took the guard over.
func (g *Guard) Release() {
	path := g.Path()
	if pid, ok := readPIDFile(path); ok && pid != os.Getpid() {
		return
	}
	os.Remove(path)
}

// Holder reports the live process currently holding the workspace, if any.
func (g *Guard) Holder() (int, bool) {
	pid, ok := readPIDFile(g.Path())
	if !ok || !ProcessAlive(pid) {
		return 0, false
	}
	return pid, true
}

// readPIDFile parses the guard file. Malformed content reads as absent.
func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// ProcessAlive reports whether a process with the given PID exists. On
// unix FindProcess always succeeds, so signal 0 does the real probe.
// EPERM means the process exists but belongs to another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
