//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent subprocess in its own process group and
// routes context cancellation through a group kill. Agent CLIs spawn
// helpers that inherit the output pipe; killing only the direct child
// would leave them holding it open and Wait would never return.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return killProcessGroup(cmd.Process.Pid)
	}
}

// killProcessGroup signals the whole group. With Setpgid the group ID is
// the leader's PID, and a negative PID addresses the group.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
