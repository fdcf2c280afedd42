//go:build windows

package agent

import "os/exec"

// setProcAttr does nothing on Windows, which has no POSIX process
// groups. Context cancellation kills the direct child only.
func setProcAttr(cmd *exec.Cmd) {
}

// killProcessGroup does nothing on Windows.
func killProcessGroup(pid int) error {
	return nil
}
