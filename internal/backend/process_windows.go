//go:build windows

package backend

import "os/exec"

// setProcessGroup is a no-op on Windows; Cmd.Process.Kill below is
// limited to the immediate child, which is the platform's tradeoff.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd, pid int) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
