//go:build !windows

package backend

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts cmd in its own process group so killProcessGroup
// can bring down every descendant it spawned, not just cmd itself.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd, pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
