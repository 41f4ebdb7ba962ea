//go:build windows

package runlock

import (
	"os/exec"
	"strconv"
	"strings"
)

// processAlive shells out to tasklist since Windows os.FindProcess
// always succeeds regardless of whether the PID is live.
func processAlive(pid int) bool {
	cmd := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/NH")
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}

// Terminate shells out to taskkill, since Windows has no SIGTERM
// equivalent through os.Process.Signal.
func Terminate(pid int) error {
	return exec.Command("taskkill", "/PID", strconv.Itoa(pid)).Run()
}
