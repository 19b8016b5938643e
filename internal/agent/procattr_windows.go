//go:build windows

package agent

import (
	"os"
	"os/exec"
)

// setProcAttr is a no-op on Windows; there are no POSIX process groups.
func setProcAttr(cmd *exec.Cmd) {}

// killProcessGroup kills the direct child only. Without process groups
// its descendants cannot be addressed collectively; WaitDelay closes the
// pipes if one lingers.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
