//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent in its own process group so its children can
// be killed together with it.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the whole process group. A negative pid
// addresses the group rather than the single process.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}
