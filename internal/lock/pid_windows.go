//go:build windows

package lock

import "os"

// pidAlive reports whether a process with the given pid exists. Windows has
// no signal 0; FindProcess failing is the best available proxy.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
