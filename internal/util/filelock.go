package util

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// lockPollInterval is how often a blocked caller re-checks the sidecar.
	lockPollInterval = 10 * time.Millisecond

	// lockStaleAge is the age past which a sidecar lock is presumed
	// abandoned by a crashed writer and may be broken.
	lockStaleAge = 30 * time.Second
)

// WithFileLock serializes access to the document at path across processes.
// It creates a `<path>.lock` sidecar with O_EXCL, runs fn, then removes the
// sidecar. A sidecar older than lockStaleAge is broken and re-claimed.
//
// This is the critical section used by the runtime-state store and the
// pending-update queue; both documents are shared between the orchestrator
// and external readers/writers on the same host.
func WithFileLock(path string, timeout time.Duration, fn func() error) error {
	lockPath := path + ".lock"
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%s\n", strconv.Itoa(os.Getpid()))
			f.Close()
			break
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock %s: %w", lockPath, err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAge {
				os.Remove(lockPath)
				continue
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out acquiring lock %s after %s", lockPath, timeout)
		}
		time.Sleep(lockPollInterval)
	}

	defer os.Remove(lockPath)
	return fn()
}
