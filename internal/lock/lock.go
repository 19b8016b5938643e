// Package lock provides a cross-process exclusive lock on a working-copy
// directory. Acquisition is atomic mkdir of <worktree>/.git-lock/; the
// lock.json written inside is metadata for stale-owner recovery, not the
// lock itself.
package lock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/herdctl/herd/internal/herderr"
	"github.com/herdctl/herd/internal/util"
)

const (
	// DirName is the lock directory created inside the worktree.
	DirName = ".git-lock"

	// MetadataFileName is the metadata file written inside the lock dir.
	MetadataFileName = "lock.json"

	// DefaultTimeout bounds a blocking Acquire.
	DefaultTimeout = 30 * time.Second

	// retryInterval is the delay between failed acquisition attempts.
	retryInterval = 100 * time.Millisecond

	// staleAge is the lock-dir mtime age past which a lock is stale even
	// if its owner pid cannot be checked.
	staleAge = 5 * time.Minute
)

// Metadata identifies the lock owner.
type Metadata struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Hostname   string    `json:"hostname"`
}

// Handle represents a held lock. Release is idempotent.
type Handle struct {
	Path       string
	AcquiredAt time.Time
	PID        int

	releaseOnce sync.Once
	sigCh       chan os.Signal
	sigDone     chan struct{}
	logger      *slog.Logger
}

// Acquire blocks until the lock on worktree is held or timeout elapses.
// A timeout <= 0 uses DefaultTimeout.
func Acquire(worktree string, timeout time.Duration, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	lockDir := filepath.Join(worktree, DirName)
	deadline := time.Now().Add(timeout)

	for {
		err := os.Mkdir(lockDir, 0755)
		if err == nil {
			return newHandle(lockDir, logger)
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}

		if isStale(lockDir, logger) {
			logger.Warn("removing stale lock", "path", lockDir)
			if err := os.RemoveAll(lockDir); err != nil {
				return nil, fmt.Errorf("remove stale lock: %w", err)
			}
			continue
		}

		if time.Now().After(deadline) {
			return nil, herderr.ErrLockTimeout(lockDir, timeout.String())
		}
		time.Sleep(retryInterval)
	}
}

// newHandle writes the owner metadata and installs the signal hook that
// removes the lock directory if the holding process is interrupted.
func newHandle(lockDir string, logger *slog.Logger) (*Handle, error) {
	meta := Metadata{
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
		Hostname:   hostname(),
	}
	if err := util.WriteJSON(filepath.Join(lockDir, MetadataFileName), meta); err != nil {
		os.RemoveAll(lockDir)
		return nil, fmt.Errorf("write lock metadata: %w", err)
	}

	h := &Handle{
		Path:       lockDir,
		AcquiredAt: meta.AcquiredAt,
		PID:        meta.PID,
		sigCh:      make(chan os.Signal, 1),
		sigDone:    make(chan struct{}),
		logger:     logger,
	}

	signal.Notify(h.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-h.sigCh:
			logger.Warn("releasing lock on signal", "path", lockDir, "signal", sig.String())
			h.Release()
			// Re-raise so the process still terminates with default behavior.
			signal.Stop(h.sigCh)
			if s, ok := sig.(syscall.Signal); ok {
				syscall.Kill(os.Getpid(), s)
			}
		case <-h.sigDone:
		}
	}()

	return h, nil
}

// Release removes the lock directory. Calling it more than once is a no-op.
func (h *Handle) Release() error {
	var err error
	h.releaseOnce.Do(func() {
		signal.Stop(h.sigCh)
		close(h.sigDone)
		err = os.RemoveAll(h.Path)
	})
	return err
}

// WithLock runs fn while holding the lock on worktree, releasing it on
// every exit path including panics.
func WithLock(worktree string, timeout time.Duration, logger *slog.Logger, fn func() error) error {
	h, err := Acquire(worktree, timeout, logger)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}

// PIDAlive reports whether a process with the given pid exists on this
// host.
func PIDAlive(pid int) bool {
	return pidAlive(pid)
}

// isStale reports whether an existing lock may be broken: its metadata is
// missing or corrupt, its directory has not been touched within staleAge,
// or its recorded owner pid is no longer alive on this host.
func isStale(lockDir string, logger *slog.Logger) bool {
	info, err := os.Stat(lockDir)
	if err != nil {
		// Raced with a concurrent release; the retry loop handles it.
		return false
	}
	if time.Since(info.ModTime()) > staleAge {
		return true
	}

	data, err := os.ReadFile(filepath.Join(lockDir, MetadataFileName))
	if err != nil {
		// The owner writes metadata immediately after mkdir; give a very
		// young lock the benefit of the doubt to avoid racing that write.
		if time.Since(info.ModTime()) < retryInterval {
			return false
		}
		return true
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil || meta.PID == 0 {
		logger.Debug("corrupt lock metadata treated as stale", "path", lockDir)
		return true
	}

	// Owner liveness only means something for locks taken on this host.
	if meta.Hostname == hostname() && !pidAlive(meta.PID) {
		return true
	}
	return false
}

// hostname returns the HOSTNAME environment value recorded in metadata.
func hostname() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	return "unknown"
}
