package state

import (
	"log/slog"
	"os"
	"time"

	"github.com/herdctl/herd/internal/util"
)

// DefaultLockTimeout bounds the wait for the state-file critical section.
const DefaultLockTimeout = 30 * time.Second

// Store reads and mutates the runtime-state document at a fixed path.
// All mutations run inside a cross-process critical section and persist
// via atomic rename, so readers never observe a torn document.
type Store struct {
	path        string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewStore returns a store over the runtime-state file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, lockTimeout: DefaultLockTimeout, logger: logger}
}

// Path returns the runtime-state file path, for watchers.
func (s *Store) Path() string {
	return s.path
}

// WithState runs fn on the current document inside the critical section
// and persists the result. A missing or unreadable document is replaced
// with a fresh one; every successful call bumps UpdatedAt.
func (s *Store) WithState(fn func(*RuntimeState) error) error {
	return util.WithFileLock(s.path, s.lockTimeout, func() error {
		var doc RuntimeState
		if err := util.ReadJSON(s.path, &doc); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("runtime state unreadable, reinitializing",
					"path", s.path, "error", err)
			}
			doc = RuntimeState{StartedAt: time.Now().UTC()}
		}
		if err := fn(&doc); err != nil {
			return err
		}
		doc.UpdatedAt = time.Now().UTC()
		return util.WriteJSON(s.path, &doc)
	})
}

// InitOptions carries the optional fields recorded at loop start.
type InitOptions struct {
	LoopPID    int
	TotalTasks int
}

// Init records the parent and loop metadata, creating the document if
// absent. Existing active and completed entries are preserved so a
// resumed loop keeps its history.
func (s *Store) Init(parentID, parentTitle string, opts InitOptions) error {
	return s.WithState(func(doc *RuntimeState) error {
		doc.ParentID = parentID
		doc.ParentTitle = parentTitle
		if doc.StartedAt.IsZero() {
			doc.StartedAt = time.Now().UTC()
		}
		if opts.LoopPID != 0 {
			doc.LoopPID = opts.LoopPID
		}
		if opts.TotalTasks != 0 {
			doc.TotalTasks = opts.TotalTasks
		}
		return nil
	})
}

// AddActive records a running task, replacing any stale record with the
// same identifier. A re-opened task also sheds its earlier outcome so it
// never appears as both running and terminated.
func (s *Store) AddActive(record ActiveTask) error {
	return s.WithState(func(doc *RuntimeState) error {
		doc.removeActive(record.Identifier)
		doc.removeFinished(record.Identifier)
		if record.StartedAt.IsZero() {
			record.StartedAt = time.Now().UTC()
		}
		doc.ActiveTasks = append(doc.ActiveTasks, record)
		return nil
	})
}

// RemoveActive drops the active record for identifier without recording
// an outcome. Used when a task is sent back for retry.
func (s *Store) RemoveActive(identifier string) error {
	return s.WithState(func(doc *RuntimeState) error {
		doc.removeActive(identifier)
		return nil
	})
}

// UpdateActivePane moves the task's dashboard pane assignment.
func (s *Store) UpdateActivePane(identifier string, paneSlot int) error {
	return s.WithState(func(doc *RuntimeState) error {
		if a := doc.Active(identifier); a != nil {
			a.PaneSlot = paneSlot
		}
		return nil
	})
}

// Complete moves the task from active to completed with its duration,
// replacing any earlier outcome for the same identifier.
func (s *Store) Complete(identifier string) error {
	return s.WithState(func(doc *RuntimeState) error {
		doc.removeFinished(identifier)
		doc.CompletedTasks = append(doc.CompletedTasks, finish(doc, identifier))
		return nil
	})
}

// Fail moves the task from active to failed with its duration, replacing
// any earlier outcome for the same identifier.
func (s *Store) Fail(identifier string) error {
	return s.WithState(func(doc *RuntimeState) error {
		doc.removeFinished(identifier)
		doc.FailedTasks = append(doc.FailedTasks, finish(doc, identifier))
		return nil
	})
}

func finish(doc *RuntimeState, identifier string) CompletedTask {
	now := time.Now().UTC()
	record := CompletedTask{Identifier: identifier, FinishedAt: now}
	if active := doc.removeActive(identifier); active != nil && !active.StartedAt.IsZero() {
		record.DurationMS = now.Sub(active.StartedAt).Milliseconds()
	}
	return record
}

// SetBackendStatus stamps the tracker-side status for identifier.
func (s *Store) SetBackendStatus(identifier, status string) error {
	return s.WithState(func(doc *RuntimeState) error {
		if doc.BackendStatuses == nil {
			doc.BackendStatuses = make(map[string]BackendStatus)
		}
		doc.BackendStatuses[identifier] = BackendStatus{
			Status:   status,
			SyncedAt: time.Now().UTC(),
		}
		return nil
	})
}

// ClearActives drops all active records. Used on interrupt so a resumed
// loop does not see phantom running tasks.
func (s *Store) ClearActives() error {
	return s.WithState(func(doc *RuntimeState) error {
		doc.ActiveTasks = nil
		return nil
	})
}

// Delete removes the runtime-state document.
func (s *Store) Delete() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Load reads the current document without locking. Returns nil with no
// error when the document is missing or unreadable; readers treat that
// as "no state yet" and wait for the next change.
func (s *Store) Load() (*RuntimeState, error) {
	var doc RuntimeState
	if err := util.ReadJSON(s.path, &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.logger.Debug("runtime state read failed", "path", s.path, "error", err)
		return nil, nil
	}
	return &doc, nil
}
