// Package queue persists tracker side-effects per parent until the push
// path delivers them. Entries are never removed, only stamped, so a
// failed push loses nothing.
package queue

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/util"
)

// DefaultLockTimeout bounds the wait for the queue-file critical section.
const DefaultLockTimeout = 30 * time.Second

// Document is the on-disk pending-update queue.
type Document struct {
	Updates         []backend.Update `json:"updates"`
	LastSyncAttempt *time.Time       `json:"lastSyncAttempt,omitempty"`
	LastSyncSuccess *time.Time       `json:"lastSyncSuccess,omitempty"`
}

// SyncLogEntry records one push attempt for audit.
type SyncLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	UpdateID  string    `json:"updateId"`
	Type      string    `json:"type"`
	TaskID    string    `json:"taskId,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Queue reads and mutates the pending-update document at a fixed path,
// with an append-only sync log alongside it.
type Queue struct {
	path        string
	logPath     string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// New returns a queue over the document at path with its sync log at
// logPath.
func New(path, logPath string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{path: path, logPath: logPath, lockTimeout: DefaultLockTimeout, logger: logger}
}

// withDocument runs fn on the current document inside the critical
// section and persists the result. A missing or unreadable document is
// replaced with an empty one.
func (q *Queue) withDocument(fn func(*Document) error) error {
	return util.WithFileLock(q.path, q.lockTimeout, func() error {
		var doc Document
		if err := util.ReadJSON(q.path, &doc); err != nil {
			if !os.IsNotExist(err) {
				q.logger.Warn("pending updates unreadable, reinitializing",
					"path", q.path, "error", err)
			}
			doc = Document{}
		}
		if err := fn(&doc); err != nil {
			return err
		}
		return util.WriteJSON(q.path, &doc)
	})
}

// Enqueue appends the update, assigning its id and creation time.
// The assigned id is returned.
func (q *Queue) Enqueue(update backend.Update) (string, error) {
	update.ID = uuid.NewString()
	update.CreatedAt = time.Now().UTC()
	update.SyncedAt = nil
	update.Error = ""

	err := q.withDocument(func(doc *Document) error {
		doc.Updates = append(doc.Updates, update)
		return nil
	})
	if err != nil {
		return "", err
	}
	q.logger.Debug("update enqueued", "id", update.ID, "type", update.Type, "identifier", update.Identifier)
	return update.ID, nil
}

// ListPending returns the updates not yet stamped, in insertion order.
func (q *Queue) ListPending() ([]backend.Update, error) {
	var pending []backend.Update
	err := q.withDocument(func(doc *Document) error {
		for _, u := range doc.Updates {
			if u.Pending() {
				pending = append(pending, u)
			}
		}
		return nil
	})
	return pending, err
}

// MarkSynced stamps the update as delivered. Stamping an already-synced
// id is a no-op.
func (q *Queue) MarkSynced(id string) error {
	return q.withDocument(func(doc *Document) error {
		for i := range doc.Updates {
			if doc.Updates[i].ID != id {
				continue
			}
			if doc.Updates[i].SyncedAt == nil {
				now := time.Now().UTC()
				doc.Updates[i].SyncedAt = &now
				doc.Updates[i].Error = ""
			}
			return nil
		}
		return fmt.Errorf("update %s not found", id)
	})
}

// MarkFailed stamps the update with a delivery error. The entry stays in
// the document; clearing the error out-of-band makes it pending again.
func (q *Queue) MarkFailed(id, errMsg string) error {
	return q.withDocument(func(doc *Document) error {
		for i := range doc.Updates {
			if doc.Updates[i].ID != id {
				continue
			}
			if doc.Updates[i].SyncedAt == nil {
				doc.Updates[i].Error = errMsg
			}
			return nil
		}
		return fmt.Errorf("update %s not found", id)
	})
}

// stampSyncTimes records the outcome of one push pass on the document.
func (q *Queue) stampSyncTimes(success bool) error {
	return q.withDocument(func(doc *Document) error {
		now := time.Now().UTC()
		doc.LastSyncAttempt = &now
		if success {
			doc.LastSyncSuccess = &now
		}
		return nil
	})
}

// AppendSyncLog appends one entry to the audit log. Log failures are
// reported but never block the push path.
func (q *Queue) AppendSyncLog(entry SyncLogEntry) error {
	return util.WithFileLock(q.logPath, q.lockTimeout, func() error {
		var entries []SyncLogEntry
		if err := util.ReadJSON(q.logPath, &entries); err != nil && !os.IsNotExist(err) {
			q.logger.Warn("sync log unreadable, starting fresh", "path", q.logPath, "error", err)
		}
		entries = append(entries, entry)
		return util.WriteJSON(q.logPath, entries)
	})
}

// Load returns the full document for status display. Missing documents
// read as empty.
func (q *Queue) Load() (*Document, error) {
	var doc Document
	if err := util.ReadJSON(q.path, &doc); err != nil {
		if os.IsNotExist(err) {
			return &Document{}, nil
		}
		return nil, err
	}
	return &doc, nil
}
