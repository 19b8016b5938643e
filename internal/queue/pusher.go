package queue

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/graph"
)

// StatusMirror receives the tracker-side status of an identifier after a
// successful status push. The runtime-state store implements this so the
// dashboard reflects the server-side change immediately.
type StatusMirror interface {
	SetBackendStatus(identifier, status string) error
}

// PushResult summarizes one push pass.
type PushResult struct {
	Attempted int
	Synced    int
	Failed    int
}

// Pusher delivers pending updates to the tracker, sequentially and in
// insertion order. Delivery failures stamp the entry and move on; one
// bad update never blocks the rest of the queue.
type Pusher struct {
	queue      *Queue
	backend    backend.Backend
	mirror     StatusMirror
	doneStatus string
	logger     *slog.Logger
}

// NewPusher returns a pusher for the queue against the given tracker.
// mirror may be nil when no runtime state exists (manual pushes after
// cleanup). doneStatus is the tracker status that counts as terminal
// success.
func NewPusher(q *Queue, b backend.Backend, mirror StatusMirror, doneStatus string, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{queue: q, backend: b, mirror: mirror, doneStatus: doneStatus, logger: logger}
}

// Push delivers every pending update once. The pass continues past
// individual failures and reports totals; err is non-nil only when the
// queue document itself cannot be read or written.
func (p *Pusher) Push(ctx context.Context) (PushResult, error) {
	pending, err := p.queue.ListPending()
	if err != nil {
		return PushResult{}, err
	}

	result := PushResult{Attempted: len(pending)}
	for i := range pending {
		u := pending[i]
		if ctx.Err() != nil {
			result.Attempted = result.Synced + result.Failed
			break
		}

		applyErr := p.backend.ApplyUpdate(ctx, &u)
		entry := SyncLogEntry{
			Timestamp: time.Now().UTC(),
			UpdateID:  u.ID,
			Type:      string(u.Type),
			TaskID:    u.TaskID,
			Success:   applyErr == nil,
		}

		if applyErr != nil {
			entry.Error = applyErr.Error()
			result.Failed++
			p.logger.Warn("update push failed",
				"id", u.ID, "type", u.Type, "identifier", u.Identifier, "error", applyErr)
			if err := p.queue.MarkFailed(u.ID, applyErr.Error()); err != nil {
				return result, err
			}
		} else {
			result.Synced++
			p.logger.Info("update pushed",
				"id", u.ID, "type", u.Type, "identifier", u.Identifier)
			if err := p.queue.MarkSynced(u.ID); err != nil {
				return result, err
			}
			if p.mirror != nil && p.mirrorable(&u) {
				if err := p.mirror.SetBackendStatus(u.Identifier, u.NewStatus); err != nil {
					p.logger.Warn("backend status mirror failed",
						"identifier", u.Identifier, "error", err)
				}
			}
		}

		if err := p.queue.AppendSyncLog(entry); err != nil {
			p.logger.Warn("sync log append failed", "error", err)
		}
	}

	if err := p.queue.stampSyncTimes(result.Failed == 0); err != nil {
		return result, err
	}
	return result, nil
}

// mirrorable reports whether a delivered update moved the issue to
// terminal success on the tracker. Entries queued under a previously
// configured done-status still count when the status normalizes to done.
func (p *Pusher) mirrorable(u *backend.Update) bool {
	if u.Type != backend.UpdateStatusChange {
		return false
	}
	return strings.EqualFold(u.NewStatus, p.doneStatus) ||
		graph.NormalizeTrackerStatus(u.NewStatus) == graph.StatusDone
}
