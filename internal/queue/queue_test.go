package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/util"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "pending-updates.json"), filepath.Join(dir, "sync-log.json"), nil)
}

func TestEnqueueAssignsIDAndTimestamp(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(backend.Update{
		Type:       backend.UpdateStatusChange,
		Identifier: "PROJ-101",
		NewStatus:  "Done",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	pending, err := q.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.False(t, pending[0].CreatedAt.IsZero())
}

func TestEnqueuePreservesInsertionOrder(t *testing.T) {
	q := newTestQueue(t)

	var ids []string
	for _, ident := range []string{"PROJ-103", "PROJ-101", "PROJ-102"} {
		id, err := q.Enqueue(backend.Update{Type: backend.UpdateAddComment, Identifier: ident, Body: "x"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	pending, err := q.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, u := range pending {
		assert.Equal(t, ids[i], u.ID)
	}
}

func TestMarkSyncedExcludesFromPending(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(backend.Update{Type: backend.UpdateAddComment, Identifier: "PROJ-101", Body: "x"})
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(id))

	pending, err := q.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The entry is stamped, never deleted.
	doc, err := q.Load()
	require.NoError(t, err)
	require.Len(t, doc.Updates, 1)
	assert.NotNil(t, doc.Updates[0].SyncedAt)
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(backend.Update{Type: backend.UpdateAddComment, Identifier: "PROJ-101", Body: "x"})
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(id))

	doc, err := q.Load()
	require.NoError(t, err)
	first := *doc.Updates[0].SyncedAt

	require.NoError(t, q.MarkSynced(id))
	doc, err = q.Load()
	require.NoError(t, err)
	assert.Equal(t, first, *doc.Updates[0].SyncedAt)
}

func TestMarkFailedKeepsEntry(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(backend.Update{Type: backend.UpdateStatusChange, Identifier: "PROJ-101", NewStatus: "Done"})
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(id, "tracker 503"))

	pending, err := q.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	doc, err := q.Load()
	require.NoError(t, err)
	require.Len(t, doc.Updates, 1)
	assert.Equal(t, "tracker 503", doc.Updates[0].Error)
	assert.Nil(t, doc.Updates[0].SyncedAt)
}

func TestMarkFailedDoesNotOverrideSynced(t *testing.T) {
	q := newTestQueue(t)

	id, err := q.Enqueue(backend.Update{Type: backend.UpdateAddComment, Identifier: "PROJ-101", Body: "x"})
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(id))
	require.NoError(t, q.MarkFailed(id, "late failure"))

	doc, err := q.Load()
	require.NoError(t, err)
	assert.NotNil(t, doc.Updates[0].SyncedAt)
	assert.Empty(t, doc.Updates[0].Error)
}

func TestMarkUnknownIDFails(t *testing.T) {
	q := newTestQueue(t)
	assert.Error(t, q.MarkSynced("nope"))
	assert.Error(t, q.MarkFailed("nope", "x"))
}

func TestLoadMissingDocumentIsEmpty(t *testing.T) {
	q := newTestQueue(t)

	doc, err := q.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Updates)
}

// pushBackend records applied updates and fails the identifiers listed
// in failFor.
type pushBackend struct {
	applied []backend.Update
	failFor map[string]bool
}

func (b *pushBackend) Name() string { return "fake" }
func (b *pushBackend) FetchParent(ctx context.Context, identifier string) (*backend.Parent, error) {
	return nil, backend.ErrNotFound
}
func (b *pushBackend) FetchSubTasks(ctx context.Context, parentID string) ([]backend.SubTaskPayload, error) {
	return nil, nil
}
func (b *pushBackend) FetchStatus(ctx context.Context, identifier string) (string, error) {
	return "", errors.New("unreachable")
}
func (b *pushBackend) ApplyUpdate(ctx context.Context, u *backend.Update) error {
	if b.failFor[u.Identifier] {
		return errors.New("tracker rejected update")
	}
	b.applied = append(b.applied, *u)
	return nil
}

type mirrorSpy struct {
	calls map[string]string
}

func (m *mirrorSpy) SetBackendStatus(identifier, status string) error {
	if m.calls == nil {
		m.calls = map[string]string{}
	}
	m.calls[identifier] = status
	return nil
}

func TestPushDeliversSequentially(t *testing.T) {
	q := newTestQueue(t)
	for _, ident := range []string{"PROJ-101", "PROJ-102"} {
		_, err := q.Enqueue(backend.Update{Type: backend.UpdateAddComment, Identifier: ident, Body: "x"})
		require.NoError(t, err)
	}

	b := &pushBackend{}
	p := NewPusher(q, b, nil, "Done", nil)

	res, err := p.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PushResult{Attempted: 2, Synced: 2}, res)
	require.Len(t, b.applied, 2)
	assert.Equal(t, "PROJ-101", b.applied[0].Identifier)
	assert.Equal(t, "PROJ-102", b.applied[1].Identifier)

	pending, err := q.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPushContinuesPastFailure(t *testing.T) {
	q := newTestQueue(t)
	for _, ident := range []string{"PROJ-101", "PROJ-102", "PROJ-103"} {
		_, err := q.Enqueue(backend.Update{Type: backend.UpdateAddComment, Identifier: ident, Body: "x"})
		require.NoError(t, err)
	}

	b := &pushBackend{failFor: map[string]bool{"PROJ-102": true}}
	p := NewPusher(q, b, nil, "Done", nil)

	res, err := p.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PushResult{Attempted: 3, Synced: 2, Failed: 1}, res)

	doc, err := q.Load()
	require.NoError(t, err)
	require.Len(t, doc.Updates, 3)
	assert.NotEmpty(t, doc.Updates[1].Error)
	assert.NotNil(t, doc.LastSyncAttempt)
	assert.Nil(t, doc.LastSyncSuccess)
}

func TestPushMirrorsDoneStatus(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(backend.Update{Type: backend.UpdateStatusChange, Identifier: "PROJ-101", NewStatus: "Done"})
	require.NoError(t, err)
	_, err = q.Enqueue(backend.Update{Type: backend.UpdateStatusChange, Identifier: "PROJ-102", NewStatus: "In Progress"})
	require.NoError(t, err)
	_, err = q.Enqueue(backend.Update{Type: backend.UpdateAddComment, Identifier: "PROJ-103", Body: "x"})
	require.NoError(t, err)

	mirror := &mirrorSpy{}
	p := NewPusher(q, &pushBackend{}, mirror, "Done", nil)

	_, err = p.Push(context.Background())
	require.NoError(t, err)

	// Only the terminal-success status change reaches the mirror.
	assert.Equal(t, map[string]string{"PROJ-101": "Done"}, mirror.calls)
}

func TestPushMirrorsTerminalStatusFromEarlierConfig(t *testing.T) {
	q := newTestQueue(t)
	// Queued before done_status was reconfigured to Shipped.
	_, err := q.Enqueue(backend.Update{Type: backend.UpdateStatusChange, Identifier: "PROJ-101", NewStatus: "Done"})
	require.NoError(t, err)
	_, err = q.Enqueue(backend.Update{Type: backend.UpdateStatusChange, Identifier: "PROJ-102", NewStatus: "In Progress"})
	require.NoError(t, err)
	_, err = q.Enqueue(backend.Update{Type: backend.UpdateStatusChange, Identifier: "PROJ-103", NewStatus: "shipped"})
	require.NoError(t, err)

	mirror := &mirrorSpy{}
	p := NewPusher(q, &pushBackend{}, mirror, "Shipped", nil)

	_, err = p.Push(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"PROJ-101": "Done",
		"PROJ-103": "shipped",
	}, mirror.calls)
}

func TestPushWritesSyncLog(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(backend.Update{Type: backend.UpdateAddComment, Identifier: "PROJ-101", Body: "x"})
	require.NoError(t, err)

	p := NewPusher(q, &pushBackend{}, nil, "Done", nil)
	_, err = p.Push(context.Background())
	require.NoError(t, err)

	var entries []SyncLogEntry
	require.NoError(t, util.ReadJSON(q.logPath, &entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, string(backend.UpdateAddComment), entries[0].Type)
}

func TestPushStampsSuccessTime(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(backend.Update{Type: backend.UpdateAddComment, Identifier: "PROJ-101", Body: "x"})
	require.NoError(t, err)

	p := NewPusher(q, &pushBackend{}, nil, "Done", nil)
	_, err = p.Push(context.Background())
	require.NoError(t, err)

	doc, err := q.Load()
	require.NoError(t, err)
	assert.NotNil(t, doc.LastSyncAttempt)
	assert.NotNil(t, doc.LastSyncSuccess)
}
