package state

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herd/internal/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "runtime.json"), nil)
}

func TestInitCreatesDocument(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Init("parent-1", "Build the parser", InitOptions{
		LoopPID:    os.Getpid(),
		TotalTasks: 5,
	}))

	doc, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "parent-1", doc.ParentID)
	assert.Equal(t, "Build the parser", doc.ParentTitle)
	assert.Equal(t, os.Getpid(), doc.LoopPID)
	assert.Equal(t, 5, doc.TotalTasks)
	assert.False(t, doc.StartedAt.IsZero())
	assert.False(t, doc.UpdatedAt.Before(doc.StartedAt))
}

func TestInitPreservesHistory(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101", PID: 1234}))
	require.NoError(t, s.Complete("PROJ-101"))

	require.NoError(t, s.Init("parent-1", "resumed", InitOptions{}))

	doc, err := s.Load()
	require.NoError(t, err)
	require.Len(t, doc.CompletedTasks, 1)
	assert.Equal(t, "PROJ-101", doc.CompletedTasks[0].Identifier)
}

func TestCompleteMovesActiveWithDuration(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{
		Identifier: "PROJ-101",
		PID:        1234,
		StartedAt:  time.Now().Add(-2 * time.Second),
	}))
	require.NoError(t, s.Complete("PROJ-101"))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.ActiveTasks)
	require.Len(t, doc.CompletedTasks, 1)
	assert.Equal(t, "PROJ-101", doc.CompletedTasks[0].Identifier)
	assert.GreaterOrEqual(t, doc.CompletedTasks[0].DurationMS, int64(2000))
}

func TestFailMovesActive(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-102", PID: 99}))
	require.NoError(t, s.Fail("PROJ-102"))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.ActiveTasks)
	assert.Empty(t, doc.CompletedTasks)
	require.Len(t, doc.FailedTasks, 1)
	assert.Equal(t, "PROJ-102", doc.FailedTasks[0].Identifier)
}

func TestActiveDisjointFromTerminated(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101"}))
	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-102"}))
	require.NoError(t, s.Complete("PROJ-101"))
	require.NoError(t, s.Fail("PROJ-102"))
	// Re-running a task adds it back to active only.
	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-103"}))

	doc, err := s.Load()
	require.NoError(t, err)

	terminated := map[string]bool{}
	for _, c := range doc.CompletedTasks {
		terminated[c.Identifier] = true
	}
	for _, f := range doc.FailedTasks {
		terminated[f.Identifier] = true
	}
	for _, a := range doc.ActiveTasks {
		assert.False(t, terminated[a.Identifier],
			"identifier %s is both active and terminated", a.Identifier)
	}
}

func TestReexecutionReplacesCompletedRecord(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101"}))
	require.NoError(t, s.Complete("PROJ-101"))

	// Re-opened by a gate and run again.
	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101"}))
	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.CompletedTasks, "running task still listed as completed")

	require.NoError(t, s.Complete("PROJ-101"))
	doc, err = s.Load()
	require.NoError(t, err)
	require.Len(t, doc.CompletedTasks, 1)
	assert.Empty(t, doc.FailedTasks)
}

func TestFailAfterEarlierCompletionStaysDisjoint(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101"}))
	require.NoError(t, s.Complete("PROJ-101"))

	// The re-execution exhausts its retries.
	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101"}))
	require.NoError(t, s.Fail("PROJ-101"))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.ActiveTasks)
	assert.Empty(t, doc.CompletedTasks)
	require.Len(t, doc.FailedTasks, 1)
	assert.Equal(t, "PROJ-101", doc.FailedTasks[0].Identifier)
}

func TestAddActiveReplacesStaleRecord(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101", PID: 1}))
	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101", PID: 2}))

	doc, err := s.Load()
	require.NoError(t, err)
	require.Len(t, doc.ActiveTasks, 1)
	assert.Equal(t, 2, doc.ActiveTasks[0].PID)
}

func TestRemoveActive(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101"}))
	require.NoError(t, s.RemoveActive("PROJ-101"))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.ActiveTasks)
	assert.Empty(t, doc.CompletedTasks)
	assert.Empty(t, doc.FailedTasks)
}

func TestUpdateActivePane(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101", PaneSlot: 0}))
	require.NoError(t, s.UpdateActivePane("PROJ-101", 2))

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, doc.ActiveTasks[0].PaneSlot)
}

func TestSetBackendStatus(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetBackendStatus("PROJ-101", "Done"))

	doc, err := s.Load()
	require.NoError(t, err)
	require.Contains(t, doc.BackendStatuses, "PROJ-101")
	assert.Equal(t, "Done", doc.BackendStatuses["PROJ-101"].Status)
	assert.False(t, doc.BackendStatuses["PROJ-101"].SyncedAt.IsZero())
}

func TestClearActives(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101"}))
	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-102"}))
	require.NoError(t, s.ClearActives())

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.ActiveTasks)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Init("parent-1", "t", InitOptions{}))
	require.NoError(t, s.Delete())
	require.NoError(t, s.Delete())

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestEveryMutationBumpsUpdatedAt(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Init("parent-1", "t", InitOptions{}))
	first, err := s.Load()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101"}))
	second, err := s.Load()
	require.NoError(t, err)

	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestCorruptDocumentIsReinitialized(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(s.path), 0755))
	require.NoError(t, os.WriteFile(s.path, []byte("{torn write"), 0644))

	require.NoError(t, s.Init("parent-1", "recovered", InitOptions{}))

	doc, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "parent-1", doc.ParentID)
}

func TestLoadAcceptsLegacyBareIdentifiers(t *testing.T) {
	s := newTestStore(t)

	legacy := `{
		"parentId": "parent-1",
		"startedAt": "2026-08-01T00:00:00Z",
		"updatedAt": "2026-08-01T00:05:00Z",
		"activeTasks": [],
		"completedTasks": ["PROJ-101", {"identifier": "PROJ-102", "finishedAt": "2026-08-01T00:04:00Z", "durationMs": 1500}],
		"failedTasks": ["PROJ-103"]
	}`
	require.NoError(t, os.MkdirAll(filepath.Dir(s.path), 0755))
	require.NoError(t, os.WriteFile(s.path, []byte(legacy), 0644))

	doc, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Len(t, doc.CompletedTasks, 2)
	assert.Equal(t, "PROJ-101", doc.CompletedTasks[0].Identifier)
	assert.Equal(t, int64(1500), doc.CompletedTasks[1].DurationMS)
	require.Len(t, doc.FailedTasks, 1)
	assert.Equal(t, "PROJ-103", doc.FailedTasks[0].Identifier)
}

func TestWritersAlwaysEmitRecords(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101"}))
	require.NoError(t, s.Complete("PROJ-101"))

	var raw map[string]any
	require.NoError(t, util.ReadJSON(s.path, &raw))
	completed := raw["completedTasks"].([]any)
	require.Len(t, completed, 1)
	_, isObject := completed[0].(map[string]any)
	assert.True(t, isObject, "completed entry serialized as bare string")
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('A'+n)) + "-1"
			assert.NoError(t, s.AddActive(ActiveTask{Identifier: id}))
			assert.NoError(t, s.Complete(id))
		}(i)
	}
	wg.Wait()

	doc, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.ActiveTasks)
	assert.Len(t, doc.CompletedTasks, 8)
}

func TestWatchFiresOnSubscribeAndOnChange(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init("parent-1", "t", InitOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan *RuntimeState, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Watch(ctx, func(doc *RuntimeState) {
			updates <- doc
		})
	}()

	// Initial fire carries the current document.
	select {
	case doc := <-updates:
		assert.Equal(t, "parent-1", doc.ParentID)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial callback")
	}

	require.NoError(t, s.AddActive(ActiveTask{Identifier: "PROJ-101"}))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case doc := <-updates:
			if len(doc.ActiveTasks) == 1 {
				cancel()
				<-done
				return
			}
		case <-deadline:
			t.Fatal("watcher never observed the mutation")
		}
	}
}
