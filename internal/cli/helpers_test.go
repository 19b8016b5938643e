package cli

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/config"
	"github.com/herdctl/herd/internal/herderr"
	"github.com/herdctl/herd/internal/workspace"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Backend:           "local",
		DoneStatus:        "Done",
		MaxParallelAgents: 3,
		MaxRetries:        2,
		MaxIterations:     50,
		AgentCommand:      "claude",
		BaseDir:           t.TempDir(),
		Local:             config.LocalConfig{IdentifierPattern: `^LOC-[0-9]+$`},
	}
}

func TestCheckIdentifier(t *testing.T) {
	cfg := testConfig(t)

	assert.NoError(t, checkIdentifier(cfg, "LOC-7"))

	err := checkIdentifier(cfg, "PROJ-7")
	require.Error(t, err)
	assert.True(t, herderr.HasCode(err, herderr.CodeBadIdentifier))
}

func TestBuildBackendLocal(t *testing.T) {
	cfg := testConfig(t)

	b, err := buildBackend(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", b.Name())
}

func TestBuildBackendUnknown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "bugzilla"

	_, err := buildBackend(cfg, nil)
	require.Error(t, err)
	assert.True(t, herderr.HasCode(err, herderr.CodeConfigInvalid))
}

// flakyBackend serves canned data and can be switched to fail.
type flakyBackend struct {
	parent *backend.Parent
	tasks  []backend.SubTaskPayload
	down   bool
}

func (f *flakyBackend) Name() string { return "fake" }

func (f *flakyBackend) FetchParent(ctx context.Context, identifier string) (*backend.Parent, error) {
	if f.down {
		return nil, errors.New("unreachable")
	}
	if f.parent == nil || f.parent.Identifier != identifier {
		return nil, backend.ErrNotFound
	}
	return f.parent, nil
}

func (f *flakyBackend) FetchSubTasks(ctx context.Context, parentID string) ([]backend.SubTaskPayload, error) {
	if f.down {
		return nil, errors.New("unreachable")
	}
	return f.tasks, nil
}

func (f *flakyBackend) FetchStatus(ctx context.Context, identifier string) (string, error) {
	return "To Do", nil
}

func (f *flakyBackend) ApplyUpdate(ctx context.Context, u *backend.Update) error { return nil }

func TestFetchOrCacheRefreshesAndFallsBack(t *testing.T) {
	paths := workspace.NewPaths(t.TempDir(), "X-100")
	fake := &flakyBackend{
		parent: &backend.Parent{ID: "p1", Identifier: "X-100", Title: "Build it"},
		tasks: []backend.SubTaskPayload{
			{ID: "t1", Identifier: "X-101", Title: "first", Status: "To Do"},
		},
	}
	ctx := context.Background()

	parent, tasks, err := fetchOrCache(ctx, fake, paths, "X-100", newLogger())
	require.NoError(t, err)
	assert.Equal(t, "X-100", parent.Identifier)
	require.Len(t, tasks, 1)

	// Tracker goes down; the cache keeps the workspace usable.
	fake.down = true
	parent, tasks, err = fetchOrCache(ctx, fake, paths, "X-100", newLogger())
	require.NoError(t, err)
	assert.Equal(t, "Build it", parent.Title)
	require.Len(t, tasks, 1)
	assert.Equal(t, "X-101", tasks[0].Identifier)
}

func TestFetchOrCacheUnreachableWithoutCache(t *testing.T) {
	paths := workspace.NewPaths(t.TempDir(), "X-100")
	fake := &flakyBackend{down: true}

	_, _, err := fetchOrCache(context.Background(), fake, paths, "X-100", newLogger())
	require.Error(t, err)
	assert.True(t, herderr.HasCode(err, herderr.CodeTrackerUnreachable))
}

func TestFetchOrCacheNotFound(t *testing.T) {
	paths := workspace.NewPaths(t.TempDir(), "X-100")
	fake := &flakyBackend{}

	_, _, err := fetchOrCache(context.Background(), fake, paths, "X-100", newLogger())
	require.Error(t, err)
	assert.True(t, herderr.HasCode(err, herderr.CodeParentNotFound))
}

func setupHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestResetRefusesLiveLoop(t *testing.T) {
	home := setupHome(t)
	paths := workspace.NewPaths(home+"/.herd", "LOC-1")
	require.NoError(t, paths.SaveSession(workspace.SessionInfo{
		ParentIdentifier: "LOC-1",
		PID:              os.Getpid(),
	}))

	err := resetParent("LOC-1")
	require.Error(t, err)
	assert.True(t, herderr.HasCode(err, herderr.CodeLoopRunning))
}

func TestResetClearsDeadSession(t *testing.T) {
	home := setupHome(t)
	paths := workspace.NewPaths(home+"/.herd", "LOC-1")
	require.NoError(t, paths.SaveSession(workspace.SessionInfo{
		ParentIdentifier: "LOC-1",
		PID:              999999999,
	}))

	require.NoError(t, resetParent("LOC-1"))
	assert.NoDirExists(t, paths.ExecutionDir())
}
