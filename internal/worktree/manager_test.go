package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herd/internal/graph"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "--initial-branch=main")
	run("config", "user.email", "herd@example.com")
	run("config", "user.name", "herd")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0644))
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func TestWorktreeCreatesIsolatedCheckout(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "herd/", time.Second, nil)
	task := graph.SubTask{ID: "t1", Identifier: "X-101"}

	path, err := m.Worktree(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, m.Path("X-101"), path)
	assert.FileExists(t, filepath.Join(path, "README.md"))

	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Equal(t, "herd/X-101\n", string(out))
}

func TestWorktreeReusesExistingCheckout(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "herd/", time.Second, nil)
	task := graph.SubTask{ID: "t1", Identifier: "X-101"}

	first, err := m.Worktree(context.Background(), task)
	require.NoError(t, err)

	// In-progress changes survive a retry.
	marker := filepath.Join(first, "wip.txt")
	require.NoError(t, os.WriteFile(marker, []byte("half done"), 0644))

	second, err := m.Worktree(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.FileExists(t, marker)
}

func TestWorktreeHonorsTrackerBranch(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "herd/", time.Second, nil)
	task := graph.SubTask{ID: "t1", Identifier: "X-101", BranchName: "feature/parser"}

	path, err := m.Worktree(context.Background(), task)
	require.NoError(t, err)

	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = path
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Equal(t, "feature/parser\n", string(out))
}

func TestWorktreeRecreatesAfterManualDelete(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "herd/", time.Second, nil)
	task := graph.SubTask{ID: "t1", Identifier: "X-101"}

	path, err := m.Worktree(context.Background(), task)
	require.NoError(t, err)

	// Deleting the directory leaves a stale registration behind.
	require.NoError(t, os.RemoveAll(path))

	again, err := m.Worktree(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.FileExists(t, filepath.Join(again, "README.md"))
}

func TestRemoveKeepsBranch(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "herd/", time.Second, nil)
	task := graph.SubTask{ID: "t1", Identifier: "X-101"}

	path, err := m.Worktree(context.Background(), task)
	require.NoError(t, err)
	require.NoError(t, m.Remove(context.Background(), "X-101"))

	assert.NoDirExists(t, path)

	cmd := exec.Command("git", "rev-parse", "--verify", "herd/X-101")
	cmd.Dir = repo
	assert.NoError(t, cmd.Run(), "task branch should survive worktree removal")
}

func TestRemoveMissingWorktreeIsNoOp(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(repo, "herd/", time.Second, nil)

	assert.NoError(t, m.Remove(context.Background(), "X-999"))
}
