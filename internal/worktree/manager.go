// Package worktree prepares isolated git worktrees for agent runs.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/herdctl/herd/internal/graph"
	"github.com/herdctl/herd/internal/lock"
)

// DirName is the directory under the repository root that holds the
// per-task worktrees.
const DirName = ".herd-worktrees"

// Manager creates and removes per-task worktrees in one repository.
// Creation mutates shared version-control state (worktree registration,
// branch creation), so it runs under the repository's worktree mutex.
type Manager struct {
	repoPath     string
	branchPrefix string
	lockTimeout  time.Duration
	logger       *slog.Logger
}

// NewManager returns a manager over the repository at repoPath.
func NewManager(repoPath, branchPrefix string, lockTimeout time.Duration, logger *slog.Logger) *Manager {
	if branchPrefix == "" {
		branchPrefix = "herd/"
	}
	if lockTimeout <= 0 {
		lockTimeout = lock.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repoPath:     repoPath,
		branchPrefix: branchPrefix,
		lockTimeout:  lockTimeout,
		logger:       logger,
	}
}

// BranchName returns the branch a task executes on. An explicit branch
// from the tracker wins over the derived name.
func (m *Manager) BranchName(task graph.SubTask) string {
	if task.BranchName != "" {
		return task.BranchName
	}
	return m.branchPrefix + task.Identifier
}

// Path returns where the task's worktree lives.
func (m *Manager) Path(identifier string) string {
	return filepath.Join(m.repoPath, DirName, identifier)
}

// Worktree ensures a working copy for the task and returns its path.
// An existing worktree is reused so resumed and retried runs keep their
// in-progress changes. Creation is serialized across processes by the
// repository lock.
func (m *Manager) Worktree(ctx context.Context, task graph.SubTask) (string, error) {
	path := m.Path(task.Identifier)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	branch := m.BranchName(task)
	err := lock.WithLock(m.repoPath, m.lockTimeout, m.logger, func() error {
		if err := os.MkdirAll(filepath.Join(m.repoPath, DirName), 0755); err != nil {
			return fmt.Errorf("create worktrees dir: %w", err)
		}
		return m.addWorktree(ctx, branch, path)
	})
	if err != nil {
		return "", err
	}
	m.logger.Info("worktree created", "identifier", task.Identifier, "path", path, "branch", branch)
	return path, nil
}

// addWorktree registers the worktree, tolerating an existing branch and
// stale registrations left by deleted directories.
func (m *Manager) addWorktree(ctx context.Context, branch, path string) error {
	if _, err := m.runGit(ctx, "worktree", "add", "-b", branch, path); err == nil {
		return nil
	}
	// Branch may already exist from an earlier run.
	if _, err := m.runGit(ctx, "worktree", "add", path, branch); err == nil {
		return nil
	}
	// A deleted directory can leave a stale registration behind.
	_, _ = m.runGit(ctx, "worktree", "prune")

	if _, err := m.runGit(ctx, "worktree", "add", "-b", branch, path); err == nil {
		return nil
	}
	_, err := m.runGit(ctx, "worktree", "add", path, branch)
	return err
}

// Remove unregisters and deletes the task's worktree. The branch stays;
// it carries the task's commits.
func (m *Manager) Remove(ctx context.Context, identifier string) error {
	path := m.Path(identifier)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, _ = m.runGit(ctx, "worktree", "prune")
		return nil
	}
	return lock.WithLock(m.repoPath, m.lockTimeout, m.logger, func() error {
		if _, err := m.runGit(ctx, "worktree", "remove", "--force", path); err != nil {
			return fmt.Errorf("remove worktree %s: %w", path, err)
		}
		return nil
	})
}

// Prune drops stale worktree registrations. Safe to call at any time.
func (m *Manager) Prune(ctx context.Context) error {
	_, err := m.runGit(ctx, "worktree", "prune")
	return err
}

func (m *Manager) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
