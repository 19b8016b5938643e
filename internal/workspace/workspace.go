// Package workspace owns the per-host directory layout: cached tracker
// data, execution state and logs, partitioned by parent identifier.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/loop"
	"github.com/herdctl/herd/internal/util"
)

// DefaultBase returns the default base directory, $HOME/.herd.
func DefaultBase() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".herd"), nil
}

// Paths resolves the layout below <base>/issues/<parentIdentifier>/.
type Paths struct {
	Base   string
	Parent string
}

// NewPaths returns the path set for one parent.
func NewPaths(base, parentIdentifier string) Paths {
	return Paths{Base: base, Parent: parentIdentifier}
}

func (p Paths) Root() string               { return filepath.Join(p.Base, "issues", p.Parent) }
func (p Paths) ParentFile() string         { return filepath.Join(p.Root(), "parent.json") }
func (p Paths) TasksDir() string           { return filepath.Join(p.Root(), "tasks") }
func (p Paths) TaskFile(id string) string  { return filepath.Join(p.TasksDir(), id+".json") }
func (p Paths) PendingUpdatesFile() string { return filepath.Join(p.Root(), "pending-updates.json") }
func (p Paths) SyncLogFile() string        { return filepath.Join(p.Root(), "sync-log.json") }
func (p Paths) ExecutionDir() string       { return filepath.Join(p.Root(), "execution") }
func (p Paths) SessionFile() string        { return filepath.Join(p.ExecutionDir(), "session.json") }
func (p Paths) RuntimeFile() string        { return filepath.Join(p.ExecutionDir(), "runtime.json") }
func (p Paths) IterationsFile() string     { return filepath.Join(p.ExecutionDir(), "iterations.json") }

// SessionInfo describes the current working session for a parent.
type SessionInfo struct {
	ParentIdentifier string    `json:"parentIdentifier"`
	Backend          string    `json:"backend"`
	RepoPath         string    `json:"repoPath"`
	PID              int       `json:"pid"`
	StartedAt        time.Time `json:"startedAt"`
}

// SaveSession records the session for this parent.
func (p Paths) SaveSession(s SessionInfo) error {
	return util.WriteJSON(p.SessionFile(), s)
}

// LoadSession returns the recorded session, nil when absent.
func (p Paths) LoadSession() (*SessionInfo, error) {
	var s SessionInfo
	if err := util.ReadJSON(p.SessionFile(), &s); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ClearSession removes the session record.
func (p Paths) ClearSession() error {
	err := os.Remove(p.SessionFile())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SaveParent caches the parent metadata.
func (p Paths) SaveParent(parent *backend.Parent) error {
	return util.WriteJSON(p.ParentFile(), parent)
}

// LoadParent returns the cached parent, nil when absent.
func (p Paths) LoadParent() (*backend.Parent, error) {
	var parent backend.Parent
	if err := util.ReadJSON(p.ParentFile(), &parent); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &parent, nil
}

// SaveTasks caches one file per sub-task, replacing the previous set.
func (p Paths) SaveTasks(payloads []backend.SubTaskPayload) error {
	if err := os.RemoveAll(p.TasksDir()); err != nil {
		return fmt.Errorf("clear task cache: %w", err)
	}
	for _, payload := range payloads {
		if err := util.WriteJSON(p.TaskFile(payload.ID), payload); err != nil {
			return err
		}
	}
	return nil
}

// LoadTasks returns the cached sub-tasks sorted by identifier, empty
// when nothing is cached.
func (p Paths) LoadTasks() ([]backend.SubTaskPayload, error) {
	entries, err := os.ReadDir(p.TasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var payloads []backend.SubTaskPayload
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var payload backend.SubTaskPayload
		if err := util.ReadJSON(filepath.Join(p.TasksDir(), entry.Name()), &payload); err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	sort.Slice(payloads, func(i, j int) bool {
		return payloads[i].Identifier < payloads[j].Identifier
	})
	return payloads, nil
}

// AppendIteration appends one summary to the iteration log.
func (p Paths) AppendIteration(summary loop.IterationSummary) error {
	var summaries []loop.IterationSummary
	if err := util.ReadJSON(p.IterationsFile(), &summaries); err != nil && !os.IsNotExist(err) {
		return err
	}
	summaries = append(summaries, summary)
	return util.WriteJSON(p.IterationsFile(), summaries)
}

// LoadIterations returns the iteration log, empty when absent.
func (p Paths) LoadIterations() ([]loop.IterationSummary, error) {
	var summaries []loop.IterationSummary
	if err := util.ReadJSON(p.IterationsFile(), &summaries); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return summaries, nil
}

// ResetExecution removes the execution directory: runtime state, session
// and iteration log. The cached tracker data and the pending-update
// queue survive; queued side-effects must never be lost to a reset.
func (p Paths) ResetExecution() error {
	return os.RemoveAll(p.ExecutionDir())
}

// ListParents returns the parent identifiers that have a workspace under
// base, sorted.
func ListParents(base string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(base, "issues"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var parents []string
	for _, entry := range entries {
		if entry.IsDir() {
			parents = append(parents, entry.Name())
		}
	}
	sort.Strings(parents)
	return parents, nil
}
