// Package state persists per-parent runtime state as a JSON document and
// notifies watchers when it changes. The orchestrator is the only writer;
// dashboards and status commands are readers.
package state

import (
	"encoding/json"
	"time"
)

// ActiveTask records one currently-running task.
type ActiveTask struct {
	Identifier   string    `json:"identifier"`
	PID          int       `json:"pid"`
	PaneSlot     int       `json:"paneSlot"`
	StartedAt    time.Time `json:"startedAt"`
	WorktreePath string    `json:"worktreePath,omitempty"`
}

// CompletedTask records one terminated task. Historical documents stored
// these as bare identifier strings; UnmarshalJSON accepts both shapes.
type CompletedTask struct {
	Identifier string    `json:"identifier"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMS int64     `json:"durationMs"`
}

func (c *CompletedTask) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = CompletedTask{Identifier: s}
		return nil
	}
	type record CompletedTask
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*c = CompletedTask(r)
	return nil
}

// BackendStatus mirrors the last status successfully pushed to the tracker.
type BackendStatus struct {
	Status   string    `json:"status"`
	SyncedAt time.Time `json:"syncedAt"`
}

// RuntimeState is the per-parent runtime document.
type RuntimeState struct {
	ParentID        string                   `json:"parentId"`
	ParentTitle     string                   `json:"parentTitle"`
	StartedAt       time.Time                `json:"startedAt"`
	UpdatedAt       time.Time                `json:"updatedAt"`
	ActiveTasks     []ActiveTask             `json:"activeTasks"`
	CompletedTasks  []CompletedTask          `json:"completedTasks"`
	FailedTasks     []CompletedTask          `json:"failedTasks"`
	LoopPID         int                      `json:"loopPid,omitempty"`
	TotalTasks      int                      `json:"totalTasks,omitempty"`
	BackendStatuses map[string]BackendStatus `json:"backendStatuses,omitempty"`
}

// Active returns the active record for identifier, or nil.
func (s *RuntimeState) Active(identifier string) *ActiveTask {
	for i := range s.ActiveTasks {
		if s.ActiveTasks[i].Identifier == identifier {
			return &s.ActiveTasks[i]
		}
	}
	return nil
}

// removeFinished drops any terminal record for identifier. The outcome
// lists hold at most one record per identifier and never share one, so
// a task re-opened for more work sheds its earlier outcome.
func (s *RuntimeState) removeFinished(identifier string) {
	s.CompletedTasks = withoutRecord(s.CompletedTasks, identifier)
	s.FailedTasks = withoutRecord(s.FailedTasks, identifier)
}

func withoutRecord(records []CompletedTask, identifier string) []CompletedTask {
	out := records[:0]
	for _, r := range records {
		if r.Identifier != identifier {
			out = append(out, r)
		}
	}
	return out
}

// removeActive drops the active record for identifier and returns it.
func (s *RuntimeState) removeActive(identifier string) *ActiveTask {
	for i := range s.ActiveTasks {
		if s.ActiveTasks[i].Identifier == identifier {
			removed := s.ActiveTasks[i]
			s.ActiveTasks = append(s.ActiveTasks[:i], s.ActiveTasks[i+1:]...)
			return &removed
		}
	}
	return nil
}
