// Package graph models the sub-task dependency graph and its status algebra.
// Graphs are immutable: every transition returns a new graph, so the
// orchestrator loop can hold iteration snapshots without defensive copying.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/herdctl/herd/internal/backend"
)

// Status is the derived lifecycle status of a sub-task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// gateMarker is the title substring that designates the verification gate.
const gateMarker = "verification gate"

// SubTask is one node of the graph. BlockedBy holds tracker-opaque ids;
// Blocks is the derived inverse.
type SubTask struct {
	ID         string   `json:"id"`
	Identifier string   `json:"identifier"`
	Title      string   `json:"title"`
	Status     Status   `json:"status"`
	BlockedBy  []string `json:"blockedBy,omitempty"`
	Blocks     []string `json:"blocks,omitempty"`
	BranchName string   `json:"branchName,omitempty"`
}

// IsVerificationGate reports whether the task's title carries the gate marker.
func (t SubTask) IsVerificationGate() bool {
	return strings.Contains(strings.ToLower(t.Title), gateMarker)
}

// Graph is the dependency graph for one parent.
type Graph struct {
	ParentID         string             `json:"parentId"`
	ParentIdentifier string             `json:"parentIdentifier"`
	Tasks            map[string]SubTask `json:"tasks"`
}

// Stats summarizes graph progress.
type Stats struct {
	Total      int `json:"total"`
	Done       int `json:"done"`
	Ready      int `json:"ready"`
	Blocked    int `json:"blocked"`
	InProgress int `json:"inProgress"`
	Failed     int `json:"failed"`
}

// trackerDoneStatuses and trackerInProgressStatuses are the fixed
// case-insensitive normalization tables for tracker status strings.
// Anything unlisted normalizes to pending.
var trackerDoneStatuses = map[string]bool{
	"done":      true,
	"closed":    true,
	"complete":  true,
	"completed": true,
	"resolved":  true,
	"merged":    true,
}

var trackerInProgressStatuses = map[string]bool{
	"in progress": true,
	"in_progress": true,
	"in-progress": true,
	"in review":   true,
	"started":     true,
	"doing":       true,
}

// NormalizeTrackerStatus maps a tracker status string to done, in_progress
// or pending by exact case-insensitive match.
func NormalizeTrackerStatus(s string) Status {
	key := strings.ToLower(strings.TrimSpace(s))
	switch {
	case trackerDoneStatuses[key]:
		return StatusDone
	case trackerInProgressStatuses[key]:
		return StatusInProgress
	default:
		return StatusPending
	}
}

// Build constructs a graph from tracker payloads. Ids and identifiers must
// each be unique within the set; blocker references outside the set are
// treated as already satisfied.
func Build(parentID, parentIdentifier string, payloads []backend.SubTaskPayload) (*Graph, error) {
	g := &Graph{
		ParentID:         parentID,
		ParentIdentifier: parentIdentifier,
		Tasks:            make(map[string]SubTask, len(payloads)),
	}

	identifiers := make(map[string]string, len(payloads))
	for _, p := range payloads {
		if _, dup := g.Tasks[p.ID]; dup {
			return nil, fmt.Errorf("duplicate sub-task id %s", p.ID)
		}
		if prev, dup := identifiers[p.Identifier]; dup {
			return nil, fmt.Errorf("identifier %s shared by %s and %s", p.Identifier, prev, p.ID)
		}
		identifiers[p.Identifier] = p.ID

		blockedBy := make([]string, 0, len(p.BlockedBy))
		for _, ref := range p.BlockedBy {
			blockedBy = append(blockedBy, ref.ID)
		}

		g.Tasks[p.ID] = SubTask{
			ID:         p.ID,
			Identifier: p.Identifier,
			Title:      p.Title,
			Status:     NormalizeTrackerStatus(p.Status),
			BlockedBy:  blockedBy,
			BranchName: p.BranchName,
		}
	}

	// Derive the Blocks inverse.
	for id, t := range g.Tasks {
		for _, blockerID := range t.BlockedBy {
			if blocker, ok := g.Tasks[blockerID]; ok {
				blocker.Blocks = append(blocker.Blocks, id)
				g.Tasks[blockerID] = blocker
			}
		}
	}

	recomputeSchedulable(g)
	return g, nil
}

// recomputeSchedulable derives ready/blocked for every non-terminal,
// non-running task. A task is ready when every intra-graph blocker is done;
// blockers missing from the graph count as done.
func recomputeSchedulable(g *Graph) {
	for id := range g.Tasks {
		recomputeTask(g, id)
	}
}

func recomputeTask(g *Graph, id string) {
	t := g.Tasks[id]
	switch t.Status {
	case StatusDone, StatusFailed, StatusInProgress:
		return
	}
	if unresolvedBlockers(g, t) == 0 {
		t.Status = StatusReady
	} else {
		t.Status = StatusBlocked
	}
	g.Tasks[id] = t
}

func unresolvedBlockers(g *Graph, t SubTask) int {
	n := 0
	for _, blockerID := range t.BlockedBy {
		if blocker, ok := g.Tasks[blockerID]; ok && blocker.Status != StatusDone {
			n++
		}
	}
	return n
}

// Ready returns the schedulable tasks (ready or in_progress) in ascending
// identifier order. in_progress is included so a restarted loop resumes
// work the tracker already saw started.
func (g *Graph) Ready() []SubTask {
	var out []SubTask
	for _, t := range g.Tasks {
		if t.Status == StatusReady || t.Status == StatusInProgress {
			out = append(out, t)
		}
	}
	sortByIdentifier(out)
	return out
}

// Blocked returns the blocked tasks in ascending identifier order.
func (g *Graph) Blocked() []SubTask {
	var out []SubTask
	for _, t := range g.Tasks {
		if t.Status == StatusBlocked {
			out = append(out, t)
		}
	}
	sortByIdentifier(out)
	return out
}

// VerificationTask returns the graph's verification gate, if any. When
// several titles carry the marker only the lowest identifier is recognized.
func (g *Graph) VerificationTask() *SubTask {
	var gate *SubTask
	for _, t := range g.Tasks {
		if !t.IsVerificationGate() {
			continue
		}
		if gate == nil || t.Identifier < gate.Identifier {
			t := t
			gate = &t
		}
	}
	return gate
}

// Get returns the task with the given id.
func (g *Graph) Get(id string) (SubTask, bool) {
	t, ok := g.Tasks[id]
	return t, ok
}

// ByIdentifier returns the task with the given identifier.
func (g *Graph) ByIdentifier(identifier string) (SubTask, bool) {
	for _, t := range g.Tasks {
		if t.Identifier == identifier {
			return t, true
		}
	}
	return SubTask{}, false
}

// Stats computes progress counters.
func (g *Graph) Stats() Stats {
	s := Stats{Total: len(g.Tasks)}
	for _, t := range g.Tasks {
		switch t.Status {
		case StatusDone:
			s.Done++
		case StatusReady:
			s.Ready++
		case StatusBlocked:
			s.Blocked++
		case StatusInProgress:
			s.InProgress++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Transition returns a new graph with the task's status set. Moving a task
// to done relaxes dependents whose last blocker it was; moving a task out
// of done (the verification-gate re-loop) re-blocks dependents that are no
// longer satisfied. The receiver is never modified.
func Transition(g *Graph, id string, status Status) *Graph {
	t, ok := g.Tasks[id]
	if !ok || t.Status == status {
		return g
	}

	next := &Graph{
		ParentID:         g.ParentID,
		ParentIdentifier: g.ParentIdentifier,
		Tasks:            make(map[string]SubTask, len(g.Tasks)),
	}
	for k, v := range g.Tasks {
		v.BlockedBy = append([]string(nil), v.BlockedBy...)
		v.Blocks = append([]string(nil), v.Blocks...)
		next.Tasks[k] = v
	}

	wasDone := t.Status == StatusDone
	t = next.Tasks[id]
	t.Status = status
	next.Tasks[id] = t

	if status == StatusDone || wasDone {
		// Dependent resolution changed; recompute every undecided task
		// except the one just set (its status is authoritative).
		for other := range next.Tasks {
			if other != id {
				recomputeTask(next, other)
			}
		}
	}
	return next
}

func sortByIdentifier(tasks []SubTask) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Identifier < tasks[j].Identifier
	})
}
