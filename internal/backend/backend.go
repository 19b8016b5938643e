// Package backend defines the tracker port: the narrow interface the
// orchestrator core consumes to fetch work and deliver queued updates.
// Concrete trackers (Jira, GitHub, GitLab, local) live in subpackages.
package backend

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// ErrNotFound is returned when a parent or sub-task does not exist.
var ErrNotFound = errors.New("not found")

// Parent is the tracked issue that owns the sub-task set.
type Parent struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	BranchName string `json:"branchName,omitempty"`
}

// BlockedRef references a blocking sub-task.
type BlockedRef struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
}

// SubTaskPayload is the raw sub-task shape a tracker returns. Status is the
// tracker's own status string; normalization happens in the graph builder.
type SubTaskPayload struct {
	ID         string       `json:"id"`
	Identifier string       `json:"identifier"`
	Title      string       `json:"title"`
	Status     string       `json:"status"`
	BranchName string       `json:"branchName,omitempty"`
	BlockedBy  []BlockedRef `json:"blockedBy,omitempty"`
}

// UpdateType discriminates the pending-update union.
type UpdateType string

const (
	UpdateStatusChange      UpdateType = "status_change"
	UpdateAddComment        UpdateType = "add_comment"
	UpdateCreateSubtask     UpdateType = "create_subtask"
	UpdateUpdateDescription UpdateType = "update_description"
	UpdateAddLabel          UpdateType = "add_label"
	UpdateRemoveLabel       UpdateType = "remove_label"
)

// Update is a queued side-effect destined for the tracker. Exactly the
// fields required by its Type are set; the rest stay empty.
type Update struct {
	ID         string     `json:"id"`
	Type       UpdateType `json:"type"`
	TaskID     string     `json:"taskId,omitempty"`
	Identifier string     `json:"identifier"`
	NewStatus  string     `json:"newStatus,omitempty"`
	Body       string     `json:"body,omitempty"`
	Title      string     `json:"title,omitempty"`
	Label      string     `json:"label,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	SyncedAt   *time.Time `json:"syncedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Pending reports whether the update still awaits delivery.
func (u *Update) Pending() bool {
	return u.SyncedAt == nil && u.Error == ""
}

// Backend is the tracker port. Implementations must treat every call as
// independent; the core retries at its own policy.
type Backend interface {
	// Name identifies the backend ("jira", "github", "gitlab", "local").
	Name() string

	// FetchParent resolves a parent by identifier.
	// Returns ErrNotFound (possibly wrapped) when it does not exist.
	FetchParent(ctx context.Context, identifier string) (*Parent, error)

	// FetchSubTasks lists all sub-tasks of a parent by its tracker id.
	FetchSubTasks(ctx context.Context, parentID string) ([]SubTaskPayload, error)

	// FetchStatus returns the tracker's current status string for a
	// sub-task identifier. Any error means the status is unknown; the
	// caller decides how to classify that.
	FetchStatus(ctx context.Context, identifier string) (string, error)

	// ApplyUpdate delivers one queued update. A nil return means the
	// tracker accepted it.
	ApplyUpdate(ctx context.Context, u *Update) error
}

// ValidateIdentifier checks an identifier against the backend's pattern.
func ValidateIdentifier(pattern *regexp.Regexp, identifier string) bool {
	return pattern.MatchString(identifier)
}
