// Package local implements the tracker port on an embedded SQLite
// database. It backs offline runs and the test suite; identifiers take
// the form LOC-<n> where n is the issue's rowid.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/herdctl/herd/internal/backend"
)

const identifierPrefix = "LOC-"

const schema = `
CREATE TABLE IF NOT EXISTS issues (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id INTEGER REFERENCES issues(id),
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'To Do',
	branch_name TEXT NOT NULL DEFAULT '',
	created_at TEXT DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS blocks (
	task_id INTEGER NOT NULL REFERENCES issues(id),
	blocked_by INTEGER NOT NULL REFERENCES issues(id),
	PRIMARY KEY (task_id, blocked_by)
);
CREATE TABLE IF NOT EXISTS comments (
	id TEXT PRIMARY KEY,
	issue_id INTEGER NOT NULL REFERENCES issues(id),
	body TEXT NOT NULL,
	created_at TEXT DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS labels (
	issue_id INTEGER NOT NULL REFERENCES issues(id),
	label TEXT NOT NULL,
	PRIMARY KEY (issue_id, label)
);
`

// Tracker is the SQLite-backed tracker.
type Tracker struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ backend.Backend = (*Tracker)(nil)

// Open opens (or creates) the tracker database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Tracker{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Name identifies the backend.
func (t *Tracker) Name() string { return "local" }

// Identifier renders a rowid as a herd identifier.
func Identifier(id int64) string {
	return identifierPrefix + strconv.FormatInt(id, 10)
}

func issueID(identifier string) (int64, error) {
	raw, ok := strings.CutPrefix(identifier, identifierPrefix)
	if !ok {
		return 0, fmt.Errorf("identifier %q lacks %s prefix", identifier, identifierPrefix)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("identifier %q: %w", identifier, err)
	}
	return id, nil
}

// CreateIssue inserts an issue and returns its identifier. A parent
// identifier of "" creates a top-level issue.
func (t *Tracker) CreateIssue(ctx context.Context, parentIdentifier, title, description string) (string, error) {
	var parentID any
	if parentIdentifier != "" {
		id, err := issueID(parentIdentifier)
		if err != nil {
			return "", err
		}
		parentID = id
	}
	result, err := t.db.ExecContext(ctx,
		"INSERT INTO issues (parent_id, title, description) VALUES (?, ?, ?)",
		parentID, title, description)
	if err != nil {
		return "", fmt.Errorf("insert issue: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("issue id: %w", err)
	}
	return Identifier(id), nil
}

// AddBlock records that task is blocked by blocker.
func (t *Tracker) AddBlock(ctx context.Context, task, blocker string) error {
	taskID, err := issueID(task)
	if err != nil {
		return err
	}
	blockerID, err := issueID(blocker)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO blocks (task_id, blocked_by) VALUES (?, ?)", taskID, blockerID)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

// FetchParent resolves a top-level issue by identifier.
func (t *Tracker) FetchParent(ctx context.Context, identifier string) (*backend.Parent, error) {
	id, err := issueID(identifier)
	if err != nil {
		return nil, err
	}
	var title, branch string
	err = t.db.QueryRowContext(ctx,
		"SELECT title, branch_name FROM issues WHERE id = ?", id).Scan(&title, &branch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", identifier, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch parent: %w", err)
	}
	return &backend.Parent{
		ID:         strconv.FormatInt(id, 10),
		Identifier: identifier,
		Title:      title,
		BranchName: branch,
	}, nil
}

// FetchSubTasks lists all children of a parent by its tracker id.
func (t *Tracker) FetchSubTasks(ctx context.Context, parentID string) ([]backend.SubTaskPayload, error) {
	pid, err := strconv.ParseInt(parentID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parent id %q: %w", parentID, err)
	}
	rows, err := t.db.QueryContext(ctx,
		"SELECT id, title, status, branch_name FROM issues WHERE parent_id = ? ORDER BY id", pid)
	if err != nil {
		return nil, fmt.Errorf("fetch sub-tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var payloads []backend.SubTaskPayload
	for rows.Next() {
		var id int64
		var title, status, branch string
		if err := rows.Scan(&id, &title, &status, &branch); err != nil {
			return nil, fmt.Errorf("scan sub-task: %w", err)
		}
		payloads = append(payloads, backend.SubTaskPayload{
			ID:         strconv.FormatInt(id, 10),
			Identifier: Identifier(id),
			Title:      title,
			Status:     status,
			BranchName: branch,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sub-tasks: %w", err)
	}

	for i := range payloads {
		blocked, err := t.blockedBy(ctx, payloads[i].ID)
		if err != nil {
			return nil, err
		}
		payloads[i].BlockedBy = blocked
	}
	return payloads, nil
}

func (t *Tracker) blockedBy(ctx context.Context, taskID string) ([]backend.BlockedRef, error) {
	rows, err := t.db.QueryContext(ctx,
		"SELECT blocked_by FROM blocks WHERE task_id = ? ORDER BY blocked_by", taskID)
	if err != nil {
		return nil, fmt.Errorf("fetch blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []backend.BlockedRef
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		refs = append(refs, backend.BlockedRef{
			ID:         strconv.FormatInt(id, 10),
			Identifier: Identifier(id),
		})
	}
	return refs, rows.Err()
}

// FetchStatus returns the current status of an issue.
func (t *Tracker) FetchStatus(ctx context.Context, identifier string) (string, error) {
	id, err := issueID(identifier)
	if err != nil {
		return "", err
	}
	var status string
	err = t.db.QueryRowContext(ctx, "SELECT status FROM issues WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", identifier, backend.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("fetch status: %w", err)
	}
	return status, nil
}

// ApplyUpdate delivers one queued update.
func (t *Tracker) ApplyUpdate(ctx context.Context, u *backend.Update) error {
	if u.Type == backend.UpdateCreateSubtask {
		_, err := t.CreateIssue(ctx, u.Identifier, u.Title, u.Body)
		return err
	}

	id, err := issueID(u.Identifier)
	if err != nil {
		return err
	}
	switch u.Type {
	case backend.UpdateStatusChange:
		return t.exec(ctx, u.Identifier,
			"UPDATE issues SET status = ? WHERE id = ?", u.NewStatus, id)
	case backend.UpdateAddComment:
		_, err := t.db.ExecContext(ctx,
			"INSERT INTO comments (id, issue_id, body) VALUES (?, ?, ?)",
			uuid.NewString(), id, u.Body)
		if err != nil {
			return fmt.Errorf("add comment: %w", err)
		}
		return nil
	case backend.UpdateUpdateDescription:
		return t.exec(ctx, u.Identifier,
			"UPDATE issues SET description = ? WHERE id = ?", u.Body, id)
	case backend.UpdateAddLabel:
		_, err := t.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)", id, u.Label)
		if err != nil {
			return fmt.Errorf("add label: %w", err)
		}
		return nil
	case backend.UpdateRemoveLabel:
		_, err := t.db.ExecContext(ctx,
			"DELETE FROM labels WHERE issue_id = ? AND label = ?", id, u.Label)
		if err != nil {
			return fmt.Errorf("remove label: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown update type %q", u.Type)
	}
}

// exec runs an issue mutation and turns a zero-row result into
// ErrNotFound.
func (t *Tracker) exec(ctx context.Context, identifier, query string, args ...any) error {
	result, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", identifier, backend.ErrNotFound)
	}
	return nil
}

// Comments returns the comment bodies on an issue, oldest first.
func (t *Tracker) Comments(ctx context.Context, identifier string) ([]string, error) {
	id, err := issueID(identifier)
	if err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx,
		"SELECT body FROM comments WHERE issue_id = ? ORDER BY created_at, id", id)
	if err != nil {
		return nil, fmt.Errorf("fetch comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bodies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		bodies = append(bodies, body)
	}
	return bodies, rows.Err()
}

// Labels returns the labels on an issue, sorted.
func (t *Tracker) Labels(ctx context.Context, identifier string) ([]string, error) {
	id, err := issueID(identifier)
	if err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx,
		"SELECT label FROM labels WHERE issue_id = ? ORDER BY label", id)
	if err != nil {
		return nil, fmt.Errorf("fetch labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}
