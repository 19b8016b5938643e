// Package gitlab implements the tracker port on GitLab Issues, with the
// same encoding the GitHub backend uses: "parent:<identifier>" and
// "status:<name>" labels plus a "Blocked-by:" body line.
package gitlab

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/herderr"
)

const (
	identifierPrefix = "GL-"
	statusLabel      = "status:"
	parentLabel      = "parent:"
	blockedByLine    = "Blocked-by:"
)

// Config holds the connection settings for a GitLab project.
type Config struct {
	Token     string
	BaseURL   string
	ProjectID int
}

// Tracker is the GitLab-backed tracker.
type Tracker struct {
	client    *gogitlab.Client
	projectID int
	logger    *slog.Logger
}

var _ backend.Backend = (*Tracker)(nil)

// New creates a GitLab tracker.
func New(cfg Config, logger *slog.Logger) (*Tracker, error) {
	if cfg.Token == "" {
		return nil, herderr.ErrConfigMissing("gitlab.token")
	}
	if cfg.ProjectID == 0 {
		return nil, herderr.ErrConfigMissing("gitlab.project_id")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var client *gogitlab.Client
	var err error
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		client, err = gogitlab.NewClient(cfg.Token, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	} else {
		client, err = gogitlab.NewClient(cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}
	return &Tracker{client: client, projectID: cfg.ProjectID, logger: logger}, nil
}

// Name identifies the backend.
func (t *Tracker) Name() string { return "gitlab" }

// Identifier renders an issue iid as a herd identifier.
func Identifier(iid int) string {
	return identifierPrefix + strconv.Itoa(iid)
}

// IssueIID parses a herd identifier back to an issue iid.
func IssueIID(identifier string) (int, error) {
	raw, ok := strings.CutPrefix(identifier, identifierPrefix)
	if !ok {
		return 0, fmt.Errorf("identifier %q lacks %s prefix", identifier, identifierPrefix)
	}
	iid, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("identifier %q: %w", identifier, err)
	}
	return iid, nil
}

// FetchParent resolves a parent issue by identifier.
func (t *Tracker) FetchParent(ctx context.Context, identifier string) (*backend.Parent, error) {
	iid, err := IssueIID(identifier)
	if err != nil {
		return nil, err
	}
	issue, resp, err := t.client.Issues.GetIssue(t.projectID, int64(iid), gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", identifier, backend.ErrNotFound)
		}
		return nil, herderr.ErrTrackerUnreachable("fetch parent").WithCause(err)
	}
	return &backend.Parent{
		ID:         strconv.FormatInt(issue.ID, 10),
		Identifier: Identifier(int(issue.IID)),
		Title:      issue.Title,
	}, nil
}

// FetchSubTasks lists all issues labeled as children of the parent.
func (t *Tracker) FetchSubTasks(ctx context.Context, parentID string) ([]backend.SubTaskPayload, error) {
	labels := gogitlab.LabelOptions{parentLabel + parentID}
	opts := &gogitlab.ListProjectIssuesOptions{
		Labels:      &labels,
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}

	var payloads []backend.SubTaskPayload
	for {
		issues, resp, err := t.client.Issues.ListProjectIssues(t.projectID, opts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, herderr.ErrTrackerUnreachable("fetch sub-tasks").WithCause(err)
		}
		for _, issue := range issues {
			payloads = append(payloads, convertIssue(issue))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return payloads, nil
}

func convertIssue(issue *gogitlab.Issue) backend.SubTaskPayload {
	payload := backend.SubTaskPayload{
		ID:         strconv.FormatInt(issue.ID, 10),
		Identifier: Identifier(int(issue.IID)),
		Title:      issue.Title,
		Status:     statusOf(issue),
	}
	for _, ref := range parseBlockedBy(issue.Description) {
		payload.BlockedBy = append(payload.BlockedBy, backend.BlockedRef{Identifier: ref})
	}
	return payload
}

func statusOf(issue *gogitlab.Issue) string {
	for _, label := range issue.Labels {
		if name, ok := strings.CutPrefix(label, statusLabel); ok {
			return name
		}
	}
	if issue.State == "closed" {
		return "Done"
	}
	return "To Do"
}

func parseBlockedBy(body string) []string {
	var refs []string
	for _, line := range strings.Split(body, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), blockedByLine)
		if !ok {
			continue
		}
		for _, ref := range strings.Split(rest, ",") {
			if ref = strings.TrimSpace(ref); ref != "" {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// FetchStatus returns the current status of a sub-task issue.
func (t *Tracker) FetchStatus(ctx context.Context, identifier string) (string, error) {
	iid, err := IssueIID(identifier)
	if err != nil {
		return "", err
	}
	issue, resp, err := t.client.Issues.GetIssue(t.projectID, int64(iid), gogitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%s: %w", identifier, backend.ErrNotFound)
		}
		return "", herderr.ErrTrackerUnreachable("fetch status").WithCause(err)
	}
	return statusOf(issue), nil
}

// ApplyUpdate delivers one queued update to GitLab.
func (t *Tracker) ApplyUpdate(ctx context.Context, u *backend.Update) error {
	if u.Type == backend.UpdateCreateSubtask {
		labels := gogitlab.LabelOptions{parentLabel + u.Identifier}
		opts := &gogitlab.CreateIssueOptions{
			Title:       gogitlab.Ptr(u.Title),
			Description: gogitlab.Ptr(u.Body),
			Labels:      &labels,
		}
		if _, _, err := t.client.Issues.CreateIssue(t.projectID, opts, gogitlab.WithContext(ctx)); err != nil {
			return herderr.ErrTrackerUnreachable("create subtask").WithCause(err)
		}
		return nil
	}

	iid, err := IssueIID(u.Identifier)
	if err != nil {
		return err
	}
	switch u.Type {
	case backend.UpdateStatusChange:
		return t.setStatus(ctx, iid, u.NewStatus)
	case backend.UpdateAddComment:
		opts := &gogitlab.CreateIssueNoteOptions{Body: gogitlab.Ptr(u.Body)}
		if _, _, err := t.client.Notes.CreateIssueNote(t.projectID, int64(iid), opts, gogitlab.WithContext(ctx)); err != nil {
			return herderr.ErrTrackerUnreachable("add comment").WithCause(err)
		}
		return nil
	case backend.UpdateUpdateDescription:
		opts := &gogitlab.UpdateIssueOptions{Description: gogitlab.Ptr(u.Body)}
		if _, _, err := t.client.Issues.UpdateIssue(t.projectID, int64(iid), opts, gogitlab.WithContext(ctx)); err != nil {
			return herderr.ErrTrackerUnreachable("update description").WithCause(err)
		}
		return nil
	case backend.UpdateAddLabel:
		labels := gogitlab.LabelOptions{u.Label}
		opts := &gogitlab.UpdateIssueOptions{AddLabels: &labels}
		if _, _, err := t.client.Issues.UpdateIssue(t.projectID, int64(iid), opts, gogitlab.WithContext(ctx)); err != nil {
			return herderr.ErrTrackerUnreachable("add label").WithCause(err)
		}
		return nil
	case backend.UpdateRemoveLabel:
		labels := gogitlab.LabelOptions{u.Label}
		opts := &gogitlab.UpdateIssueOptions{RemoveLabels: &labels}
		if _, _, err := t.client.Issues.UpdateIssue(t.projectID, int64(iid), opts, gogitlab.WithContext(ctx)); err != nil {
			return herderr.ErrTrackerUnreachable("remove label").WithCause(err)
		}
		return nil
	default:
		return fmt.Errorf("unknown update type %q", u.Type)
	}
}

// setStatus swaps the status label and mirrors terminal statuses to the
// issue state.
func (t *Tracker) setStatus(ctx context.Context, iid int, newStatus string) error {
	issue, _, err := t.client.Issues.GetIssue(t.projectID, int64(iid), gogitlab.WithContext(ctx))
	if err != nil {
		return herderr.ErrTrackerUnreachable("fetch issue for status change").WithCause(err)
	}

	var stale gogitlab.LabelOptions
	for _, label := range issue.Labels {
		if strings.HasPrefix(label, statusLabel) {
			stale = append(stale, label)
		}
	}
	add := gogitlab.LabelOptions{statusLabel + newStatus}
	opts := &gogitlab.UpdateIssueOptions{AddLabels: &add}
	if len(stale) > 0 {
		opts.RemoveLabels = &stale
	}
	if strings.EqualFold(newStatus, "done") || strings.EqualFold(newStatus, "closed") {
		opts.StateEvent = gogitlab.Ptr("close")
	} else if issue.State == "closed" {
		opts.StateEvent = gogitlab.Ptr("reopen")
	}
	if _, _, err := t.client.Issues.UpdateIssue(t.projectID, int64(iid), opts, gogitlab.WithContext(ctx)); err != nil {
		return herderr.ErrTrackerUnreachable("set status").WithCause(err)
	}
	return nil
}
