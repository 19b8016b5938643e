// Package jira implements the tracker port for Jira Cloud.
package jira

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"

	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/herderr"
)

// Config holds the connection settings for a Jira Cloud instance.
type Config struct {
	BaseURL  string
	Email    string
	APIToken string
}

// Tracker is the Jira-backed tracker.
type Tracker struct {
	jira   *v3.Client
	logger *slog.Logger
}

var _ backend.Backend = (*Tracker)(nil)

// New creates a Jira tracker with basic auth.
func New(cfg Config, logger *slog.Logger) (*Tracker, error) {
	if cfg.BaseURL == "" || cfg.Email == "" || cfg.APIToken == "" {
		return nil, herderr.ErrConfigMissing("jira.base_url/jira.email/jira.api_token")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := v3.New(&http.Client{Timeout: 30 * time.Second}, strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	client.Auth.SetBasicAuth(cfg.Email, cfg.APIToken)
	client.Auth.SetUserAgent("herd/1.0")

	return &Tracker{jira: client, logger: logger}, nil
}

// Name identifies the backend.
func (t *Tracker) Name() string { return "jira" }

// CheckAuth verifies credentials by fetching the authenticated user.
func (t *Tracker) CheckAuth(ctx context.Context) error {
	_, resp, err := t.jira.MySelf.Details(ctx, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("jira auth check (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("jira auth check: %w", err)
	}
	return nil
}

var issueFields = []string{"summary", "status", "issuelinks", "parent"}

// FetchParent resolves a parent issue by key.
func (t *Tracker) FetchParent(ctx context.Context, identifier string) (*backend.Parent, error) {
	issue, resp, err := t.jira.Issue.Get(ctx, identifier, issueFields, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", identifier, backend.ErrNotFound)
		}
		return nil, herderr.ErrTrackerUnreachable("fetch parent").WithCause(err)
	}
	parent := &backend.Parent{ID: issue.ID, Identifier: issue.Key}
	if issue.Fields != nil {
		parent.Title = issue.Fields.Summary
	}
	return parent, nil
}

// FetchSubTasks lists the sub-tasks of a parent issue. Blocking
// relationships come from "Blocks" issue links, inward direction.
func (t *Tracker) FetchSubTasks(ctx context.Context, parentID string) ([]backend.SubTaskPayload, error) {
	jql := fmt.Sprintf("parent = %s ORDER BY key", parentID)

	var payloads []backend.SubTaskPayload
	nextPageToken := ""
	for {
		result, resp, err := t.jira.Issue.Search.SearchJQL(ctx, jql, issueFields, nil, 50, nextPageToken)
		if err != nil {
			if resp != nil {
				return nil, herderr.ErrTrackerUnreachable(
					fmt.Sprintf("fetch sub-tasks (status %d)", resp.StatusCode)).WithCause(err)
			}
			return nil, herderr.ErrTrackerUnreachable("fetch sub-tasks").WithCause(err)
		}
		for _, issue := range result.Issues {
			payloads = append(payloads, convertIssue(issue))
		}
		if result.NextPageToken == "" || len(result.Issues) == 0 {
			break
		}
		nextPageToken = result.NextPageToken
	}
	return payloads, nil
}

func convertIssue(issue *models.IssueScheme) backend.SubTaskPayload {
	payload := backend.SubTaskPayload{ID: issue.ID, Identifier: issue.Key}
	if issue.Fields == nil {
		return payload
	}
	payload.Title = issue.Fields.Summary
	if issue.Fields.Status != nil {
		payload.Status = issue.Fields.Status.Name
	}
	for _, link := range issue.Fields.IssueLinks {
		if link == nil || link.Type == nil || link.Type.Name != "Blocks" {
			continue
		}
		// Inward side of a Blocks link is "is blocked by".
		if link.InwardIssue != nil {
			payload.BlockedBy = append(payload.BlockedBy, backend.BlockedRef{
				ID:         link.InwardIssue.ID,
				Identifier: link.InwardIssue.Key,
			})
		}
	}
	return payload
}

// FetchStatus returns the current status name of an issue.
func (t *Tracker) FetchStatus(ctx context.Context, identifier string) (string, error) {
	issue, resp, err := t.jira.Issue.Get(ctx, identifier, []string{"status"}, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%s: %w", identifier, backend.ErrNotFound)
		}
		return "", herderr.ErrTrackerUnreachable("fetch status").WithCause(err)
	}
	if issue.Fields == nil || issue.Fields.Status == nil {
		return "", fmt.Errorf("issue %s has no status", identifier)
	}
	return issue.Fields.Status.Name, nil
}

// ApplyUpdate delivers one queued update to Jira.
func (t *Tracker) ApplyUpdate(ctx context.Context, u *backend.Update) error {
	switch u.Type {
	case backend.UpdateStatusChange:
		return t.transition(ctx, u.Identifier, u.NewStatus)
	case backend.UpdateAddComment:
		return t.addComment(ctx, u.Identifier, u.Body)
	case backend.UpdateCreateSubtask:
		return t.createSubtask(ctx, u.Identifier, u.Title, u.Body)
	case backend.UpdateUpdateDescription:
		return t.updateDescription(ctx, u.Identifier, u.Body)
	case backend.UpdateAddLabel:
		return t.editLabel(ctx, u.Identifier, u.Label, "add")
	case backend.UpdateRemoveLabel:
		return t.editLabel(ctx, u.Identifier, u.Label, "remove")
	default:
		return fmt.Errorf("unknown update type %q", u.Type)
	}
}

// transition moves the issue through the workflow transition whose target
// status matches newStatus.
func (t *Tracker) transition(ctx context.Context, identifier, newStatus string) error {
	transitions, _, err := t.jira.Issue.Transitions(ctx, identifier)
	if err != nil {
		return herderr.ErrTrackerUnreachable("list transitions").WithCause(err)
	}
	for _, tr := range transitions.Transitions {
		if tr.To != nil && strings.EqualFold(tr.To.Name, newStatus) {
			if _, err := t.jira.Issue.Move(ctx, identifier, tr.ID, nil); err != nil {
				return herderr.ErrTrackerUnreachable("apply transition").WithCause(err)
			}
			return nil
		}
	}
	return fmt.Errorf("no transition to status %q on %s", newStatus, identifier)
}

func (t *Tracker) addComment(ctx context.Context, identifier, body string) error {
	payload := &models.CommentPayloadScheme{Body: adfParagraph(body)}
	if _, _, err := t.jira.Issue.Comment.Add(ctx, identifier, payload, nil); err != nil {
		return herderr.ErrTrackerUnreachable("add comment").WithCause(err)
	}
	return nil
}

func (t *Tracker) createSubtask(ctx context.Context, parentKey, title, body string) error {
	projectKey, _, found := strings.Cut(parentKey, "-")
	if !found {
		return fmt.Errorf("cannot derive project from %q", parentKey)
	}
	payload := &models.IssueScheme{
		Fields: &models.IssueFieldsScheme{
			Summary:     title,
			Project:     &models.ProjectScheme{Key: projectKey},
			IssueType:   &models.IssueTypeScheme{Name: "Sub-task"},
			Parent:      &models.ParentScheme{Key: parentKey},
			Description: adfParagraph(body),
		},
	}
	if _, _, err := t.jira.Issue.Create(ctx, payload, nil); err != nil {
		return herderr.ErrTrackerUnreachable("create subtask").WithCause(err)
	}
	return nil
}

func (t *Tracker) updateDescription(ctx context.Context, identifier, body string) error {
	payload := &models.IssueScheme{
		Fields: &models.IssueFieldsScheme{Description: adfParagraph(body)},
	}
	if _, err := t.jira.Issue.Update(ctx, identifier, true, payload, nil, nil); err != nil {
		return herderr.ErrTrackerUnreachable("update description").WithCause(err)
	}
	return nil
}

func (t *Tracker) editLabel(ctx context.Context, identifier, label, op string) error {
	operations := &models.UpdateOperations{}
	if err := operations.AddArrayOperation("labels", map[string]string{label: op}); err != nil {
		return fmt.Errorf("build label operation: %w", err)
	}
	if _, err := t.jira.Issue.Update(ctx, identifier, true, &models.IssueScheme{}, nil, operations); err != nil {
		return herderr.ErrTrackerUnreachable(op + " label").WithCause(err)
	}
	return nil
}

// adfParagraph wraps plain text in a minimal Atlassian Document Format
// tree, one paragraph per line.
func adfParagraph(text string) *models.CommentNodeScheme {
	doc := &models.CommentNodeScheme{Version: 1, Type: "doc"}
	for _, line := range strings.Split(text, "\n") {
		para := &models.CommentNodeScheme{Type: "paragraph"}
		if line != "" {
			para.Content = []*models.CommentNodeScheme{{Type: "text", Text: line}}
		}
		doc.Content = append(doc.Content, para)
	}
	return doc
}
