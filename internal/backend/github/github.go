// Package github implements the tracker port on GitHub Issues.
//
// GitHub has no native sub-task or blocking relations, so herd encodes
// them: a sub-task issue carries a "parent:<identifier>" label, its
// tracker status lives in a "status:<name>" label, and blocking
// dependencies are declared on a "Blocked-by: GH-1, GH-2" body line.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/herdctl/herd/internal/backend"
	"github.com/herdctl/herd/internal/herderr"
)

const (
	identifierPrefix = "GH-"
	statusLabel      = "status:"
	parentLabel      = "parent:"
	blockedByLine    = "Blocked-by:"
)

// Config holds the connection settings for a GitHub repository.
type Config struct {
	Token string
	Owner string
	Repo  string
}

// Tracker is the GitHub-backed tracker.
type Tracker struct {
	client *gogithub.Client
	owner  string
	repo   string
	logger *slog.Logger
}

var _ backend.Backend = (*Tracker)(nil)

// New creates a GitHub tracker.
func New(cfg Config, logger *slog.Logger) (*Tracker, error) {
	if cfg.Token == "" {
		return nil, herderr.ErrConfigMissing("github.token")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, herderr.ErrConfigMissing("github.owner/github.repo")
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{Transport: &tokenTransport{token: cfg.Token}}
	return &Tracker{
		client: gogithub.NewClient(httpClient),
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		logger: logger,
	}, nil
}

// tokenTransport adds an Authorization header to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// Name identifies the backend.
func (t *Tracker) Name() string { return "github" }

// Identifier renders an issue number as a herd identifier.
func Identifier(number int) string {
	return identifierPrefix + strconv.Itoa(number)
}

// IssueNumber parses a herd identifier back to an issue number.
func IssueNumber(identifier string) (int, error) {
	raw, ok := strings.CutPrefix(identifier, identifierPrefix)
	if !ok {
		return 0, fmt.Errorf("identifier %q lacks %s prefix", identifier, identifierPrefix)
	}
	number, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("identifier %q: %w", identifier, err)
	}
	return number, nil
}

// FetchParent resolves a parent issue by identifier.
func (t *Tracker) FetchParent(ctx context.Context, identifier string) (*backend.Parent, error) {
	number, err := IssueNumber(identifier)
	if err != nil {
		return nil, err
	}
	issue, resp, err := t.client.Issues.Get(ctx, t.owner, t.repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", identifier, backend.ErrNotFound)
		}
		return nil, herderr.ErrTrackerUnreachable("fetch parent").WithCause(err)
	}
	return &backend.Parent{
		ID:         strconv.FormatInt(issue.GetID(), 10),
		Identifier: Identifier(issue.GetNumber()),
		Title:      issue.GetTitle(),
	}, nil
}

// FetchSubTasks lists all issues labeled as children of the parent. The
// parentID here is the parent's herd identifier; GitHub has no separate
// internal id worth carrying.
func (t *Tracker) FetchSubTasks(ctx context.Context, parentID string) ([]backend.SubTaskPayload, error) {
	opts := &gogithub.IssueListByRepoOptions{
		State:       "all",
		Labels:      []string{parentLabel + parentID},
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var payloads []backend.SubTaskPayload
	for {
		issues, resp, err := t.client.Issues.ListByRepo(ctx, t.owner, t.repo, opts)
		if err != nil {
			return nil, herderr.ErrTrackerUnreachable("fetch sub-tasks").WithCause(err)
		}
		for _, issue := range issues {
			payloads = append(payloads, convertIssue(issue))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return payloads, nil
}

func convertIssue(issue *gogithub.Issue) backend.SubTaskPayload {
	payload := backend.SubTaskPayload{
		ID:         strconv.FormatInt(issue.GetID(), 10),
		Identifier: Identifier(issue.GetNumber()),
		Title:      issue.GetTitle(),
		Status:     statusOf(issue),
	}
	for _, ref := range ParseBlockedBy(issue.GetBody()) {
		payload.BlockedBy = append(payload.BlockedBy, backend.BlockedRef{Identifier: ref})
	}
	return payload
}

func statusOf(issue *gogithub.Issue) string {
	for _, label := range issue.Labels {
		if name, ok := strings.CutPrefix(label.GetName(), statusLabel); ok {
			return name
		}
	}
	if issue.GetState() == "closed" {
		return "Done"
	}
	return "To Do"
}

// ParseBlockedBy extracts blocking identifiers from an issue body.
func ParseBlockedBy(body string) []string {
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
	number, err := IssueNumber(identifier)
	if err != nil {
		return "", err
	}
	issue, resp, err := t.client.Issues.Get(ctx, t.owner, t.repo, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%s: %w", identifier, backend.ErrNotFound)
		}
		return "", herderr.ErrTrackerUnreachable("fetch status").WithCause(err)
	}
	return statusOf(issue), nil
}

// ApplyUpdate delivers one queued update to GitHub.
func (t *Tracker) ApplyUpdate(ctx context.Context, u *backend.Update) error {
	if u.Type == backend.UpdateCreateSubtask {
		return t.createSubtask(ctx, u.Identifier, u.Title, u.Body)
	}

	number, err := IssueNumber(u.Identifier)
	if err != nil {
		return err
	}
	switch u.Type {
	case backend.UpdateStatusChange:
		return t.setStatus(ctx, number, u.NewStatus)
	case backend.UpdateAddComment:
		comment := &gogithub.IssueComment{Body: gogithub.Ptr(u.Body)}
		if _, _, err := t.client.Issues.CreateComment(ctx, t.owner, t.repo, number, comment); err != nil {
			return herderr.ErrTrackerUnreachable("add comment").WithCause(err)
		}
		return nil
	case backend.UpdateUpdateDescription:
		req := &gogithub.IssueRequest{Body: gogithub.Ptr(u.Body)}
		if _, _, err := t.client.Issues.Edit(ctx, t.owner, t.repo, number, req); err != nil {
			return herderr.ErrTrackerUnreachable("update description").WithCause(err)
		}
		return nil
	case backend.UpdateAddLabel:
		if _, _, err := t.client.Issues.AddLabelsToIssue(ctx, t.owner, t.repo, number, []string{u.Label}); err != nil {
			return herderr.ErrTrackerUnreachable("add label").WithCause(err)
		}
		return nil
	case backend.UpdateRemoveLabel:
		if _, err := t.client.Issues.RemoveLabelForIssue(ctx, t.owner, t.repo, number, u.Label); err != nil {
			return herderr.ErrTrackerUnreachable("remove label").WithCause(err)
		}
		return nil
	default:
		return fmt.Errorf("unknown update type %q", u.Type)
	}
}

// setStatus swaps the status label and mirrors terminal statuses to the
// issue state.
func (t *Tracker) setStatus(ctx context.Context, number int, newStatus string) error {
	labels, _, err := t.client.Issues.ListLabelsByIssue(ctx, t.owner, t.repo, number, nil)
	if err != nil {
		return herderr.ErrTrackerUnreachable("list labels").WithCause(err)
	}
	for _, label := range labels {
		if strings.HasPrefix(label.GetName(), statusLabel) {
			if _, err := t.client.Issues.RemoveLabelForIssue(ctx, t.owner, t.repo, number, label.GetName()); err != nil {
				return herderr.ErrTrackerUnreachable("remove status label").WithCause(err)
			}
		}
	}
	if _, _, err := t.client.Issues.AddLabelsToIssue(ctx, t.owner, t.repo, number, []string{statusLabel + newStatus}); err != nil {
		return herderr.ErrTrackerUnreachable("add status label").WithCause(err)
	}

	state := "open"
	if strings.EqualFold(newStatus, "done") || strings.EqualFold(newStatus, "closed") {
		state = "closed"
	}
	req := &gogithub.IssueRequest{State: gogithub.Ptr(state)}
	if _, _, err := t.client.Issues.Edit(ctx, t.owner, t.repo, number, req); err != nil {
		return herderr.ErrTrackerUnreachable("set issue state").WithCause(err)
	}
	return nil
}

func (t *Tracker) createSubtask(ctx context.Context, parentIdentifier, title, body string) error {
	req := &gogithub.IssueRequest{
		Title:  gogithub.Ptr(title),
		Body:   gogithub.Ptr(body),
		Labels: &[]string{parentLabel + parentIdentifier},
	}
	if _, _, err := t.client.Issues.Create(ctx, t.owner, t.repo, req); err != nil {
		return herderr.ErrTrackerUnreachable("create subtask").WithCause(err)
	}
	return nil
}
