package github

import (
	"testing"

	gogithub "github.com/google/go-github/v82/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierRoundTrip(t *testing.T) {
	assert.Equal(t, "GH-42", Identifier(42))

	number, err := IssueNumber("GH-42")
	require.NoError(t, err)
	assert.Equal(t, 42, number)
}

func TestIssueNumberRejectsBadForms(t *testing.T) {
	_, err := IssueNumber("42")
	assert.Error(t, err)

	_, err = IssueNumber("GH-forty-two")
	assert.Error(t, err)
}

func TestParseBlockedBy(t *testing.T) {
	body := "Implement the parser.\n\nBlocked-by: GH-1, GH-2\nBlocked-by: GH-7\n"
	assert.Equal(t, []string{"GH-1", "GH-2", "GH-7"}, ParseBlockedBy(body))

	assert.Nil(t, ParseBlockedBy("no dependencies here"))
	assert.Nil(t, ParseBlockedBy(""))
	assert.Nil(t, ParseBlockedBy("Blocked-by:"))
}

func TestStatusOfPrefersStatusLabel(t *testing.T) {
	issue := &gogithub.Issue{
		State: gogithub.Ptr("open"),
		Labels: []*gogithub.Label{
			{Name: gogithub.Ptr("bug")},
			{Name: gogithub.Ptr("status:In Progress")},
		},
	}
	assert.Equal(t, "In Progress", statusOf(issue))
}

func TestStatusOfFallsBackToState(t *testing.T) {
	assert.Equal(t, "To Do", statusOf(&gogithub.Issue{State: gogithub.Ptr("open")}))
	assert.Equal(t, "Done", statusOf(&gogithub.Issue{State: gogithub.Ptr("closed")}))
}

func TestConvertIssue(t *testing.T) {
	issue := &gogithub.Issue{
		ID:     gogithub.Ptr(int64(9001)),
		Number: gogithub.Ptr(102),
		Title:  gogithub.Ptr("Wire the parser"),
		State:  gogithub.Ptr("open"),
		Body:   gogithub.Ptr("Blocked-by: GH-101"),
	}

	payload := convertIssue(issue)

	assert.Equal(t, "GH-102", payload.Identifier)
	assert.Equal(t, "Wire the parser", payload.Title)
	assert.Equal(t, "To Do", payload.Status)
	require.Len(t, payload.BlockedBy, 1)
	assert.Equal(t, "GH-101", payload.BlockedBy[0].Identifier)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Config{Owner: "o", Repo: "r"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Token: "t", Owner: "o"}, nil)
	assert.Error(t, err)

	tracker, err := New(Config{Token: "t", Owner: "o", Repo: "r"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "github", tracker.Name())
}
