package dashboard

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herdctl/herd/internal/state"
)

func sampleState() *state.RuntimeState {
	return &state.RuntimeState{
		ParentID:    "X-100",
		ParentTitle: "Build the importer",
		TotalTasks:  3,
		ActiveTasks: []state.ActiveTask{
			{Identifier: "X-102", PaneSlot: 0, StartedAt: time.Now().Add(-5 * time.Second)},
		},
		CompletedTasks: []state.CompletedTask{
			{Identifier: "X-101", DurationMS: 4200},
		},
		FailedTasks: []state.CompletedTask{{Identifier: "X-103"}},
		BackendStatuses: map[string]state.BackendStatus{
			"X-101": {Status: "Done"},
		},
	}
}

func TestViewBeforeFirstState(t *testing.T) {
	m := NewModel(nil)
	assert.Contains(t, m.View(), "waiting for runtime state")
}

func TestStateMsgUpdatesView(t *testing.T) {
	m := NewModel(make(chan *state.RuntimeState))

	next, _ := m.Update(stateMsg{state: sampleState()})
	m = next.(Model)

	view := m.View()
	assert.Contains(t, view, "X-100")
	assert.Contains(t, view, "Build the importer")
	assert.Contains(t, view, "1/3 done")
	assert.Contains(t, view, "X-102")
	assert.Contains(t, view, "✓ X-101")
	assert.Contains(t, view, "✗ X-103")
	assert.Contains(t, view, "Done")
}

func TestQuitKeys(t *testing.T) {
	m := NewModel(make(chan *state.RuntimeState))

	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune{'q'}},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		_, cmd := m.Update(key)
		require.NotNil(t, cmd, "key %s should quit", key.String())
		assert.Equal(t, tea.Quit(), cmd())
	}
}

func TestWaitForStateDeliversSnapshots(t *testing.T) {
	updates := make(chan *state.RuntimeState, 1)
	m := NewModel(updates)

	updates <- sampleState()
	msg := m.waitForState()()
	sm, ok := msg.(stateMsg)
	require.True(t, ok)
	assert.Equal(t, "X-100", sm.state.ParentID)

	close(updates)
	assert.Equal(t, tea.Quit(), m.waitForState()())
}

func TestTickAdvancesClock(t *testing.T) {
	m := NewModel(make(chan *state.RuntimeState))
	next, _ := m.Update(stateMsg{state: sampleState()})
	m = next.(Model)

	later := time.Now().Add(time.Minute)
	next, cmd := m.Update(tickMsg(later))
	m = next.(Model)

	assert.NotNil(t, cmd)
	assert.Equal(t, later, m.now)
}
