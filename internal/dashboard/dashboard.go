// Package dashboard renders a live terminal view of a running loop. It
// is a pure reader: it subscribes to runtime state changes and never
// writes a byte of state itself.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/herdctl/herd/internal/state"
)

// Styles contains the visual styling for the dashboard.
type Styles struct {
	Title     lipgloss.Style
	Active    lipgloss.Style
	Completed lipgloss.Style
	Failed    lipgloss.Style
	Subtle    lipgloss.Style
}

// DefaultStyles returns the default dashboard styling.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1),
		Active: lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")),
		Completed: lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")),
		Failed: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		Subtle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
	}
}

// stateMsg carries a fresh runtime state snapshot into the model.
type stateMsg struct {
	state *state.RuntimeState
}

// tickMsg drives the active-task duration display.
type tickMsg time.Time

// Model is the bubbletea model for the dashboard.
type Model struct {
	runtime *state.RuntimeState
	spinner spinner.Model
	styles  Styles
	updates <-chan *state.RuntimeState
	now     time.Time
}

// NewModel builds a dashboard model fed by updates.
func NewModel(updates <-chan *state.RuntimeState) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	return Model{
		spinner: s,
		styles:  DefaultStyles(),
		updates: updates,
		now:     time.Now(),
	}
}

func (m Model) waitForState() tea.Cmd {
	return func() tea.Msg {
		rs, ok := <-m.updates
		if !ok {
			return tea.Quit()
		}
		return stateMsg{state: rs}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForState(), tick())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case stateMsg:
		m.runtime = msg.state
		return m, m.waitForState()
	case tickMsg:
		m.now = time.Time(msg)
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	if m.runtime == nil {
		b.WriteString(m.styles.Subtle.Render("waiting for runtime state..."))
		b.WriteString("\n")
		return b.String()
	}
	rs := m.runtime

	title := rs.ParentID
	if rs.ParentTitle != "" {
		title += "  " + rs.ParentTitle
	}
	b.WriteString(m.styles.Title.Render(title))
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("%d/%d done", len(rs.CompletedTasks), rs.TotalTasks))
	if len(rs.FailedTasks) > 0 {
		b.WriteString(m.styles.Failed.Render(fmt.Sprintf("  %d failed", len(rs.FailedTasks))))
	}
	b.WriteString("\n\n")

	if len(rs.ActiveTasks) > 0 {
		b.WriteString("Running\n")
		active := append([]state.ActiveTask(nil), rs.ActiveTasks...)
		sort.Slice(active, func(i, j int) bool { return active[i].PaneSlot < active[j].PaneSlot })
		for _, task := range active {
			elapsed := m.now.Sub(task.StartedAt).Truncate(time.Second)
			if elapsed < 0 {
				elapsed = 0
			}
			line := fmt.Sprintf("%s %s  %s", m.spinner.View(), task.Identifier, elapsed)
			b.WriteString("  " + m.styles.Active.Render(line) + "\n")
		}
		b.WriteString("\n")
	}

	if len(rs.CompletedTasks) > 0 {
		b.WriteString("Completed\n")
		for _, task := range rs.CompletedTasks {
			line := "✓ " + task.Identifier
			if task.DurationMS > 0 {
				line += "  " + (time.Duration(task.DurationMS) * time.Millisecond).Truncate(time.Second).String()
			}
			if synced, ok := rs.BackendStatuses[task.Identifier]; ok {
				line += m.styles.Subtle.Render("  [" + synced.Status + "]")
			}
			b.WriteString("  " + m.styles.Completed.Render(line) + "\n")
		}
		b.WriteString("\n")
	}

	if len(rs.FailedTasks) > 0 {
		b.WriteString("Failed\n")
		for _, task := range rs.FailedTasks {
			b.WriteString("  " + m.styles.Failed.Render("✗ "+task.Identifier) + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(m.styles.Subtle.Render("q to quit"))
	b.WriteString("\n")
	return b.String()
}

// Run watches the store and drives the dashboard until the user quits
// or ctx is cancelled.
func Run(ctx context.Context, store *state.Store) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan *state.RuntimeState, 1)
	watchErr := make(chan error, 1)
	go func() {
		defer close(updates)
		watchErr <- store.Watch(ctx, func(rs *state.RuntimeState) {
			select {
			case updates <- rs:
			case <-ctx.Done():
			}
		})
	}()

	p := tea.NewProgram(NewModel(updates))
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	cancel()
	if err := <-watchErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
