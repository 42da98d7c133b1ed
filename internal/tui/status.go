// Package tui renders a live terminal view of the orchestrator: pool
// counts, per-worker state, and recent planner activity. It is used by
// the status command's watch mode.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/randalmurphal/boardflow/internal/planner"
	"github.com/randalmurphal/boardflow/internal/worker"
)

// Snapshot is one observation of the running system.
type Snapshot struct {
	Running bool              `json:"running"`
	Planner planner.Status    `json:"planner"`
	Pool    worker.PoolStatus `json:"pool"`
}

// Source produces snapshots. Implementations poll the operator API or
// read from an in-process supervisor.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Styles contains the visual styling for the status view.
type Styles struct {
	Title   lipgloss.Style
	Subtle  lipgloss.Style
	Running lipgloss.Style
	Stopped lipgloss.Style
	Error   lipgloss.Style
}

// DefaultStyles returns the default status view styling.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")),
		Subtle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		Running: lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")),
		Stopped: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
	}
}

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type tickMsg time.Time

// Model is the bubbletea model for the live status view.
type Model struct {
	source   Source
	interval time.Duration

	spinner spinner.Model
	workers table.Model
	styles  Styles

	snap      Snapshot
	haveSnap  bool
	fetchErr  error
	updatedAt time.Time
	width     int
}

// New creates the status model. interval controls how often the source
// is polled.
func New(source Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	tbl := table.New(
		table.WithColumns(workerColumns(0)),
		table.WithFocused(false),
		table.WithHeight(8),
	)
	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true)
	ts.Selected = lipgloss.NewStyle()
	tbl.SetStyles(ts)

	return Model{
		source:   source,
		interval: interval,
		spinner:  sp,
		workers:  tbl,
		styles:   DefaultStyles(),
	}
}

func workerColumns(width int) []table.Column {
	taskWidth := 14
	if width > 90 {
		taskWidth = width - 76
	}
	return []table.Column{
		{Title: "Worker", Width: 12},
		{Title: "State", Width: 8},
		{Title: "Task", Width: taskWidth},
		{Title: "Repository", Width: 24},
		{Title: "Progress", Width: 20},
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(), m.tick())
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := m.source.Snapshot(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.workers.SetColumns(workerColumns(msg.Width))

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case snapshotMsg:
		m.fetchErr = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.haveSnap = true
			m.updatedAt = time.Now()
			m.workers.SetRows(workerRows(msg.snap.Pool.Workers))
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func workerRows(workers []worker.Record) []table.Row {
	rows := make([]table.Row, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, table.Row{
			w.ID,
			string(w.Status),
			w.TaskID,
			w.RepositoryID,
			w.Progress,
		})
	}
	return rows
}

// View implements tea.Model.
func (m Model) View() string {
	var s string
	s += m.styles.Title.Render("boardflow") + "\n\n"

	if !m.haveSnap {
		if m.fetchErr != nil {
			s += m.styles.Error.Render("cannot reach orchestrator: "+m.fetchErr.Error()) + "\n"
			s += m.styles.Subtle.Render("retrying... press q to quit") + "\n"
			return s
		}
		s += m.spinner.View() + " connecting...\n"
		return s
	}

	if m.snap.Running {
		s += m.styles.Running.Render("● running")
	} else {
		s += m.styles.Stopped.Render("○ stopped")
	}
	if !m.snap.Planner.LastSyncTime.IsZero() {
		s += m.styles.Subtle.Render(fmt.Sprintf("   last sync %s", formatAgo(m.snap.Planner.LastSyncTime)))
	}
	s += "\n\n"

	pool := m.snap.Pool
	s += fmt.Sprintf("Workers: %d total  %d idle  %d waiting  %d working  %d stopped  %d error\n",
		pool.Total, pool.Idle, pool.Waiting, pool.Working, pool.Stopped, pool.Error)
	s += fmt.Sprintf("Active tasks: %d\n\n", m.snap.Planner.ActiveTasks)

	s += m.workers.View() + "\n"

	if len(m.snap.Planner.Errors) > 0 {
		s += "\nRecent errors:\n"
		for _, e := range m.snap.Planner.Errors {
			s += m.styles.Error.Render(fmt.Sprintf("  [%s] %s", e.Phase, e.Message)) + "\n"
		}
	}

	if m.fetchErr != nil {
		s += "\n" + m.styles.Error.Render("refresh failed: "+m.fetchErr.Error()) + "\n"
	}

	s += "\n" + m.styles.Subtle.Render(fmt.Sprintf("updated %s · q to quit", m.updatedAt.Format("15:04:05")))
	return s
}

// Run executes the status view until the user quits.
func Run(source Source, interval time.Duration) error {
	p := tea.NewProgram(New(source, interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("status view: %w", err)
	}
	return nil
}

func formatAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
