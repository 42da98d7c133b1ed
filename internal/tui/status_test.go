package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/boardflow/internal/planner"
	"github.com/randalmurphal/boardflow/internal/worker"
)

type fakeSource struct {
	snap Snapshot
	err  error
}

func (f *fakeSource) Snapshot(context.Context) (Snapshot, error) {
	return f.snap, f.err
}

func testSnapshot() Snapshot {
	return Snapshot{
		Running: true,
		Planner: planner.Status{
			Running:      true,
			ActiveTasks:  1,
			LastSyncTime: time.Now(),
		},
		Pool: worker.PoolStatus{
			Total: 2, Idle: 1, Working: 1,
			Workers: []worker.Record{
				{ID: "worker-1", Status: worker.StatusIdle},
				{ID: "worker-2", Status: worker.StatusWorking, TaskID: "T1", RepositoryID: "acme/svc"},
			},
		},
	}
}

func TestSnapshotPopulatesView(t *testing.T) {
	m := New(&fakeSource{}, time.Second)

	updated, _ := m.Update(snapshotMsg{snap: testSnapshot()})
	view := updated.View()

	assert.Contains(t, view, "● running")
	assert.Contains(t, view, "2 total")
	assert.Contains(t, view, "worker-2")
	assert.Contains(t, view, "acme/svc")
}

func TestConnectingBeforeFirstSnapshot(t *testing.T) {
	m := New(&fakeSource{}, time.Second)
	assert.Contains(t, m.View(), "connecting")
}

func TestFetchErrorShownWhenUnreachable(t *testing.T) {
	m := New(&fakeSource{}, time.Second)

	updated, _ := m.Update(snapshotMsg{err: errors.New("connection refused")})
	view := updated.View()

	assert.Contains(t, view, "cannot reach orchestrator")
	assert.Contains(t, view, "connection refused")
}

func TestStaleSnapshotKeptOnRefreshError(t *testing.T) {
	m := New(&fakeSource{}, time.Second)

	updated, _ := m.Update(snapshotMsg{snap: testSnapshot()})
	updated, _ = updated.Update(snapshotMsg{err: errors.New("timeout")})
	view := updated.View()

	assert.Contains(t, view, "worker-1")
	assert.Contains(t, view, "refresh failed")
}

func TestPlannerErrorsRendered(t *testing.T) {
	snap := testSnapshot()
	snap.Planner.Errors = []planner.ErrorEntry{
		{Phase: "review", Message: "board unreachable"},
	}

	m := New(&fakeSource{}, time.Second)
	updated, _ := m.Update(snapshotMsg{snap: snap})

	view := updated.View()
	assert.Contains(t, view, "Recent errors")
	assert.Contains(t, view, "board unreachable")
}

func TestQuitKeys(t *testing.T) {
	m := New(&fakeSource{}, time.Second)

	for _, key := range []string{"q", "ctrl+c", "esc"} {
		var msg tea.KeyMsg
		switch key {
		case "ctrl+c":
			msg = tea.KeyMsg{Type: tea.KeyCtrlC}
		case "esc":
			msg = tea.KeyMsg{Type: tea.KeyEsc}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
		}
		_, cmd := m.Update(msg)
		require.NotNil(t, cmd, "key %s should quit", key)
		assert.IsType(t, tea.QuitMsg{}, cmd(), "key %s should quit", key)
	}
}

func TestTickSchedulesRefetch(t *testing.T) {
	m := New(&fakeSource{snap: testSnapshot()}, time.Second)
	_, cmd := m.Update(tickMsg(time.Now()))
	require.NotNil(t, cmd)
}

func TestFormatAgo(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "just now", formatAgo(now))
	assert.True(t, strings.HasSuffix(formatAgo(now.Add(-30*time.Second)), "s ago"))
	assert.True(t, strings.HasSuffix(formatAgo(now.Add(-5*time.Minute)), "m ago"))
	assert.True(t, strings.HasSuffix(formatAgo(now.Add(-3*time.Hour)), "h ago"))
}
