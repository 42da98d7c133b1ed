package router

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/boardflow/internal/config"
	"github.com/randalmurphal/boardflow/internal/lock"
	"github.com/randalmurphal/boardflow/internal/prompt"
	"github.com/randalmurphal/boardflow/internal/repocache"
	"github.com/randalmurphal/boardflow/internal/runner"
	"github.com/randalmurphal/boardflow/internal/task"
	"github.com/randalmurphal/boardflow/internal/worker"
	"github.com/randalmurphal/boardflow/internal/workspace"
)

type fakeGit struct {
	mu    sync.Mutex
	valid map[string]bool
}

func newFakeGit() *fakeGit { return &fakeGit{valid: make(map[string]bool)} }

func (f *fakeGit) Clone(_ context.Context, _, localPath string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid[localPath] = true
	return os.MkdirAll(localPath, 0o755)
}
func (f *fakeGit) Fetch(context.Context, string) error          { return nil }
func (f *fakeGit) PullMainBranch(context.Context, string) error { return nil }
func (f *fakeGit) CreateWorktree(_ context.Context, _, _, worktreePath, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid[worktreePath] = true
	if err := os.MkdirAll(worktreePath, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(worktreePath, ".git"), []byte("gitdir: x"), 0o644)
}
func (f *fakeGit) RemoveWorktree(_ context.Context, _, worktreePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.valid, worktreePath)
	return os.RemoveAll(worktreePath)
}
func (f *fakeGit) IsValidRepository(_ context.Context, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid[path]
}
func (f *fakeGit) CurrentCommit(context.Context, string) (string, error) { return "", nil }
func (f *fakeGit) DefaultBranch(context.Context, string) string          { return "" }

// blockingDev parks executions until released so WORKING states can be
// observed deterministically.
type blockingDev struct {
	release chan struct{}
	output  string
	started chan struct{}
	once    sync.Once
}

func newBlockingDev(output string) *blockingDev {
	return &blockingDev{
		release: make(chan struct{}),
		started: make(chan struct{}, 8),
		output:  output,
	}
}

func (d *blockingDev) Initialize(context.Context) error { return nil }
func (d *blockingDev) IsAvailable() bool                { return true }
func (d *blockingDev) SetTimeout(time.Duration)         {}
func (d *blockingDev) Cleanup() error                   { return nil }
func (d *blockingDev) Execute(ctx context.Context, _, _ string) (*runner.ExecutionResult, error) {
	d.started <- struct{}{}
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &runner.ExecutionResult{RawOutput: d.output}, nil
}

func (d *blockingDev) unblock() { d.once.Do(func() { close(d.release) }) }

func fixture(t *testing.T, maxWorkers int, dev runner.Port) (*Router, *worker.Pool) {
	t.Helper()
	g := newFakeGit()
	locker := lock.NewRepoLocker(nil)
	cache := repocache.New(g, locker, nil, repocache.Options{Root: t.TempDir()})
	ws := workspace.New(t.TempDir(), g, cache, locker, nil)

	pool := worker.NewPool(
		config.PoolConfig{MinWorkers: 1, MaxWorkers: maxWorkers},
		ws, prompt.NewBuilder(0), dev, nil, nil, nil)
	require.NoError(t, pool.Initialize(context.Background()))

	return New(pool, nil, "acme/default", nil), pool
}

func startRequest(id string) *task.Request {
	return &task.Request{
		TaskID:       id,
		RepositoryID: "acme/svc",
		Action:       task.ActionStartNewTask,
		BoardItem:    &task.BoardItem{Title: "Fix", ContentType: task.ContentIssue, ContentNumber: 1},
	}
}

func awaitStatus(t *testing.T, w *worker.Worker, want worker.Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if w.Status() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("worker never reached %s (now %s)", want, w.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStartNewTaskAccepted(t *testing.T) {
	dev := newBlockingDev("Task complete")
	r, pool := fixture(t, 2, dev)

	resp := r.Handle(context.Background(), startRequest("T1"))
	assert.Equal(t, task.ResponseAccepted, resp.Status)
	assert.Equal(t, "processing", resp.WorkerStatus)

	w, ok := pool.GetWorkerByTaskID("T1")
	require.True(t, ok)
	<-dev.started
	awaitStatus(t, w, worker.StatusWorking)
	dev.unblock()
}

func TestStartNewTaskPoolExhausted(t *testing.T) {
	dev := newBlockingDev("Task complete")
	r, _ := fixture(t, 1, dev)

	resp := r.Handle(context.Background(), startRequest("T1"))
	require.Equal(t, task.ResponseAccepted, resp.Status)
	<-dev.started

	resp = r.Handle(context.Background(), startRequest("T2"))
	assert.Equal(t, task.ResponseRejected, resp.Status)
	assert.Equal(t, "no_available_worker", resp.WorkerStatus)
	dev.unblock()
}

func TestStartNewTaskAlreadyHasWorker(t *testing.T) {
	dev := newBlockingDev("Task complete")
	r, _ := fixture(t, 2, dev)

	require.Equal(t, task.ResponseAccepted, r.Handle(context.Background(), startRequest("T1")).Status)
	<-dev.started

	resp := r.Handle(context.Background(), startRequest("T1"))
	assert.Equal(t, task.ResponseAccepted, resp.Status)
	assert.Equal(t, "already_processing", resp.WorkerStatus)
	dev.unblock()
}

func TestCheckStatusWaitingForReview(t *testing.T) {
	dev := newBlockingDev("Opened https://github.com/acme/svc/pull/7\nTask complete")
	r, pool := fixture(t, 1, dev)

	require.Equal(t, task.ResponseAccepted, r.Handle(context.Background(), startRequest("T1")).Status)
	<-dev.started
	dev.unblock()

	w, ok := pool.GetWorkerByTaskID("T1")
	require.True(t, ok)
	awaitStatus(t, w, worker.StatusWaiting)

	resp := r.Handle(context.Background(), &task.Request{TaskID: "T1", Action: task.ActionCheckStatus})
	assert.Equal(t, task.ResponseCompleted, resp.Status)
	assert.Equal(t, "waiting_for_review", resp.WorkerStatus)
	assert.Equal(t, "https://github.com/acme/svc/pull/7", resp.PullRequestURL)
}

func TestCheckStatusCompletedWithoutPullRequest(t *testing.T) {
	// The agent finishes the task but never opens a PR. The status
	// check must report a terminal outcome, not IN_PROGRESS forever.
	dev := newBlockingDev("Refactored the helpers as requested. Task complete, nothing left to do.")
	r, pool := fixture(t, 1, dev)

	require.Equal(t, task.ResponseAccepted, r.Handle(context.Background(), startRequest("T1")).Status)
	<-dev.started
	dev.unblock()

	w, ok := pool.GetWorkerByTaskID("T1")
	require.True(t, ok)
	awaitStatus(t, w, worker.StatusWaiting)

	resp := r.Handle(context.Background(), &task.Request{TaskID: "T1", Action: task.ActionCheckStatus})
	assert.Equal(t, task.ResponseCompleted, resp.Status)
	assert.Equal(t, "completed", resp.WorkerStatus)
	assert.Empty(t, resp.PullRequestURL)
}

func TestCheckStatusNoWorker(t *testing.T) {
	r, _ := fixture(t, 1, newBlockingDev(""))
	resp := r.Handle(context.Background(), &task.Request{TaskID: "T404", Action: task.ActionCheckStatus})
	assert.Equal(t, task.ResponseError, resp.Status)
}

func TestMergeRequestExhaustionIsError(t *testing.T) {
	dev := newBlockingDev("Task complete")
	r, _ := fixture(t, 1, dev)

	require.Equal(t, task.ResponseAccepted, r.Handle(context.Background(), startRequest("T1")).Status)
	<-dev.started

	resp := r.Handle(context.Background(), &task.Request{
		TaskID:         "T2",
		Action:         task.ActionMergeRequest,
		PullRequestURL: "https://github.com/acme/svc/pull/9",
	})
	assert.Equal(t, task.ResponseError, resp.Status)
	assert.Equal(t, "no_available_worker", resp.WorkerStatus)
	dev.unblock()
}

func TestRepositoryResolutionFromPRURL(t *testing.T) {
	r, _ := fixture(t, 1, newBlockingDev(""))

	req := &task.Request{
		TaskID:         "T1",
		Action:         task.ActionMergeRequest,
		PullRequestURL: "https://github.com/beta/lib/pull/3",
	}
	require.NoError(t, r.resolveRepository(req))
	assert.Equal(t, "beta/lib", req.RepositoryID)

	// No URL, no board item: configured default applies.
	req = &task.Request{TaskID: "T2", Action: task.ActionStartNewTask}
	require.NoError(t, r.resolveRepository(req))
	assert.Equal(t, "acme/default", req.RepositoryID)
}

func TestFeedbackReusesBoundWorker(t *testing.T) {
	dev := newBlockingDev("Opened https://github.com/acme/svc/pull/7\nTask complete")
	r, pool := fixture(t, 2, dev)

	require.Equal(t, task.ResponseAccepted, r.Handle(context.Background(), startRequest("T1")).Status)
	<-dev.started
	dev.unblock()

	w, ok := pool.GetWorkerByTaskID("T1")
	require.True(t, ok)
	awaitStatus(t, w, worker.StatusWaiting)

	resp := r.Handle(context.Background(), &task.Request{
		TaskID:         "T1",
		Action:         task.ActionProcessFeedback,
		PullRequestURL: "https://github.com/acme/svc/pull/7",
		Comments:       []task.ReviewComment{{ID: "c1", Content: "rename foo"}},
	})
	assert.Equal(t, task.ResponseAccepted, resp.Status)
	assert.Equal(t, "processing_feedback", resp.WorkerStatus)

	got, ok := pool.GetWorkerByTaskID("T1")
	require.True(t, ok)
	assert.Equal(t, w.ID(), got.ID(), "feedback must reuse the bound worker")
}
