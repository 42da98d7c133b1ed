package planner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/boardflow/internal/board"
	"github.com/randalmurphal/boardflow/internal/config"
	"github.com/randalmurphal/boardflow/internal/task"
)

type fakeBoard struct {
	mu       sync.Mutex
	items    map[task.BoardStatus][]task.BoardItem
	statuses map[string]task.BoardStatus
	attached map[string][]string
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		items:    make(map[task.BoardStatus][]task.BoardItem),
		statuses: make(map[string]task.BoardStatus),
		attached: make(map[string][]string),
	}
}

func (b *fakeBoard) GetItems(_ context.Context, status task.BoardStatus) ([]task.BoardItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]task.BoardItem, len(b.items[status]))
	copy(out, b.items[status])
	return out, nil
}

func (b *fakeBoard) setItems(status task.BoardStatus, items ...task.BoardItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[status] = items
}

func (b *fakeBoard) UpdateItemStatus(_ context.Context, itemID string, status task.BoardStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[itemID] = status
	return nil
}

func (b *fakeBoard) AddPullRequestToItem(_ context.Context, itemID, prURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached[itemID] = append(b.attached[itemID], prURL)
	return nil
}

func (b *fakeBoard) SetPullRequestToItem(_ context.Context, itemID, prURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached[itemID] = []string{prURL}
	return nil
}

func (b *fakeBoard) GetRepositoryDefaultBranch(context.Context, string) string { return "main" }
func (b *fakeBoard) Name() board.ProviderType                                  { return "fake" }

func (b *fakeBoard) statusOf(itemID string) task.BoardStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statuses[itemID]
}

type routedRequest struct {
	Action   task.Action
	TaskID   string
	Comments []task.ReviewComment
}

type fakeRouter struct {
	mu        sync.Mutex
	requests  []routedRequest
	released  []string
	responses map[task.Action]*task.Response
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{responses: make(map[task.Action]*task.Response)}
}

func (r *fakeRouter) Handle(_ context.Context, req *task.Request) *task.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, routedRequest{
		Action:   req.Action,
		TaskID:   req.TaskID,
		Comments: req.Comments,
	})
	if resp, ok := r.responses[req.Action]; ok {
		return resp
	}
	return &task.Response{Status: task.ResponseAccepted, Message: "ok"}
}

func (r *fakeRouter) Release(_ context.Context, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, taskID)
}

func (r *fakeRouter) byAction(action task.Action) []routedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []routedRequest
	for _, req := range r.requests {
		if req.Action == action {
			out = append(out, req)
		}
	}
	return out
}

type fakeReviews struct {
	state    task.ReviewState
	comments []task.ReviewComment
	mergeErr error
	merged   []string
}

func (f *fakeReviews) GetReviewState(context.Context, string) (task.ReviewState, error) {
	return f.state, nil
}

func (f *fakeReviews) GetComments(context.Context, string, time.Time) ([]task.ReviewComment, error) {
	return f.comments, nil
}

func (f *fakeReviews) RequestMerge(_ context.Context, prURL string) error {
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged = append(f.merged, prURL)
	return nil
}

func testConfig() config.PlannerConfig {
	return config.PlannerConfig{
		MonitoringInterval: time.Hour,
		CycleTimeout:       time.Minute,
		MaxRetryAttempts:   2,
		ErrorLogSize:       5,
	}
}

func newTestPlanner(b *fakeBoard, r *fakeRouter, reviews ReviewSource, opts ...Option) *Planner {
	resolver := func(string) (ReviewSource, error) { return reviews, nil }
	return New(testConfig(), b, resolver, r, nil, nil, nil, opts...)
}

func todoItem(id string) task.BoardItem {
	return task.BoardItem{
		ID:            id,
		Title:         "Fix #42",
		Status:        task.StatusTodo,
		ContentType:   task.ContentIssue,
		ContentNumber: 42,
		Repository:    "acme/svc",
	}
}

func TestHandleNewTasksDispatchesOnce(t *testing.T) {
	b := newFakeBoard()
	b.setItems(task.StatusTodo, todoItem("T1"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, &fakeReviews{state: task.ReviewPending})

	p.ForceSync(context.Background())

	starts := r.byAction(task.ActionStartNewTask)
	require.Len(t, starts, 1)
	assert.Equal(t, "T1", starts[0].TaskID)
	assert.Equal(t, task.StatusInProgress, b.statusOf("T1"))

	// A second cycle with no board change must not re-dispatch.
	p.ForceSync(context.Background())
	assert.Len(t, r.byAction(task.ActionStartNewTask), 1)
}

func TestHandleNewTasksRejectedKeepsBoard(t *testing.T) {
	b := newFakeBoard()
	b.setItems(task.StatusTodo, todoItem("T1"))
	r := newFakeRouter()
	r.responses[task.ActionStartNewTask] = &task.Response{
		Status: task.ResponseRejected, WorkerStatus: "no_available_worker",
	}
	p := newTestPlanner(b, r, &fakeReviews{state: task.ReviewPending})

	p.ForceSync(context.Background())

	assert.Equal(t, task.BoardStatus(""), b.statusOf("T1"))
	assert.Zero(t, p.Status().ActiveTasks)
}

func TestRepositoryFilterSkipsItem(t *testing.T) {
	b := newFakeBoard()
	b.setItems(task.StatusTodo, todoItem("T1"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, &fakeReviews{state: task.ReviewPending},
		WithRepositoryFilter(func(repo string) bool { return repo != "acme/svc" }))

	p.ForceSync(context.Background())
	assert.Empty(t, r.byAction(task.ActionStartNewTask))
}

func TestInProgressPromotesToReview(t *testing.T) {
	b := newFakeBoard()
	b.setItems(task.StatusTodo, todoItem("T1"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, &fakeReviews{state: task.ReviewPending})

	p.ForceSync(context.Background())
	b.setItems(task.StatusTodo) // item left the TODO column

	r.responses[task.ActionCheckStatus] = &task.Response{
		Status:         task.ResponseCompleted,
		WorkerStatus:   "waiting_for_review",
		PullRequestURL: "https://example.test/acme/svc/pull/7",
	}
	p.ForceSync(context.Background())

	assert.Equal(t, task.StatusInReview, b.statusOf("T1"))
	assert.Equal(t, []string{"https://example.test/acme/svc/pull/7"}, b.attached["T1"])
	// The worker stays bound while the PR is in review.
	assert.Empty(t, r.released)
}

func TestInProgressCompletedWithoutPRFinishes(t *testing.T) {
	b := newFakeBoard()
	b.setItems(task.StatusTodo, todoItem("T1"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, &fakeReviews{state: task.ReviewPending})

	p.ForceSync(context.Background())
	b.setItems(task.StatusTodo)

	// The agent finished the task without opening a PR: terminal, the
	// item goes straight to DONE with no review phase.
	r.responses[task.ActionCheckStatus] = &task.Response{
		Status:       task.ResponseCompleted,
		WorkerStatus: "completed",
	}
	p.ForceSync(context.Background())

	assert.Equal(t, task.StatusDone, b.statusOf("T1"))
	assert.Equal(t, []string{"T1"}, r.released)
	assert.Zero(t, p.Status().ActiveTasks)
}

func TestInProgressDemotesAfterRetries(t *testing.T) {
	b := newFakeBoard()
	b.setItems(task.StatusTodo, todoItem("T1"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, &fakeReviews{state: task.ReviewPending})

	p.ForceSync(context.Background())
	b.setItems(task.StatusTodo)
	r.responses[task.ActionCheckStatus] = &task.Response{
		Status: task.ResponseError, Message: "worker in error state",
	}

	// MaxRetryAttempts = 2: the third failing cycle demotes.
	for range 3 {
		p.ForceSync(context.Background())
	}

	assert.Equal(t, []string{"T1"}, r.released)
	assert.Zero(t, p.Status().ActiveTasks)

	// Demoted task is terminal even if the board resets it.
	b.setItems(task.StatusTodo, todoItem("T1"))
	p.ForceSync(context.Background())
	assert.Len(t, r.byAction(task.ActionStartNewTask), 1)
}

func reviewItem(id, prURL string) task.BoardItem {
	item := todoItem(id)
	item.Status = task.StatusInReview
	item.PullRequestURLs = []string{prURL}
	return item
}

func TestReviewMergedFinishesTask(t *testing.T) {
	b := newFakeBoard()
	b.setItems(task.StatusInReview, reviewItem("T1", "https://example.test/acme/svc/pull/7"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, &fakeReviews{state: task.ReviewMerged})

	p.ForceSync(context.Background())

	assert.Equal(t, task.StatusDone, b.statusOf("T1"))
	assert.Equal(t, []string{"T1"}, r.released)
}

func TestReviewApprovedProviderMerge(t *testing.T) {
	reviews := &fakeReviews{state: task.ReviewApproved}
	b := newFakeBoard()
	b.setItems(task.StatusInReview, reviewItem("T1", "https://example.test/acme/svc/pull/7"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, reviews)

	p.ForceSync(context.Background())

	assert.Equal(t, []string{"https://example.test/acme/svc/pull/7"}, reviews.merged)
	assert.Equal(t, task.StatusDone, b.statusOf("T1"))
	assert.Empty(t, r.byAction(task.ActionMergeRequest))
}

func TestReviewApprovedFallsBackToAgentMerge(t *testing.T) {
	reviews := &fakeReviews{
		state:    task.ReviewApproved,
		mergeErr: fmt.Errorf("merge API disabled"),
	}
	b := newFakeBoard()
	b.setItems(task.StatusInReview, reviewItem("T1", "https://example.test/acme/svc/pull/7"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, reviews)

	p.ForceSync(context.Background())

	merges := r.byAction(task.ActionMergeRequest)
	require.Len(t, merges, 1)
	assert.Equal(t, "T1", merges[0].TaskID)
	// Not DONE yet; that happens when the PR reads MERGED.
	assert.Equal(t, task.BoardStatus(""), b.statusOf("T1"))
}

func TestReviewFeedbackDeduplicated(t *testing.T) {
	comment := task.ReviewComment{ID: "c1", Author: "rev", Content: "rename foo to bar"}
	reviews := &fakeReviews{
		state:    task.ReviewChangesRequested,
		comments: []task.ReviewComment{comment},
	}
	b := newFakeBoard()
	b.setItems(task.StatusInReview, reviewItem("T1", "https://example.test/acme/svc/pull/7"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, reviews)

	p.ForceSync(context.Background())

	feedback := r.byAction(task.ActionProcessFeedback)
	require.Len(t, feedback, 1)
	require.Len(t, feedback[0].Comments, 1)
	assert.Equal(t, "c1", feedback[0].Comments[0].ID)

	// The same comment set must not be reissued.
	p.ForceSync(context.Background())
	assert.Len(t, r.byAction(task.ActionProcessFeedback), 1)

	// A genuinely new comment goes out.
	reviews.comments = append(reviews.comments,
		task.ReviewComment{ID: "c2", Author: "rev", Content: "also update docs"})
	p.ForceSync(context.Background())
	feedback = r.byAction(task.ActionProcessFeedback)
	require.Len(t, feedback, 2)
	require.Len(t, feedback[1].Comments, 1)
	assert.Equal(t, "c2", feedback[1].Comments[0].ID)
}

func TestFeedbackNotAcceptedLeavesCommentsUnprocessed(t *testing.T) {
	reviews := &fakeReviews{
		state:    task.ReviewChangesRequested,
		comments: []task.ReviewComment{{ID: "c1", Content: "fix it"}},
	}
	b := newFakeBoard()
	b.setItems(task.StatusInReview, reviewItem("T1", "https://example.test/acme/svc/pull/7"))
	r := newFakeRouter()
	r.responses[task.ActionProcessFeedback] = &task.Response{
		Status: task.ResponseRejected, WorkerStatus: "no_available_worker",
	}
	p := newTestPlanner(b, r, reviews)

	p.ForceSync(context.Background())
	p.ForceSync(context.Background())

	// Rejected feedback retries on every cycle until accepted.
	assert.Len(t, r.byAction(task.ActionProcessFeedback), 2)
}

func TestBoardResetReconciles(t *testing.T) {
	b := newFakeBoard()
	b.setItems(task.StatusTodo, todoItem("T1"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, &fakeReviews{state: task.ReviewPending})

	p.ForceSync(context.Background())
	require.Len(t, r.byAction(task.ActionStartNewTask), 1)

	// Item is still TODO next cycle (someone dragged it back): the
	// planner releases the worker and starts over.
	p.ForceSync(context.Background())
	assert.Equal(t, []string{"T1"}, r.released)
	assert.Len(t, r.byAction(task.ActionStartNewTask), 2)
}

func TestErrorLogBounded(t *testing.T) {
	b := newFakeBoard()
	r := newFakeRouter()
	p := newTestPlanner(b, r, &fakeReviews{state: task.ReviewPending})

	for i := range 20 {
		p.recordError("test", "", fmt.Errorf("boom %d", i))
	}

	errs := p.Status().Errors
	require.Len(t, errs, 5)
	assert.Equal(t, "boom 19", errs[4].Message)
	assert.Equal(t, "boom 15", errs[0].Message)
}

func TestStartStop(t *testing.T) {
	b := newFakeBoard()
	b.setItems(task.StatusTodo, todoItem("T1"))
	r := newFakeRouter()
	p := newTestPlanner(b, r, &fakeReviews{state: task.ReviewPending})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	// The first cycle runs immediately on start.
	deadline := time.After(2 * time.Second)
	for len(r.byAction(task.ActionStartNewTask)) == 0 {
		select {
		case <-deadline:
			t.Fatal("no cycle ran after Start")
		case <-time.After(10 * time.Millisecond):
		}
	}

	p.Stop()
	assert.False(t, p.Status().Running)
}
