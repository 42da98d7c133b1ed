// Package planner runs the reconciliation loop between the project
// board and the worker pool. Each cycle walks the lifecycle columns in
// a fixed order; a failing phase is logged and the remaining phases
// still run.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/boardflow/internal/board"
	"github.com/randalmurphal/boardflow/internal/config"
	"github.com/randalmurphal/boardflow/internal/events"
	"github.com/randalmurphal/boardflow/internal/state"
	"github.com/randalmurphal/boardflow/internal/task"
)

// RequestHandler dispatches task requests to workers. Implemented by
// the task router.
type RequestHandler interface {
	Handle(ctx context.Context, req *task.Request) *task.Response
	Release(ctx context.Context, taskID string)
}

// ReviewSource reads and acts on pull request reviews. A subset of the
// hosting provider.
type ReviewSource interface {
	GetReviewState(ctx context.Context, prURL string) (task.ReviewState, error)
	GetComments(ctx context.Context, prURL string, since time.Time) ([]task.ReviewComment, error)
	RequestMerge(ctx context.Context, prURL string) error
}

// ReviewResolver yields the review source for a PR URL. Lets the
// hosting provider be detected lazily from the first URL seen.
type ReviewResolver func(prURL string) (ReviewSource, error)

// PoolMaintainer is the slice of the worker pool the planner drives
// for recovery and retirement.
type PoolMaintainer interface {
	RecoverStoppedWorkers() int
	RecoverErrorWorkers() int
	RetireIdleWorkers(ctx context.Context) int
}

// ActiveTask is the planner's record of a task it has dispatched.
type ActiveTask struct {
	ItemID         string           `json:"item_id"`
	Status         task.BoardStatus `json:"status"`
	PullRequestURL string           `json:"pull_request_url,omitempty"`
	Retries        int              `json:"retries,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// State is the persisted planner state, restored on startup.
type State struct {
	LastSyncTime time.Time `json:"last_sync_time"`
	// ProcessedTasks holds task IDs that reached a terminal outcome
	// (done or demoted); they are never dispatched again.
	ProcessedTasks map[string]bool `json:"processed_tasks,omitempty"`
	// ActiveTasks are tasks currently bound to workers.
	ActiveTasks map[string]*ActiveTask `json:"active_tasks,omitempty"`
	// ProcessedComments maps PR URL to the review comment IDs already
	// fed back to a worker.
	ProcessedComments map[string][]string `json:"processed_comments,omitempty"`
}

func newState() *State {
	return &State{
		ProcessedTasks:    make(map[string]bool),
		ActiveTasks:       make(map[string]*ActiveTask),
		ProcessedComments: make(map[string][]string),
	}
}

// ErrorEntry is one slot of the bounded planner error log.
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Phase   string    `json:"phase"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
}

// Status is the planner's health snapshot.
type Status struct {
	Running      bool             `json:"running"`
	LastSyncTime time.Time        `json:"last_sync_time"`
	ActiveTasks  int              `json:"active_tasks"`
	LastCycle    events.CycleData `json:"last_cycle"`
	Errors       []ErrorEntry     `json:"errors,omitempty"`
}

// Planner reconciles board state with worker state.
type Planner struct {
	cfg     config.PlannerConfig
	board   board.Port
	reviews ReviewResolver
	router  RequestHandler
	store   *state.Store
	events  events.Publisher
	logger  *slog.Logger

	allowed func(repositoryID string) bool
	pool    PoolMaintainer

	mu        sync.Mutex
	st        *State
	errorLog  []ErrorEntry
	lastCycle events.CycleData
	running   bool

	// cycleMu serializes cycles: the ticker loop and forceSync never
	// overlap.
	cycleMu  sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Planner.
type Option func(*Planner)

// WithRepositoryFilter restricts dispatch to allowed repositories.
func WithRepositoryFilter(allowed func(repositoryID string) bool) Option {
	return func(p *Planner) { p.allowed = allowed }
}

// WithPoolMaintainer lets cycles drive worker recovery and idle
// retirement.
func WithPoolMaintainer(pm PoolMaintainer) Option {
	return func(p *Planner) { p.pool = pm }
}

// New creates a Planner.
func New(cfg config.PlannerConfig, boardPort board.Port, reviews ReviewResolver, router RequestHandler, store *state.Store, pub events.Publisher, logger *slog.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Planner{
		cfg:     cfg,
		board:   boardPort,
		reviews: reviews,
		router:  router,
		store:   store,
		events:  pub,
		logger:  logger,
		st:      newState(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize restores persisted planner state.
func (p *Planner) Initialize(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	restored := newState()
	if _, err := p.store.Get(ctx, state.KindPlanner, state.PlannerStateKey, restored); err != nil {
		return fmt.Errorf("restore planner state: %w", err)
	}
	if restored.ProcessedTasks == nil {
		restored.ProcessedTasks = make(map[string]bool)
	}
	if restored.ActiveTasks == nil {
		restored.ActiveTasks = make(map[string]*ActiveTask)
	}
	if restored.ProcessedComments == nil {
		restored.ProcessedComments = make(map[string][]string)
	}

	p.mu.Lock()
	p.st = restored
	p.mu.Unlock()

	p.logger.Info("planner state restored",
		"active_tasks", len(restored.ActiveTasks),
		"last_sync", restored.LastSyncTime)
	return nil
}

// Start launches the monitoring loop. ctx cancellation stops it the
// same way Stop does.
func (p *Planner) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.MonitoringInterval)
		defer ticker.Stop()

		// First cycle runs immediately so a fresh start does not wait a
		// full interval.
		p.runCycle(ctx, false)
		for {
			select {
			case <-ticker.C:
				p.runCycle(ctx, false)
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ceases new cycles and waits for the in-flight one.
func (p *Planner) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// ForceSync runs one cycle synchronously.
func (p *Planner) ForceSync(ctx context.Context) {
	p.runCycle(ctx, true)
}

// Status reports the planner's current health.
func (p *Planner) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := make([]ErrorEntry, len(p.errorLog))
	copy(errs, p.errorLog)
	return Status{
		Running:      p.running,
		LastSyncTime: p.st.LastSyncTime,
		ActiveTasks:  len(p.st.ActiveTasks),
		LastCycle:    p.lastCycle,
		Errors:       errs,
	}
}

// runCycle executes the four reconciliation phases under the cycle
// timeout. Each phase is fault-isolated.
func (p *Planner) runCycle(parent context.Context, forced bool) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx := parent
	cancel := context.CancelFunc(func() {})
	if p.cfg.CycleTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, p.cfg.CycleTimeout)
	}
	defer cancel()

	start := time.Now()
	cycle := events.CycleData{ForcedByUser: forced}

	if p.pool != nil {
		p.maintainPool(ctx)
	}

	if err := p.handleNewTasks(ctx, &cycle); err != nil {
		p.recordError("new_tasks", "", err)
	}
	if err := p.handleInProgressTasks(ctx, &cycle); err != nil {
		p.recordError("in_progress", "", err)
	}
	if err := p.handleReviewTasks(ctx, &cycle); err != nil {
		p.recordError("review", "", err)
	}

	p.mu.Lock()
	p.st.LastSyncTime = start.UTC()
	cycle.Errors = len(p.errorLog)
	cycle.Duration = time.Since(start)
	p.lastCycle = cycle
	p.mu.Unlock()

	if err := p.persistState(ctx); err != nil {
		p.recordError("persist", "", err)
	}

	if p.events != nil {
		p.events.Publish(events.NewEvent(events.EventPlannerCycle, events.GlobalTaskID, cycle))
	}
	p.logger.Debug("planner cycle finished",
		"new", cycle.NewTasks, "in_progress", cycle.InProgress,
		"in_review", cycle.InReview, "duration", cycle.Duration, "forced", forced)
}

func (p *Planner) maintainPool(ctx context.Context) {
	if n := p.pool.RecoverStoppedWorkers(); n > 0 {
		p.logger.Info("recovered stopped workers", "count", n)
	}
	if n := p.pool.RecoverErrorWorkers(); n > 0 {
		p.logger.Info("recovered errored workers", "count", n)
	}
	if n := p.pool.RetireIdleWorkers(ctx); n > 0 {
		p.logger.Debug("retired idle workers", "count", n)
	}
}

// handleNewTasks dispatches TODO items that are not yet active.
func (p *Planner) handleNewTasks(ctx context.Context, cycle *events.CycleData) error {
	items, err := p.board.GetItems(ctx, task.StatusTodo)
	if err != nil {
		return fmt.Errorf("fetch TODO items: %w", err)
	}

	for i := range items {
		item := items[i]

		p.mu.Lock()
		_, active := p.st.ActiveTasks[item.ID]
		processed := p.st.ProcessedTasks[item.ID]
		p.mu.Unlock()

		if active {
			// Board says TODO while we hold a worker. Board truth wins:
			// drop our binding and start over.
			p.logger.Warn("board reset an active task to TODO, reconciling",
				"task", item.ID)
			p.router.Release(ctx, item.ID)
			p.mu.Lock()
			delete(p.st.ActiveTasks, item.ID)
			p.mu.Unlock()
		}
		if processed {
			continue
		}
		if p.allowed != nil && item.Repository != "" && !p.allowed(item.Repository) {
			p.logger.Warn("skipping item for disallowed repository",
				"task", item.ID, "repository", item.Repository)
			continue
		}

		resp := p.router.Handle(ctx, &task.Request{
			TaskID:    item.ID,
			Action:    task.ActionStartNewTask,
			BoardItem: &item,
		})
		if resp.Status != task.ResponseAccepted {
			p.logger.Debug("start request not accepted",
				"task", item.ID, "status", resp.Status, "message", resp.Message)
			continue
		}

		if err := p.board.UpdateItemStatus(ctx, item.ID, task.StatusInProgress); err != nil {
			p.recordError("new_tasks", item.ID, fmt.Errorf("move %s to IN_PROGRESS: %w", item.ID, err))
		}
		p.mu.Lock()
		p.st.ActiveTasks[item.ID] = &ActiveTask{
			ItemID:    item.ID,
			Status:    task.StatusInProgress,
			UpdatedAt: time.Now().UTC(),
		}
		p.mu.Unlock()
		cycle.NewTasks++
	}
	return nil
}

// handleInProgressTasks polls workers bound to IN_PROGRESS tasks.
func (p *Planner) handleInProgressTasks(ctx context.Context, cycle *events.CycleData) error {
	for _, taskID := range p.activeTasksByStatus(task.StatusInProgress) {
		cycle.InProgress++

		resp := p.router.Handle(ctx, &task.Request{
			TaskID: taskID,
			Action: task.ActionCheckStatus,
		})

		switch {
		case resp.Status == task.ResponseCompleted && resp.PullRequestURL != "":
			p.promoteToReview(ctx, taskID, resp.PullRequestURL)

		case resp.Status == task.ResponseCompleted:
			// No PR to review: either the merge path finished or the
			// agent completed the task without opening one. Terminal
			// either way.
			p.finishTask(ctx, taskID)

		case resp.Status == task.ResponseError:
			p.recordError("in_progress", taskID, fmt.Errorf("%s", resp.Message))
			p.bumpRetries(ctx, taskID)
		}
	}
	return nil
}

// promoteToReview moves a task to IN_REVIEW and attaches its PR URL.
func (p *Planner) promoteToReview(ctx context.Context, taskID, prURL string) {
	if err := p.board.UpdateItemStatus(ctx, taskID, task.StatusInReview); err != nil {
		p.recordError("in_progress", taskID, fmt.Errorf("move to IN_REVIEW: %w", err))
		return
	}
	if err := p.board.AddPullRequestToItem(ctx, taskID, prURL); err != nil {
		p.recordError("in_progress", taskID, fmt.Errorf("attach PR: %w", err))
	}

	p.mu.Lock()
	if at, ok := p.st.ActiveTasks[taskID]; ok {
		at.Status = task.StatusInReview
		at.PullRequestURL = prURL
		at.Retries = 0
		at.UpdatedAt = time.Now().UTC()
	}
	p.mu.Unlock()
	p.logger.Info("task in review", "task", taskID, "pr", prURL)
}

// bumpRetries counts a failed cycle against the task and demotes it to
// a terminal failure once the budget is spent. The board item stays
// IN_PROGRESS for the operator to triage.
func (p *Planner) bumpRetries(ctx context.Context, taskID string) {
	p.mu.Lock()
	at, ok := p.st.ActiveTasks[taskID]
	if !ok {
		p.mu.Unlock()
		return
	}
	at.Retries++
	exhausted := at.Retries > p.cfg.MaxRetryAttempts
	if exhausted {
		delete(p.st.ActiveTasks, taskID)
		p.st.ProcessedTasks[taskID] = true
	}
	p.mu.Unlock()

	if !exhausted {
		return
	}
	p.logger.Error("task demoted after repeated failures",
		"task", taskID, "attempts", p.cfg.MaxRetryAttempts)
	p.router.Release(ctx, taskID)
	if p.events != nil {
		p.events.Publish(events.NewEvent(events.EventError, taskID, events.ErrorData{
			Phase:   "in_progress",
			Message: "task demoted after repeated failures",
		}))
	}
}

// handleReviewTasks advances IN_REVIEW tasks from their PR state.
func (p *Planner) handleReviewTasks(ctx context.Context, cycle *events.CycleData) error {
	items, err := p.board.GetItems(ctx, task.StatusInReview)
	if err != nil {
		return fmt.Errorf("fetch IN_REVIEW items: %w", err)
	}

	since := p.lastSync()
	for i := range items {
		item := items[i]
		cycle.InReview++

		prURL := p.pullRequestURL(&item)
		if prURL == "" {
			p.logger.Warn("review item has no pull request URL", "task", item.ID)
			continue
		}
		p.adoptReviewTask(item.ID, prURL)

		reviews, err := p.reviews(prURL)
		if err != nil {
			p.recordError("review", item.ID, fmt.Errorf("resolve review source: %w", err))
			continue
		}
		reviewState, err := reviews.GetReviewState(ctx, prURL)
		if err != nil {
			p.recordError("review", item.ID, fmt.Errorf("review state for %s: %w", prURL, err))
			continue
		}

		switch reviewState {
		case task.ReviewMerged:
			p.finishTask(ctx, item.ID)

		case task.ReviewApproved:
			p.mergeApproved(ctx, &item, reviews, prURL)

		case task.ReviewChangesRequested:
			p.dispatchFeedback(ctx, &item, reviews, prURL, since)
		}
	}
	return nil
}

// mergeApproved merges an approved PR, preferring the provider API and
// falling back to an agent-driven merge via the router.
func (p *Planner) mergeApproved(ctx context.Context, item *task.BoardItem, reviews ReviewSource, prURL string) {
	err := reviews.RequestMerge(ctx, prURL)
	if err == nil {
		p.logger.Info("merged approved pull request", "task", item.ID, "pr", prURL)
		p.finishTask(ctx, item.ID)
		return
	}
	p.logger.Debug("provider merge unavailable, delegating to agent",
		"task", item.ID, "error", err)

	resp := p.router.Handle(ctx, &task.Request{
		TaskID:         item.ID,
		Action:         task.ActionMergeRequest,
		BoardItem:      item,
		PullRequestURL: prURL,
	})
	if resp.Status != task.ResponseAccepted {
		p.recordError("review", item.ID,
			fmt.Errorf("merge request not accepted: %s", resp.Message))
	}
	// Completion is observed as ReviewMerged on a later cycle.
}

// dispatchFeedback sends unprocessed reviewer comments to the task's
// worker.
func (p *Planner) dispatchFeedback(ctx context.Context, item *task.BoardItem, reviews ReviewSource, prURL string, since time.Time) {
	comments, err := reviews.GetComments(ctx, prURL, since)
	if err != nil {
		p.recordError("review", item.ID, fmt.Errorf("comments for %s: %w", prURL, err))
		return
	}

	fresh := p.unprocessedComments(prURL, comments)
	if len(fresh) == 0 {
		return
	}

	resp := p.router.Handle(ctx, &task.Request{
		TaskID:         item.ID,
		Action:         task.ActionProcessFeedback,
		BoardItem:      item,
		PullRequestURL: prURL,
		Comments:       fresh,
	})
	if resp.Status != task.ResponseAccepted {
		p.recordError("review", item.ID,
			fmt.Errorf("feedback not accepted: %s", resp.Message))
		return
	}
	p.markCommentsProcessed(prURL, fresh)
	p.logger.Info("feedback dispatched", "task", item.ID, "comments", len(fresh))
}

// finishTask marks a task DONE on the board and drops every binding.
func (p *Planner) finishTask(ctx context.Context, taskID string) {
	if err := p.board.UpdateItemStatus(ctx, taskID, task.StatusDone); err != nil {
		p.recordError("review", taskID, fmt.Errorf("move to DONE: %w", err))
		return
	}
	p.router.Release(ctx, taskID)

	p.mu.Lock()
	var prURL string
	if at, ok := p.st.ActiveTasks[taskID]; ok {
		prURL = at.PullRequestURL
	}
	delete(p.st.ActiveTasks, taskID)
	p.st.ProcessedTasks[taskID] = true
	delete(p.st.ProcessedComments, prURL)
	p.mu.Unlock()

	if p.events != nil {
		p.events.Publish(events.NewEvent(events.EventTaskComplete, taskID, events.ProgressData{
			Stage: "done",
		}))
	}
	p.logger.Info("task done", "task", taskID)
}

// adoptReviewTask records an IN_REVIEW item the planner has no binding
// for (typically after a restart).
func (p *Planner) adoptReviewTask(taskID, prURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.st.ActiveTasks[taskID]; ok {
		return
	}
	if p.st.ProcessedTasks[taskID] {
		return
	}
	p.st.ActiveTasks[taskID] = &ActiveTask{
		ItemID:         taskID,
		Status:         task.StatusInReview,
		PullRequestURL: prURL,
		UpdatedAt:      time.Now().UTC(),
	}
}

// pullRequestURL picks the PR the review phase tracks: the planner's
// own record first, then the newest URL on the item.
func (p *Planner) pullRequestURL(item *task.BoardItem) string {
	p.mu.Lock()
	at, ok := p.st.ActiveTasks[item.ID]
	p.mu.Unlock()
	if ok && at.PullRequestURL != "" {
		return at.PullRequestURL
	}
	if n := len(item.PullRequestURLs); n > 0 {
		return item.PullRequestURLs[n-1]
	}
	return ""
}

func (p *Planner) unprocessedComments(prURL string, comments []task.ReviewComment) []task.ReviewComment {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(p.st.ProcessedComments[prURL]))
	for _, id := range p.st.ProcessedComments[prURL] {
		seen[id] = true
	}

	var fresh []task.ReviewComment
	for _, c := range comments {
		if !seen[c.ID] {
			fresh = append(fresh, c)
		}
	}
	return fresh
}

func (p *Planner) markCommentsProcessed(prURL string, comments []task.ReviewComment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range comments {
		p.st.ProcessedComments[prURL] = append(p.st.ProcessedComments[prURL], c.ID)
	}
}

func (p *Planner) activeTasksByStatus(status task.BoardStatus) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, at := range p.st.ActiveTasks {
		if at.Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Planner) lastSync() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.LastSyncTime
}

func (p *Planner) persistState(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	snapshot := *p.st
	p.mu.Unlock()
	if err := p.store.Put(ctx, state.KindPlanner, state.PlannerStateKey, &snapshot); err != nil {
		return fmt.Errorf("persist planner state: %w", err)
	}
	return nil
}

// recordError appends to the bounded error log and publishes an error
// event.
func (p *Planner) recordError(phase, taskID string, err error) {
	entry := ErrorEntry{
		Time:    time.Now().UTC(),
		Phase:   phase,
		TaskID:  taskID,
		Message: err.Error(),
	}

	p.mu.Lock()
	p.errorLog = append(p.errorLog, entry)
	if limit := p.cfg.ErrorLogSize; limit > 0 && len(p.errorLog) > limit {
		p.errorLog = p.errorLog[len(p.errorLog)-limit:]
	}
	p.mu.Unlock()

	p.logger.Error("planner phase error", "phase", phase, "task", taskID, "error", err)
	if p.events != nil {
		id := taskID
		if id == "" {
			id = events.GlobalTaskID
		}
		p.events.Publish(events.NewEvent(events.EventError, id, events.ErrorData{
			Phase:   phase,
			Message: err.Error(),
		}))
	}
}
