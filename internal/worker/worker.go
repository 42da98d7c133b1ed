// Package worker implements the per-task executor state machine and
// the bounded pool that owns every worker instance.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	flowerrors "github.com/randalmurphal/boardflow/internal/errors"
	"github.com/randalmurphal/boardflow/internal/events"
	"github.com/randalmurphal/boardflow/internal/parser"
	"github.com/randalmurphal/boardflow/internal/prompt"
	"github.com/randalmurphal/boardflow/internal/runner"
	"github.com/randalmurphal/boardflow/internal/task"
	"github.com/randalmurphal/boardflow/internal/workspace"
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusWaiting Status = "WAITING"
	StatusWorking Status = "WORKING"
	StatusStopped Status = "STOPPED"
	StatusError   Status = "ERROR"
)

// Record is the persisted snapshot of one worker.
type Record struct {
	ID             string    `json:"id"`
	Status         Status    `json:"status"`
	TaskID         string    `json:"task_id,omitempty"`
	RepositoryID   string    `json:"repository_id,omitempty"`
	PullRequestURL string    `json:"pull_request_url,omitempty"`
	Completed      bool      `json:"completed,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Progress       string    `json:"progress,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

// Worker executes one task at a time: workspace setup, prompt build,
// agent invocation, output parsing.
type Worker struct {
	id string

	workspaces *workspace.Manager
	prompts    *prompt.Builder
	dev        runner.Port
	events     events.Publisher
	logger     *slog.Logger

	mu             sync.Mutex
	status         Status
	prevStatus     Status
	currentTask    *task.Task
	pullRequestURL string
	completed      bool
	lastError      string
	progress       string
	createdAt      time.Time
	lastActiveAt   time.Time

	onChange func(*Worker) error // pool persistence hook
}

// newWorker is called by the pool; workers never exist outside one.
func newWorker(id string, workspaces *workspace.Manager, prompts *prompt.Builder, dev runner.Port, pub events.Publisher, logger *slog.Logger) *Worker {
	now := time.Now()
	return &Worker{
		id:           id,
		workspaces:   workspaces,
		prompts:      prompts,
		dev:          dev,
		events:       pub,
		logger:       logger.With("worker", id),
		status:       StatusIdle,
		createdAt:    now,
		lastActiveAt: now,
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// Status returns the current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// TaskID returns the bound task's id, or "".
func (w *Worker) TaskID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentTask == nil {
		return ""
	}
	return w.currentTask.ID
}

// PullRequestURL returns the PR the worker opened for its task, or "".
func (w *Worker) PullRequestURL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pullRequestURL
}

// Completed reports that the bound task's execution finished. Together
// with an empty PR URL it marks a task that is done without a review
// phase; status checks must surface that as terminal instead of
// polling forever.
func (w *Worker) Completed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.completed
}

// Snapshot returns the persistable view of the worker.
func (w *Worker) Snapshot() Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Worker) snapshotLocked() Record {
	rec := Record{
		ID:             w.id,
		Status:         w.status,
		PullRequestURL: w.pullRequestURL,
		Completed:      w.completed,
		LastError:      w.lastError,
		Progress:       w.progress,
		CreatedAt:      w.createdAt,
		LastActiveAt:   w.lastActiveAt,
	}
	if w.currentTask != nil {
		rec.TaskID = w.currentTask.ID
		rec.RepositoryID = w.currentTask.RepositoryID
	}
	return rec
}

func (w *Worker) touchLocked() {
	w.lastActiveAt = time.Now()
}

func (w *Worker) notifyChange() {
	if w.onChange != nil {
		// Persistence failures outside assignment are logged by the
		// pool hook itself; state converges on the next change.
		_ = w.onChange(w)
	}
}

func (w *Worker) emitState(taskID string, from, to Status) {
	if w.events == nil {
		return
	}
	w.events.Publish(events.NewEvent(events.EventWorkerState, taskID, events.WorkerStateData{
		WorkerID: w.id,
		From:     string(from),
		To:       string(to),
		TaskID:   taskID,
	}))
}

// AssignTask binds a task to the worker: IDLE (or re-assignment from
// WAITING on the same task) → WAITING. A WORKING worker rejects. On
// any failure the previous status and binding are restored.
func (w *Worker) AssignTask(t *task.Task) error {
	w.mu.Lock()

	switch w.status {
	case StatusWorking:
		w.mu.Unlock()
		return flowerrors.ErrWorkerBusy(w.id)
	case StatusWaiting:
		if w.currentTask != nil && w.currentTask.ID != t.ID {
			id := w.currentTask.ID
			w.mu.Unlock()
			return fmt.Errorf("worker %s is bound to task %s, cannot take %s", w.id, id, t.ID)
		}
	}

	prevStatus, prevTask := w.status, w.currentTask
	w.status = StatusWaiting
	w.currentTask = t
	w.completed = false
	w.lastError = ""
	w.touchLocked()
	w.mu.Unlock()

	if err := w.persistAssignment(); err != nil {
		w.mu.Lock()
		w.status = prevStatus
		w.currentTask = prevTask
		w.mu.Unlock()
		return fmt.Errorf("assign task %s to worker %s: %w", t.ID, w.id, err)
	}

	w.emitState(t.ID, prevStatus, StatusWaiting)
	if w.events != nil {
		w.events.Publish(events.NewEvent(events.EventTaskProgress, t.ID, events.ProgressData{
			WorkerID: w.id,
			Stage:    "preparing",
			Message:  "task assigned",
		}))
	}
	return nil
}

// persistAssignment flushes the new binding through the pool hook.
// Split out so AssignTask's rollback path stays readable.
func (w *Worker) persistAssignment() error {
	if w.onChange == nil {
		return nil
	}
	return w.onChange(w)
}

// Execute runs the bound task's action to completion. WAITING →
// WORKING → (WAITING | IDLE | ERROR) per the outcome.
func (w *Worker) Execute(ctx context.Context) (*task.Response, error) {
	w.mu.Lock()
	if w.status != StatusWaiting || w.currentTask == nil {
		status := w.status
		w.mu.Unlock()
		return nil, fmt.Errorf("worker %s cannot execute from status %s", w.id, status)
	}
	t := w.currentTask
	w.status = StatusWorking
	w.touchLocked()
	w.mu.Unlock()
	w.notifyChange()
	w.emitState(t.ID, StatusWaiting, StatusWorking)

	res, err := w.runTask(ctx, t)
	if err != nil {
		w.mu.Lock()
		w.status = StatusError
		w.lastError = err.Error()
		w.touchLocked()
		w.mu.Unlock()
		w.notifyChange()
		w.emitState(t.ID, StatusWorking, StatusError)
		if w.events != nil {
			w.events.Publish(events.NewEvent(events.EventError, t.ID, events.ErrorData{
				Message: err.Error(),
			}))
		}
		return nil, err
	}
	return res, nil
}

// runTask does the workspace/prompt/agent sequence and applies the
// post-execution transition.
func (w *Worker) runTask(ctx context.Context, t *task.Task) (*task.Response, error) {
	info, err := w.prepareWorkspace(ctx, t)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	progress := w.progress
	w.mu.Unlock()

	promptText, err := w.prompts.Build(t, info, progress)
	if err != nil {
		return nil, err
	}

	w.logger.Info("executing task", "task", t.ID, "action", t.Action)
	execRes, err := w.dev.Execute(ctx, promptText, info.WorkspaceDir)
	if err != nil {
		return nil, err
	}

	parsed := parser.Parse(execRes.RawOutput)
	if !parsed.Success {
		return nil, flowerrors.ErrExecutionFailed(t.ID,
			fmt.Errorf("agent reported failure: %s", parsed.Summary))
	}

	return w.applyOutcome(ctx, t, parsed), nil
}

// prepareWorkspace creates/validates the worktree and instruction file.
// MERGE_REQUEST reuses the existing workspace when present and needs no
// new one otherwise (the agent merges via the PR URL).
func (w *Worker) prepareWorkspace(ctx context.Context, t *task.Task) (*workspace.Info, error) {
	if info, ok := w.workspaces.Get(t.ID); ok && t.Action == task.ActionMergeRequest {
		return info, nil
	}
	if t.Action == task.ActionMergeRequest {
		return nil, nil
	}

	info, err := w.workspaces.CreateWorkspace(ctx, t.ID, t.RepositoryID, t.BoardItem)
	if err != nil {
		return nil, err
	}
	if err := w.workspaces.SetupWorktree(ctx, info); err != nil {
		return nil, err
	}
	if err := w.workspaces.SetupInstructionFile(ctx, info, t); err != nil {
		return nil, err
	}
	return info, nil
}

// applyOutcome performs the success transition. A worker that has
// opened a PR stays bound to its task until the merge completes, so
// review feedback reuses the prepared workspace.
func (w *Worker) applyOutcome(ctx context.Context, t *task.Task, parsed parser.Result) *task.Response {
	w.mu.Lock()
	if parsed.PullRequestURL != "" {
		w.pullRequestURL = parsed.PullRequestURL
	}
	if parsed.Summary != "" {
		w.progress = parsed.Summary
	}
	prURL := w.pullRequestURL
	w.mu.Unlock()

	if t.Action == task.ActionMergeRequest {
		w.logger.Info("task merged", "task", t.ID, "pr", prURL)
		w.releaseInternal(ctx, true)
		if w.events != nil {
			w.events.Publish(events.NewEvent(events.EventTaskComplete, t.ID, events.ProgressData{
				Stage:   "MERGED",
				Message: "merge completed",
			}))
		}
		return &task.Response{
			Status:         task.ResponseCompleted,
			Message:        "merge completed",
			WorkerStatus:   "merged",
			PullRequestURL: prURL,
		}
	}

	w.mu.Lock()
	w.status = StatusWaiting
	w.completed = true
	w.touchLocked()
	w.mu.Unlock()
	w.notifyChange()
	w.emitState(t.ID, StatusWorking, StatusWaiting)

	if prURL != "" {
		if w.events != nil {
			w.events.Publish(events.NewEvent(events.EventPullRequest, t.ID, events.PullRequestData{
				URL:    prURL,
				Action: "created",
			}))
		}
		return &task.Response{
			Status:         task.ResponseCompleted,
			Message:        "pull request ready for review",
			WorkerStatus:   "waiting_for_review",
			PullRequestURL: prURL,
		}
	}

	return &task.Response{
		Status:       task.ResponseCompleted,
		Message:      "execution finished without a pull request",
		WorkerStatus: "completed",
	}
}

// Pause stops the worker, remembering its previous status for resume.
func (w *Worker) Pause() {
	w.mu.Lock()
	from := w.status
	if w.status != StatusStopped {
		w.prevStatus = w.status
		w.status = StatusStopped
		w.touchLocked()
	}
	taskID := ""
	if w.currentTask != nil {
		taskID = w.currentTask.ID
	}
	w.mu.Unlock()
	w.notifyChange()
	w.emitState(taskID, from, StatusStopped)
}

// Recover moves a STOPPED or ERROR worker back to WAITING (when it
// still holds a task) or IDLE. Returns false for other states.
func (w *Worker) Recover() bool {
	w.mu.Lock()
	if w.status != StatusStopped && w.status != StatusError {
		w.mu.Unlock()
		return false
	}
	from := w.status
	if w.currentTask != nil {
		w.status = StatusWaiting
		// Next execution resumes rather than restarts.
		w.currentTask.Action = task.ActionResumeTask
	} else {
		w.status = StatusIdle
	}
	w.lastError = ""
	w.touchLocked()
	to := w.status
	taskID := ""
	if w.currentTask != nil {
		taskID = w.currentTask.ID
	}
	w.mu.Unlock()
	w.notifyChange()
	w.emitState(taskID, from, to)
	return true
}

// Release unbinds the worker and cleans its workspace: any → IDLE.
func (w *Worker) Release(ctx context.Context) {
	w.releaseInternal(ctx, true)
}

func (w *Worker) releaseInternal(ctx context.Context, cleanup bool) {
	w.mu.Lock()
	from := w.status
	taskID := ""
	if w.currentTask != nil {
		taskID = w.currentTask.ID
	}
	w.currentTask = nil
	w.status = StatusIdle
	w.pullRequestURL = ""
	w.completed = false
	w.progress = ""
	w.lastError = ""
	w.touchLocked()
	w.mu.Unlock()

	if cleanup && taskID != "" {
		w.workspaces.CleanupWorkspace(ctx, taskID)
	}
	w.notifyChange()
	w.emitState(taskID, from, StatusIdle)
}

// LastActiveAt returns the time of the last state change.
func (w *Worker) LastActiveAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActiveAt
}
