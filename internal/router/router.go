// Package router maps board-derived task requests onto worker pool
// actions. It is the single entry point between the planner and the
// pool, and enforces one-worker-per-task.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	flowerrors "github.com/randalmurphal/boardflow/internal/errors"
	"github.com/randalmurphal/boardflow/internal/events"
	"github.com/randalmurphal/boardflow/internal/task"
	"github.com/randalmurphal/boardflow/internal/worker"
)

// Router routes requests to workers.
type Router struct {
	pool   *worker.Pool
	events events.Publisher
	logger *slog.Logger

	// defaultRepository is used when neither the board item nor the PR
	// URL identifies the repository.
	defaultRepository string
}

// New creates a Router.
func New(pool *worker.Pool, pub events.Publisher, defaultRepository string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		pool:              pool,
		events:            pub,
		defaultRepository: defaultRepository,
		logger:            logger,
	}
}

// Handle routes one request and returns the router's verdict. Worker
// execution runs asynchronously; ACCEPTED means the task is underway,
// not finished.
func (r *Router) Handle(ctx context.Context, req *task.Request) *task.Response {
	if err := r.resolveRepository(req); err != nil {
		return errorResponse(err.Error())
	}

	switch req.Action {
	case task.ActionStartNewTask:
		return r.handleStart(req)
	case task.ActionProcessFeedback:
		return r.handleFeedback(req)
	case task.ActionMergeRequest:
		return r.handleMerge(req)
	case task.ActionCheckStatus:
		return r.handleCheckStatus(req)
	default:
		return errorResponse(fmt.Sprintf("unknown action %q", req.Action))
	}
}

// resolveRepository fills RepositoryID from the board item, the PR
// URL, or the configured default, in that order.
func (r *Router) resolveRepository(req *task.Request) error {
	if req.RepositoryID != "" {
		return nil
	}
	if req.BoardItem != nil && req.BoardItem.Repository != "" {
		req.RepositoryID = req.BoardItem.Repository
		return nil
	}
	if req.PullRequestURL != "" {
		repo, err := task.RepositoryFromPRURL(req.PullRequestURL)
		if err == nil {
			req.RepositoryID = repo
			return nil
		}
	}
	if r.defaultRepository != "" {
		req.RepositoryID = r.defaultRepository
		return nil
	}
	return fmt.Errorf("no repository for task %s", req.TaskID)
}

func (r *Router) handleStart(req *task.Request) *task.Response {
	if _, exists := r.pool.GetWorkerByTaskID(req.TaskID); exists {
		return &task.Response{
			Status:       task.ResponseAccepted,
			Message:      "task already has a worker",
			WorkerStatus: "already_processing",
		}
	}
	return r.assignAndStart(req, "processing")
}

func (r *Router) handleFeedback(req *task.Request) *task.Response {
	if w, exists := r.pool.GetWorkerByTaskID(req.TaskID); exists {
		if w.Status() == worker.StatusWorking {
			return &task.Response{
				Status:       task.ResponseAccepted,
				Message:      "worker is still executing",
				WorkerStatus: "already_processing",
			}
		}
		return r.startOnWorker(w, req, "processing_feedback")
	}
	// Worker was lost (restart, retirement); fall back to a fresh one.
	return r.assignAndStart(req, "processing_feedback")
}

func (r *Router) handleMerge(req *task.Request) *task.Response {
	if w, exists := r.pool.GetWorkerByTaskID(req.TaskID); exists {
		if w.Status() == worker.StatusWorking {
			return &task.Response{
				Status:       task.ResponseAccepted,
				Message:      "worker is still executing",
				WorkerStatus: "already_processing",
			}
		}
		return r.startOnWorker(w, req, "processing_merge")
	}
	resp := r.assignAndStart(req, "processing_merge")
	if resp.Status == task.ResponseRejected {
		// Merge requests surface exhaustion as an error so the planner
		// retries next cycle instead of dropping the approval.
		resp.Status = task.ResponseError
		resp.WorkerStatus = "no_available_worker"
	}
	return resp
}

func (r *Router) handleCheckStatus(req *task.Request) *task.Response {
	w, exists := r.pool.GetWorkerByTaskID(req.TaskID)
	if !exists {
		return &task.Response{
			Status:  task.ResponseError,
			Message: "no worker for task " + req.TaskID,
		}
	}

	status := w.Status()
	prURL := w.PullRequestURL()

	if status == worker.StatusWaiting && prURL != "" {
		return &task.Response{
			Status:         task.ResponseCompleted,
			Message:        "pull request awaiting review",
			WorkerStatus:   "waiting_for_review",
			PullRequestURL: prURL,
		}
	}
	if status == worker.StatusWaiting && w.Completed() {
		// Finished without opening a PR: terminal, no review phase.
		return &task.Response{
			Status:       task.ResponseCompleted,
			Message:      "execution finished without a pull request",
			WorkerStatus: "completed",
		}
	}

	switch status {
	case worker.StatusWorking:
		return &task.Response{Status: task.ResponseInProgress, Message: "worker executing", WorkerStatus: "working"}
	case worker.StatusError:
		return &task.Response{Status: task.ResponseError, Message: "worker in error state", WorkerStatus: "error"}
	case worker.StatusStopped:
		return &task.Response{Status: task.ResponseInProgress, Message: "worker stopped, pending recovery", WorkerStatus: "stopped"}
	default:
		return &task.Response{Status: task.ResponseInProgress, Message: "worker " + string(status), WorkerStatus: string(status)}
	}
}

// assignAndStart finds a free worker for the request and starts it.
func (r *Router) assignAndStart(req *task.Request, acceptedStatus string) *task.Response {
	w, err := r.pool.GetAvailableWorker()
	if err != nil {
		var fe *flowerrors.FlowError
		if errors.As(err, &fe) && fe.Code == flowerrors.CodeNoAvailableWorker {
			return &task.Response{
				Status:       task.ResponseRejected,
				Message:      "no available worker",
				WorkerStatus: "no_available_worker",
			}
		}
		return errorResponse(err.Error())
	}
	return r.startOnWorker(w, req, acceptedStatus)
}

// startOnWorker assigns the request's task to w and kicks off
// asynchronous execution under the pool's lifetime, not the caller's
// context: the dispatching cycle ends long before the agent does.
func (r *Router) startOnWorker(w *worker.Worker, req *task.Request, acceptedStatus string) *task.Response {
	t := req.ToTask()
	if err := r.pool.AssignWorkerTask(w.ID(), t); err != nil {
		return errorResponse(err.Error())
	}

	err := r.pool.StartExecution(w.ID(), func(_ *task.Response, execErr error) {
		if execErr != nil {
			r.logger.Error("task execution failed",
				"task", t.ID, "worker", w.ID(), "error", execErr)
		}
	})
	if err != nil {
		return errorResponse(err.Error())
	}

	if r.events != nil {
		r.events.Publish(events.NewEvent(events.EventTaskAccepted, t.ID, events.ProgressData{
			WorkerID: w.ID(),
			Stage:    acceptedStatus,
		}))
	}
	return &task.Response{
		Status:       task.ResponseAccepted,
		Message:      "task accepted",
		WorkerStatus: acceptedStatus,
	}
}

// Release unbinds and frees the worker holding taskID, if any. Used
// when the board reports the task finished outside the worker's own
// flow (externally merged PR, closed item).
func (r *Router) Release(ctx context.Context, taskID string) {
	w, exists := r.pool.GetWorkerByTaskID(taskID)
	if !exists {
		return
	}
	r.pool.ReleaseWorker(ctx, w.ID())
}

func errorResponse(msg string) *task.Response {
	return &task.Response{Status: task.ResponseError, Message: msg}
}
