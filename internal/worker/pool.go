package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/boardflow/internal/config"
	flowerrors "github.com/randalmurphal/boardflow/internal/errors"
	"github.com/randalmurphal/boardflow/internal/events"
	"github.com/randalmurphal/boardflow/internal/prompt"
	"github.com/randalmurphal/boardflow/internal/runner"
	"github.com/randalmurphal/boardflow/internal/state"
	"github.com/randalmurphal/boardflow/internal/task"
	"github.com/randalmurphal/boardflow/internal/workspace"
)

// PoolStatus is a point-in-time accounting of the pool.
type PoolStatus struct {
	Total   int      `json:"total"`
	Idle    int      `json:"idle"`
	Waiting int      `json:"waiting"`
	Working int      `json:"working"`
	Stopped int      `json:"stopped"`
	Error   int      `json:"error"`
	Workers []Record `json:"workers"`
}

// Pool owns every Worker instance. Structural changes (membership)
// are guarded by one mutex; per-worker state is guarded by the worker
// itself.
type Pool struct {
	cfg        config.PoolConfig
	workspaces *workspace.Manager
	prompts    *prompt.Builder
	dev        runner.Port
	events     events.Publisher
	store      *state.Store
	logger     *slog.Logger

	// execCtx outlives any planner cycle: executions started from a
	// cycle must only be cancelled by pool shutdown.
	execCtx    context.Context
	execCancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*Worker
	wg      sync.WaitGroup
	closed  bool
}

// NewPool creates a worker pool. Initialize must run before any
// assignment.
func NewPool(cfg config.PoolConfig, workspaces *workspace.Manager, prompts *prompt.Builder, dev runner.Port, pub events.Publisher, store *state.Store, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	execCtx, execCancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		workspaces: workspaces,
		prompts:    prompts,
		dev:        dev,
		events:     pub,
		store:      store,
		logger:     logger,
		execCtx:    execCtx,
		execCancel: execCancel,
		workers:    make(map[string]*Worker),
	}
}

// Initialize restores persisted workers, then tops the pool up to
// MinWorkers. Idempotent.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store != nil {
		records, err := state.ListInto[Record](ctx, p.store, state.KindWorker)
		if err != nil {
			return fmt.Errorf("restore workers: %w", err)
		}
		for _, rec := range records {
			if _, exists := p.workers[rec.ID]; exists {
				continue
			}
			w := p.newPoolWorkerLocked(rec.ID)
			// Anything mid-flight when we died comes back STOPPED so
			// the recovery scan can resume it.
			w.status = StatusStopped
			if rec.Status == StatusIdle {
				w.status = StatusIdle
			}
			w.pullRequestURL = rec.PullRequestURL
			w.completed = rec.Completed
			w.progress = rec.Progress
			w.createdAt = rec.CreatedAt
			w.lastActiveAt = rec.LastActiveAt
			if rec.TaskID != "" {
				w.currentTask = &task.Task{
					ID:             rec.TaskID,
					RepositoryID:   rec.RepositoryID,
					Action:         task.ActionResumeTask,
					PullRequestURL: rec.PullRequestURL,
				}
			}
			p.workers[rec.ID] = w
			p.logger.Info("restored worker", "worker", rec.ID, "status", w.status, "task", rec.TaskID)
		}
	}

	for len(p.workers) < p.cfg.MinWorkers {
		w := p.createWorkerLocked()
		p.logger.Info("created worker", "worker", w.ID())
	}
	return nil
}

func (p *Pool) newPoolWorkerLocked(id string) *Worker {
	w := newWorker(id, p.workspaces, p.prompts, p.dev, p.events, p.logger)
	w.onChange = p.persistWorker
	return w
}

func (p *Pool) createWorkerLocked() *Worker {
	id := "worker-" + uuid.NewString()[:8]
	w := p.newPoolWorkerLocked(id)
	p.workers[id] = w
	_ = p.persistWorker(w)
	return w
}

// persistWorker is the worker onChange hook.
func (p *Pool) persistWorker(w *Worker) error {
	if p.store == nil {
		return nil
	}
	if err := p.store.Put(context.Background(), state.KindWorker, w.ID(), w.Snapshot()); err != nil {
		p.logger.Warn("worker persistence failed", "worker", w.ID(), "error", err)
		return err
	}
	return nil
}

// GetAvailableWorker returns an IDLE worker, lazily growing the pool
// up to MaxWorkers. Returns an error when the pool is exhausted.
func (p *Pool) GetAvailableWorker() (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.Status() == StatusIdle {
			return w, nil
		}
	}
	if len(p.workers) < p.cfg.MaxWorkers {
		w := p.createWorkerLocked()
		p.logger.Info("grew pool", "worker", w.ID(), "size", len(p.workers))
		return w, nil
	}
	return nil, flowerrors.ErrNoAvailableWorker()
}

// GetWorkerByTaskID returns the single worker bound to taskID.
func (p *Pool) GetWorkerByTaskID(taskID string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.TaskID() == taskID {
			return w, true
		}
	}
	return nil, false
}

// AssignWorkerTask binds a task to a specific worker.
func (p *Pool) AssignWorkerTask(workerID string, t *task.Task) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %s not in pool", workerID)
	}
	return w.AssignTask(t)
}

// StartExecution runs the worker's bound task on a pool-tracked
// goroutine. The result callback fires when execution settles.
// Execution runs under the pool's own lifetime context, never the
// caller's: a planner cycle ending must not kill the agent it started.
func (p *Pool) StartExecution(workerID string, done func(*task.Response, error)) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok || p.closed {
		p.mu.Unlock()
		return fmt.Errorf("worker %s not in pool", workerID)
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		res, err := w.Execute(p.execCtx)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

// ReleaseWorker unbinds a worker and returns it to IDLE.
func (p *Pool) ReleaseWorker(ctx context.Context, workerID string) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	p.mu.Unlock()
	if ok {
		w.Release(ctx)
	}
}

// RecoverStoppedWorkers returns STOPPED workers older than the full
// recovery timeout to service.
func (p *Pool) RecoverStoppedWorkers() int {
	return p.recover(StatusStopped, p.cfg.RecoveryTimeout)
}

// RecoverErrorWorkers returns ERROR workers older than half the
// recovery timeout to service.
func (p *Pool) RecoverErrorWorkers() int {
	return p.recover(StatusError, p.cfg.RecoveryTimeout/2)
}

func (p *Pool) recover(status Status, after time.Duration) int {
	p.mu.Lock()
	candidates := make([]*Worker, 0)
	for _, w := range p.workers {
		if w.Status() == status && time.Since(w.LastActiveAt()) >= after {
			candidates = append(candidates, w)
		}
	}
	p.mu.Unlock()

	recovered := 0
	for _, w := range candidates {
		if w.Recover() {
			recovered++
			p.logger.Info("recovered worker", "worker", w.ID(), "from", status)
		}
	}
	return recovered
}

// RetireIdleWorkers drops workers idle past IdleTimeout, keeping at
// least MinPersistentWorkers (and never below MinWorkers).
func (p *Pool) RetireIdleWorkers(ctx context.Context) int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	floor := p.cfg.MinPersistentWorkers
	if floor < p.cfg.MinWorkers {
		floor = p.cfg.MinWorkers
	}

	p.mu.Lock()
	var retire []*Worker
	for _, w := range p.workers {
		if len(p.workers)-len(retire) <= floor {
			break
		}
		if w.Status() == StatusIdle && time.Since(w.LastActiveAt()) >= p.cfg.IdleTimeout {
			retire = append(retire, w)
		}
	}
	for _, w := range retire {
		delete(p.workers, w.ID())
	}
	p.mu.Unlock()

	for _, w := range retire {
		p.dropWorkerState(ctx, w)
		p.logger.Info("retired idle worker", "worker", w.ID())
	}
	return len(retire)
}

func (p *Pool) dropWorkerState(ctx context.Context, w *Worker) {
	if p.store == nil {
		return
	}
	if err := p.store.Delete(ctx, state.KindWorker, w.ID()); err != nil {
		p.logger.Warn("worker record removal failed", "worker", w.ID(), "error", err)
	}
}

// Status returns the pool accounting. The counts always sum to Total.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStatus{Total: len(p.workers)}
	for _, w := range p.workers {
		rec := w.Snapshot()
		st.Workers = append(st.Workers, rec)
		switch rec.Status {
		case StatusIdle:
			st.Idle++
		case StatusWaiting:
			st.Waiting++
		case StatusWorking:
			st.Working++
		case StatusStopped:
			st.Stopped++
		case StatusError:
			st.Error++
		}
	}
	return st
}

// Shutdown waits for WORKING workers up to the deadline in ctx, then
// cancels their executions and clears the pool.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline reached, cancelling in-flight executions")
		p.execCancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			p.logger.Error("executions still running after cancellation")
		}
	}
	p.execCancel()

	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[string]*Worker)
	p.mu.Unlock()

	for _, w := range workers {
		w.Pause()
	}
	p.logger.Info("worker pool shut down", "workers", len(workers))
}
