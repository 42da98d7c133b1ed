// Package supervisor owns component lifecycle: construction in
// dependency order, a single stop path, and the system status surface.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/boardflow/internal/board"
	"github.com/randalmurphal/boardflow/internal/config"
	flowerrors "github.com/randalmurphal/boardflow/internal/errors"
	"github.com/randalmurphal/boardflow/internal/events"
	"github.com/randalmurphal/boardflow/internal/git"
	"github.com/randalmurphal/boardflow/internal/hosting"
	"github.com/randalmurphal/boardflow/internal/lock"
	"github.com/randalmurphal/boardflow/internal/planner"
	"github.com/randalmurphal/boardflow/internal/prompt"
	"github.com/randalmurphal/boardflow/internal/repocache"
	"github.com/randalmurphal/boardflow/internal/router"
	"github.com/randalmurphal/boardflow/internal/runner"
	"github.com/randalmurphal/boardflow/internal/server"
	"github.com/randalmurphal/boardflow/internal/state"
	"github.com/randalmurphal/boardflow/internal/state/driver"
	"github.com/randalmurphal/boardflow/internal/task"
	"github.com/randalmurphal/boardflow/internal/worker"
	"github.com/randalmurphal/boardflow/internal/workspace"

	// Provider adapters register themselves at init time.
	_ "github.com/randalmurphal/boardflow/internal/board/github"
	_ "github.com/randalmurphal/boardflow/internal/board/jira"
	_ "github.com/randalmurphal/boardflow/internal/hosting/github"
	_ "github.com/randalmurphal/boardflow/internal/hosting/gitlab"
)

// SystemStatus is the health snapshot the supervisor reports.
type SystemStatus struct {
	Running bool              `json:"running"`
	Planner planner.Status    `json:"planner"`
	Pool    worker.PoolStatus `json:"pool"`
}

// Supervisor wires and runs the orchestrator.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	events     *events.MemoryPublisher
	store      *state.Store
	locker     *lock.RepoLocker
	gitPort    git.Port
	boardPort  board.Port
	cache      *repocache.Cache
	workspaces *workspace.Manager
	dev        *runner.Runner
	pool       *worker.Pool
	router     *router.Router
	planner    *planner.Planner
	srv        *server.Server

	mu          sync.Mutex
	initialized bool
	running     bool

	cancel   context.CancelFunc
	stopOnce sync.Once
	srvGroup *errgroup.Group
	sigCh    chan os.Signal
	done     chan struct{}
}

// New creates a Supervisor. Initialize must succeed before Start.
func New(cfg *config.Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger, done: make(chan struct{})}
}

// Initialize builds every component in dependency order: state, locks,
// repository cache, workspaces, runner, pool, planner. Any failure is
// fatal.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return flowerrors.ErrInitializationFailed("configuration", err)
	}

	s.events = events.NewMemoryPublisher()

	store, err := state.Open(ctx, driver.Dialect(s.cfg.State.Dialect), s.cfg.State.DSN)
	if err != nil {
		return flowerrors.ErrInitializationFailed("state store", err)
	}
	s.store = store

	s.locker = lock.NewRepoLocker(s.logger)
	s.gitPort = git.NewCLI(s.logger, git.WithTimeout(s.cfg.Git.OperationTimeout))

	s.boardPort, err = s.buildBoardProvider()
	if err != nil {
		return flowerrors.ErrInitializationFailed("board provider", err)
	}

	s.cache = repocache.New(s.gitPort, s.locker, s.logger, repocache.Options{
		Root:          filepath.Join(filepath.Dir(s.cfg.WorkspaceRoot), "repos"),
		CloneDepth:    s.cfg.Git.CloneDepth,
		FetchInterval: s.cfg.Git.FetchInterval,
		CloneURL:      repocache.DefaultCloneURL(s.cloneBaseURL()),
	})

	s.workspaces = workspace.New(s.cfg.WorkspaceRoot, s.gitPort, s.cache, s.locker, s.logger).
		WithStore(store.Workspaces()).
		WithDefaultBranchResolver(s.boardPort)
	if err := s.workspaces.Restore(ctx); err != nil {
		s.logger.Warn("workspace restore failed", "error", err)
	}

	s.dev = runner.New(runner.Options{
		Path:                   s.cfg.Developer.Path,
		Args:                   s.cfg.Developer.Args,
		Env:                    flattenEnv(s.cfg.Developer.Env),
		Timeout:                s.cfg.Developer.Timeout,
		GracefulCleanupTimeout: s.cfg.Developer.GracefulCleanupTimeout,
		ForceKillTimeout:       s.cfg.Developer.ForceKillTimeout,
	}, s.logger)
	if err := s.dev.Initialize(ctx); err != nil {
		return fmt.Errorf("agent availability probe: %w", err)
	}

	prompts := prompt.NewBuilder(s.cfg.Developer.MaxContextLength)
	s.pool = worker.NewPool(s.cfg.Pool, s.workspaces, prompts, s.dev, s.events, store, s.logger)
	if err := s.pool.Initialize(ctx); err != nil {
		return flowerrors.ErrInitializationFailed("worker pool", err)
	}

	s.router = router.New(s.pool, s.events, s.cfg.Repositories.Default, s.logger)

	s.planner = planner.New(s.cfg.Planner, s.boardPort, s.reviewResolver(), s.router, store, s.events, s.logger,
		planner.WithRepositoryFilter(s.cfg.RepositoryAllowed),
		planner.WithPoolMaintainer(s.pool))
	if err := s.planner.Initialize(ctx); err != nil {
		return flowerrors.ErrInitializationFailed("planner", err)
	}

	if s.cfg.Server.Listen != "" {
		s.srv = server.New(s.cfg.Server.Listen, s, s.events, s.logger)
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	s.logger.Info("supervisor initialized",
		"board", s.boardPort.Name(), "workers", s.cfg.Pool.MinWorkers)
	return nil
}

// Start launches the planner loop, the optional operator server, and
// the termination signal handler.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return flowerrors.ErrNotAvailable("start")
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.planner.Start(runCtx)

	if s.srv != nil {
		s.srvGroup, _ = errgroup.WithContext(runCtx)
		s.srvGroup.Go(s.srv.Start)
	}

	s.sigCh = make(chan os.Signal, 1)
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-s.sigCh:
			s.logger.Info("termination signal received", "signal", sig)
			s.Stop(context.Background())
		case <-runCtx.Done():
		}
	}()

	s.logger.Info("boardflow started")
	return nil
}

// Stop tears components down in reverse dependency order: planner,
// pool, agent processes, then the rest. Safe to call more than once;
// errors during teardown are logged, never returned.
func (s *Supervisor) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping")
		if s.sigCh != nil {
			signal.Stop(s.sigCh)
		}

		if s.planner != nil {
			s.planner.Stop()
		}

		if s.pool != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGracePeriod)
			s.pool.Shutdown(shutdownCtx)
			cancel()
		}

		if s.dev != nil {
			if err := s.dev.Cleanup(); err != nil {
				s.logger.Warn("runner cleanup failed", "error", err)
			}
		}

		if s.srv != nil {
			if err := s.srv.Shutdown(ctx); err != nil {
				s.logger.Warn("server shutdown failed", "error", err)
			}
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.srvGroup != nil {
			if err := s.srvGroup.Wait(); err != nil {
				s.logger.Warn("server exited with error", "error", err)
			}
		}

		if s.events != nil {
			s.events.Close()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Warn("state store close failed", "error", err)
			}
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.done)
		s.logger.Info("stopped")
	})
}

// Run initializes, starts, and blocks until the context is cancelled
// or a termination signal stops the system.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		s.Stop(context.Background())
	case <-s.done:
	}
	return nil
}

// HandleTaskRequest routes one request through the task router. The
// operator surface for manual dispatch.
func (s *Supervisor) HandleTaskRequest(ctx context.Context, req *task.Request) *task.Response {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return &task.Response{
			Status:  task.ResponseRejected,
			Message: "supervisor is not running",
		}
	}
	return s.router.Handle(ctx, req)
}

// Status reports the system snapshot.
func (s *Supervisor) Status() SystemStatus {
	return SystemStatus{
		Running: s.Running(),
		Planner: s.PlannerStatus(),
		Pool:    s.PoolStatus(),
	}
}

// Running implements server.Backend.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PlannerStatus implements server.Backend.
func (s *Supervisor) PlannerStatus() planner.Status {
	if s.planner == nil {
		return planner.Status{}
	}
	return s.planner.Status()
}

// PoolStatus implements server.Backend.
func (s *Supervisor) PoolStatus() worker.PoolStatus {
	if s.pool == nil {
		return worker.PoolStatus{}
	}
	return s.pool.Status()
}

// Tasks implements server.Backend.
func (s *Supervisor) Tasks(ctx context.Context) ([]task.Task, error) {
	if s.store == nil {
		return nil, nil
	}
	return state.ListInto[task.Task](ctx, s.store, state.KindTask)
}

// ForceSync implements server.Backend.
func (s *Supervisor) ForceSync(ctx context.Context) {
	if s.planner != nil {
		s.planner.ForceSync(ctx)
	}
}

// buildBoardProvider maps config onto the board adapter registry.
func (s *Supervisor) buildBoardProvider() (board.Port, error) {
	provider := s.cfg.Board.Provider
	switch provider {
	case "github-projects", "github", "":
		provider = string(board.ProviderGitHub)
	case "jira":
		provider = string(board.ProviderJira)
	}

	tokenEnv := s.cfg.Board.TokenEnvVar
	if tokenEnv == "" {
		if provider == string(board.ProviderJira) {
			tokenEnv = "JIRA_TOKEN"
		} else {
			tokenEnv = "GITHUB_TOKEN"
		}
	}

	return board.NewProvider(board.Config{
		Provider: provider,
		BoardID:  s.cfg.Board.BoardID,
		BaseURL:  s.cfg.Board.BaseURL,
		Token:    os.Getenv(tokenEnv),
	})
}

// reviewResolver builds hosting providers lazily so "auto" detection
// can key off the first PR URL the planner sees. Providers are cached
// per type.
func (s *Supervisor) reviewResolver() planner.ReviewResolver {
	var mu sync.Mutex
	cache := make(map[hosting.ProviderType]hosting.Provider)

	return func(prURL string) (planner.ReviewSource, error) {
		pt := hosting.ProviderType(s.cfg.Hosting.Provider)
		if pt == "" || pt == "auto" {
			detected, err := hosting.DetectProvider(prURL, s.cfg.Hosting.BaseURL)
			if err != nil {
				return nil, err
			}
			pt = detected
		}

		mu.Lock()
		defer mu.Unlock()
		if p, ok := cache[pt]; ok {
			return p, nil
		}

		tokenEnv := s.cfg.Hosting.TokenEnvVar
		if tokenEnv == "" {
			if pt == hosting.ProviderGitLab {
				tokenEnv = "GITLAB_TOKEN"
			} else {
				tokenEnv = "GITHUB_TOKEN"
			}
		}

		p, err := hosting.NewProvider(hosting.Config{
			Provider: string(pt),
			BaseURL:  s.cfg.Hosting.BaseURL,
			Token:    os.Getenv(tokenEnv),
		}, prURL)
		if err != nil {
			return nil, err
		}
		cache[pt] = p
		return p, nil
	}
}

// cloneBaseURL picks where base clones come from: the hosting
// provider's base URL, or the public cloud matching the provider.
func (s *Supervisor) cloneBaseURL() string {
	if s.cfg.Hosting.BaseURL != "" {
		return s.cfg.Hosting.BaseURL
	}
	if s.cfg.Hosting.Provider == "gitlab" {
		return "https://gitlab.com"
	}
	return "https://github.com"
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
