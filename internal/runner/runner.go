// Package runner invokes the external agent CLI. Each execution gets
// the prompt on stdin, the task workspace as working directory, and a
// fresh process group so a timeout can take down the whole tree.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	flowerrors "github.com/randalmurphal/boardflow/internal/errors"
)

// ExecutionResult carries the raw outcome of one agent invocation.
type ExecutionResult struct {
	RawOutput string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
}

// Port is the agent-invocation interface consumed by workers.
type Port interface {
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, prompt, workspaceDir string) (*ExecutionResult, error)
	IsAvailable() bool
	SetTimeout(d time.Duration)
	Cleanup() error
}

// Options configures a Runner.
type Options struct {
	// Path is the agent binary, e.g. "claude".
	Path string
	// Args are passed on every invocation, before stdin is attached.
	Args []string
	// Env entries extend (never replace) the inherited environment.
	Env []string
	// Timeout bounds one execution wall-clock.
	Timeout time.Duration
	// GracefulCleanupTimeout is how long a process group gets between
	// SIGTERM and SIGKILL during shutdown cleanup.
	GracefulCleanupTimeout time.Duration
	// ForceKillTimeout is the SIGTERM→SIGKILL window after a timeout.
	ForceKillTimeout time.Duration
}

// Runner shells out to the agent CLI.
type Runner struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	timeout   time.Duration
	available bool
	children  map[int]*exec.Cmd
}

// New creates a Runner. Initialize must be called before Execute.
func New(opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Path == "" {
		opts.Path = "claude"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	if opts.GracefulCleanupTimeout <= 0 {
		opts.GracefulCleanupTimeout = 5 * time.Second
	}
	if opts.ForceKillTimeout <= 0 {
		opts.ForceKillTimeout = 200 * time.Millisecond
	}
	return &Runner{
		opts:     opts,
		logger:   logger,
		timeout:  opts.Timeout,
		children: make(map[int]*exec.Cmd),
	}
}

// Initialize probes the agent binary. A fast --help run is the primary
// check; a plain path lookup is the fallback for CLIs whose --help
// exits non-zero.
func (r *Runner) Initialize(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	probe := exec.CommandContext(probeCtx, r.opts.Path, "--help")
	probe.Stdout = nil
	probe.Stderr = nil
	if err := probe.Run(); err != nil {
		if _, lookErr := exec.LookPath(r.opts.Path); lookErr != nil {
			return flowerrors.ErrInitializationFailed("developer runner",
				fmt.Errorf("agent binary %q not found: %w", r.opts.Path, lookErr))
		}
		r.logger.Warn("agent --help probe failed, binary found on PATH",
			"path", r.opts.Path, "error", err)
	}

	r.mu.Lock()
	r.available = true
	r.mu.Unlock()
	return nil
}

// IsAvailable reports whether Initialize succeeded.
func (r *Runner) IsAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

// SetTimeout changes the per-execution timeout for future executions.
func (r *Runner) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

func (r *Runner) currentTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// Execute runs the agent in workspaceDir with prompt on stdin.
//
// The prompt goes through a temp file rather than a pipe so a crashed
// agent cannot leave us blocked on a write. The file is removed on
// every exit path.
func (r *Runner) Execute(ctx context.Context, prompt, workspaceDir string) (*ExecutionResult, error) {
	if !r.IsAvailable() {
		return nil, flowerrors.ErrNotAvailable("Execute")
	}

	promptFile, err := os.CreateTemp("", "boardflow-prompt-*.md")
	if err != nil {
		return nil, fmt.Errorf("create prompt file: %w", err)
	}
	defer os.Remove(promptFile.Name())

	if _, err := promptFile.WriteString(prompt); err != nil {
		promptFile.Close()
		return nil, fmt.Errorf("write prompt file: %w", err)
	}
	if _, err := promptFile.Seek(0, 0); err != nil {
		promptFile.Close()
		return nil, fmt.Errorf("rewind prompt file: %w", err)
	}
	defer promptFile.Close()

	timeout := r.currentTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(r.opts.Path, r.opts.Args...)
	cmd.Dir = workspaceDir
	cmd.Stdin = promptFile
	cmd.Env = append(os.Environ(), r.opts.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", r.opts.Path, err)
	}
	r.track(cmd)
	defer r.untrack(cmd)

	r.logger.Info("agent started",
		"path", r.opts.Path, "pid", cmd.Process.Pid,
		"workspace", workspaceDir, "timeout", timeout)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = runCtx.Err() == context.DeadlineExceeded
		r.terminateGroup(cmd, r.opts.ForceKillTimeout)
		waitErr = <-done
		if !timedOut {
			// Parent cancellation (shutdown), not a per-run timeout.
			return nil, fmt.Errorf("agent execution cancelled: %w", ctx.Err())
		}
	}

	result := &ExecutionResult{
		RawOutput: stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  cmd.ProcessState.ExitCode(),
		Duration:  time.Since(start),
	}

	if timedOut {
		return result, flowerrors.ErrTimeout(
			fmt.Sprintf("agent execution after %s", timeout), context.DeadlineExceeded)
	}
	if waitErr != nil {
		if killedBySignal(cmd.ProcessState) {
			return result, flowerrors.ErrProcessCrashed("",
				fmt.Errorf("signal kill, stderr: %s", truncate(result.Stderr, 500)))
		}
		return result, flowerrors.ErrExecutionFailed("",
			fmt.Errorf("exit code %d, stderr: %s", result.ExitCode, truncate(result.Stderr, 500)))
	}

	r.logger.Info("agent finished",
		"pid", cmd.Process.Pid, "duration", result.Duration,
		"output_bytes", len(result.RawOutput))
	return result, nil
}

func (r *Runner) track(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[cmd.Process.Pid] = cmd
}

func (r *Runner) untrack(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.children, cmd.Process.Pid)
}

// terminateGroup delivers SIGTERM to the process group, waits up to
// grace, then SIGKILLs. Already-exited processes are not an error.
func (r *Runner) terminateGroup(cmd *exec.Cmd, grace time.Duration) {
	pid := cmd.Process.Pid
	r.logger.Warn("terminating agent process group", "pid", pid, "grace", grace)

	if err := signalGroup(cmd, termSignal()); err != nil {
		return
	}

	deadline := time.After(grace)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = signalGroup(cmd, killSignal())
			return
		case <-tick.C:
			if !groupAlive(cmd) {
				return
			}
		}
	}
}

// Cleanup terminates every live child process group. Called by the
// supervisor during shutdown.
func (r *Runner) Cleanup() error {
	r.mu.Lock()
	live := make([]*exec.Cmd, 0, len(r.children))
	for _, cmd := range r.children {
		live = append(live, cmd)
	}
	r.available = false
	r.mu.Unlock()

	for _, cmd := range live {
		r.terminateGroup(cmd, r.opts.GracefulCleanupTimeout)
	}
	if len(live) > 0 {
		r.logger.Info("terminated live agent processes", "count", len(live))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
