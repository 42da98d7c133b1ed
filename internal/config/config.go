// Package config provides configuration management for boardflow.
package config

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
	// FlowDir is the boardflow configuration directory.
	FlowDir = ".boardflow"
)

// BoardConfig configures the project-board provider.
type BoardConfig struct {
	// Provider selects the board adapter: "github-projects" or "jira".
	Provider string `yaml:"provider"`
	// BoardID is the provider-specific board identifier
	// (project node ID for GitHub Projects, board ID for Jira).
	BoardID string `yaml:"board_id"`
	// BaseURL for self-hosted instances. Empty for the public cloud endpoints.
	BaseURL string `yaml:"base_url,omitempty"`
	// TokenEnvVar overrides the default token environment variable name.
	TokenEnvVar string `yaml:"token_env_var,omitempty"`
}

// HostingConfig configures the PR/review provider.
type HostingConfig struct {
	// Provider: "github", "gitlab", or "auto" (detect from PR URLs).
	Provider string `yaml:"provider"`
	// BaseURL for self-hosted instances.
	BaseURL string `yaml:"base_url,omitempty"`
	// TokenEnvVar overrides the default token environment variable name.
	TokenEnvVar string `yaml:"token_env_var,omitempty"`
}

// GitConfig configures git operations.
type GitConfig struct {
	// CloneDepth for shallow clones. 0 means full clone.
	CloneDepth int `yaml:"clone_depth"`
	// OperationTimeout bounds every git subprocess invocation.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// FetchInterval is how long a cached repository stays fresh before the
	// next ensure-for-fetch triggers a fetch.
	FetchInterval time.Duration `yaml:"fetch_interval"`
	// DefaultBaseBranch is the final fallback when neither the board item nor
	// the provider yields a base branch.
	DefaultBaseBranch string `yaml:"default_base_branch"`
}

// DeveloperConfig configures the external coding-agent CLI.
type DeveloperConfig struct {
	// Type names the agent; currently "claude" is the only built-in runner.
	Type string `yaml:"type"`
	// Path to the agent binary.
	Path string `yaml:"path"`
	// Args are extra arguments appended to every invocation.
	Args []string `yaml:"args,omitempty"`
	// Timeout is the wall-clock limit for one agent invocation.
	Timeout time.Duration `yaml:"timeout"`
	// GracefulCleanupTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulCleanupTimeout time.Duration `yaml:"graceful_cleanup_timeout"`
	// ForceKillTimeout bounds the whole terminate-then-kill sequence.
	ForceKillTimeout time.Duration `yaml:"force_kill_timeout"`
	// MaxContextLength is the prompt size above which long sections are
	// split into workspace files referenced by @path.
	MaxContextLength int `yaml:"max_context_length"`
	// Env holds extra environment variables for the agent process
	// (extends, never replaces, the parent environment).
	Env map[string]string `yaml:"env,omitempty"`
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`
	// RecoveryTimeout is the full recovery window for STOPPED workers;
	// ERROR workers recover after half of it.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
	// IdleTimeout retires idle workers above MinPersistentWorkers.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MinPersistentWorkers never get retired for idleness.
	MinPersistentWorkers int `yaml:"min_persistent_workers"`
}

// PlannerConfig configures the reconciliation loop.
type PlannerConfig struct {
	// MonitoringInterval is the pause between reconciliation cycles.
	MonitoringInterval time.Duration `yaml:"monitoring_interval"`
	// CycleTimeout abandons a cycle that runs too long.
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
	// MaxRetryAttempts per task before it is demoted to a terminal failure.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	// ErrorLogSize bounds the in-memory planner error ring buffer.
	ErrorLogSize int `yaml:"error_log_size"`
}

// StateConfig configures the persistent state store.
type StateConfig struct {
	// Dialect: "sqlite" (default) or "postgres".
	Dialect string `yaml:"dialect"`
	// DSN is the database path for sqlite or connection string for postgres.
	// Empty defaults to .boardflow/state.db.
	DSN string `yaml:"dsn,omitempty"`
}

// ServerConfig configures the optional operator HTTP server.
type ServerConfig struct {
	// Listen address, e.g. "127.0.0.1:7113". Empty disables the server.
	Listen string `yaml:"listen,omitempty"`
}

// RepositoriesConfig holds the repository allow-list.
type RepositoriesConfig struct {
	// Allow is a list of owner/repo glob patterns, e.g. "acme/*".
	Allow []string `yaml:"allow"`
	// Default is the repository used when a board item carries none.
	Default string `yaml:"default,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format,omitempty"` // text, json, auto
}

// Config is the root boardflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Board        BoardConfig        `yaml:"board"`
	Hosting      HostingConfig      `yaml:"hosting"`
	Repositories RepositoriesConfig `yaml:"repositories"`
	Git          GitConfig          `yaml:"git"`
	Developer    DeveloperConfig    `yaml:"developer"`
	Pool         PoolConfig         `yaml:"pool"`
	Planner      PlannerConfig      `yaml:"planner"`
	State        StateConfig        `yaml:"state"`
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`

	// WorkspaceRoot holds per-task workspaces. Empty defaults to
	// .boardflow/workspaces.
	WorkspaceRoot string `yaml:"workspace_root,omitempty"`
	// ShutdownGracePeriod bounds how long stop() waits for working workers.
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Board: BoardConfig{
			Provider: "github-projects",
		},
		Hosting: HostingConfig{
			Provider: "auto",
		},
		Git: GitConfig{
			CloneDepth:        50,
			OperationTimeout:  2 * time.Minute,
			FetchInterval:     5 * time.Minute,
			DefaultBaseBranch: "main",
		},
		Developer: DeveloperConfig{
			Type:                   "claude",
			Path:                   "claude",
			Timeout:                30 * time.Minute,
			GracefulCleanupTimeout: 5 * time.Second,
			ForceKillTimeout:       200 * time.Millisecond,
			MaxContextLength:       60000,
		},
		Pool: PoolConfig{
			MinWorkers:           1,
			MaxWorkers:           4,
			RecoveryTimeout:      10 * time.Minute,
			IdleTimeout:          30 * time.Minute,
			MinPersistentWorkers: 1,
		},
		Planner: PlannerConfig{
			MonitoringInterval: 30 * time.Second,
			CycleTimeout:       5 * time.Minute,
			MaxRetryAttempts:   3,
			ErrorLogSize:       100,
		},
		State: StateConfig{
			Dialect: "sqlite",
		},
		Log: LogConfig{
			Level: "info",
		},
		ShutdownGracePeriod: 30 * time.Second,
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Board.BoardID == "" {
		return fmt.Errorf("board.board_id is required")
	}
	if c.Pool.MinWorkers < 0 {
		return fmt.Errorf("pool.min_workers cannot be negative")
	}
	if c.Pool.MaxWorkers < 1 {
		return fmt.Errorf("pool.max_workers must be at least 1")
	}
	if c.Pool.MinWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("pool.min_workers (%d) exceeds pool.max_workers (%d)",
			c.Pool.MinWorkers, c.Pool.MaxWorkers)
	}
	if c.Developer.ForceKillTimeout > c.Developer.GracefulCleanupTimeout {
		return fmt.Errorf("developer.force_kill_timeout exceeds developer.graceful_cleanup_timeout")
	}
	if c.Planner.MonitoringInterval <= 0 {
		return fmt.Errorf("planner.monitoring_interval must be positive")
	}
	if len(c.Repositories.Allow) == 0 {
		return fmt.Errorf("repositories.allow must list at least one pattern")
	}
	for _, pattern := range c.Repositories.Allow {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("repositories.allow: invalid pattern %q", pattern)
		}
	}
	switch c.State.Dialect {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("state.dialect %q not supported (sqlite, postgres)", c.State.Dialect)
	}
	return nil
}

// RepositoryAllowed reports whether an owner/repo id matches the allow-list.
func (c *Config) RepositoryAllowed(repositoryID string) bool {
	for _, pattern := range c.Repositories.Allow {
		if ok, err := doublestar.Match(pattern, repositoryID); err == nil && ok {
			return true
		}
	}
	return false
}
