// Package git wraps the git CLI for the repository operations the
// orchestrator needs: cloning, fetching, and worktree management.
// Callers are expected to serialize mutating operations per repository
// (see internal/lock); this package only runs the commands.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Port is the repository-operations interface consumed by the
// workspace layer. All operations are blocking and honor ctx.
type Port interface {
	// Clone clones url into localPath. depth <= 0 means a full clone.
	Clone(ctx context.Context, url, localPath string, depth int) error
	// Fetch updates all remote refs (with prune) in localPath.
	Fetch(ctx context.Context, localPath string) error
	// PullMainBranch fast-forwards the checked-out branch in localPath.
	PullMainBranch(ctx context.Context, localPath string) error
	// CreateWorktree adds a worktree at worktreePath on a new branch
	// forked from baseBranch. If branch already exists it is reused.
	CreateWorktree(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) error
	// RemoveWorktree detaches and deletes the worktree at worktreePath.
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error
	// IsValidRepository reports whether path is a usable git repository.
	IsValidRepository(ctx context.Context, path string) bool
	// CurrentCommit returns the HEAD commit hash of the repository at path.
	CurrentCommit(ctx context.Context, path string) (string, error)
	// DefaultBranch returns the remote HEAD branch name, or "" when unknown.
	DefaultBranch(ctx context.Context, path string) string
}

// CLI is the git-binary implementation of Port.
type CLI struct {
	runner  CommandRunner
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a CLI.
type Option func(*CLI)

// WithRunner overrides the command runner (used by tests).
func WithRunner(r CommandRunner) Option {
	return func(c *CLI) { c.runner = r }
}

// WithTimeout sets the per-operation timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *CLI) { c.timeout = d }
}

// NewCLI creates a git Port backed by the git binary.
func NewCLI(logger *slog.Logger, opts ...Option) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CLI{
		runner:  NewExecRunner(),
		timeout: 5 * time.Minute,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CLI) run(ctx context.Context, workDir string, args ...string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.runner.Run(ctx, workDir, "git", args...)
}

// Clone clones url into localPath, creating parent directories as needed.
func (c *CLI) Clone(ctx context.Context, url, localPath string, depth int) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create clone parent dir: %w", err)
	}

	args := []string{"clone"}
	if depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	args = append(args, url, localPath)

	c.logger.Info("cloning repository", "url", url, "path", localPath, "depth", depth)
	if _, err := c.run(ctx, "", args...); err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	return nil
}

// Fetch updates remote refs and prunes deleted ones.
func (c *CLI) Fetch(ctx context.Context, localPath string) error {
	if _, err := c.run(ctx, localPath, "fetch", "--all", "--prune"); err != nil {
		return fmt.Errorf("fetch in %s: %w", localPath, err)
	}
	return nil
}

// PullMainBranch fast-forwards the current branch. A pull that would
// need a merge fails; the base clone is never a place we resolve
// conflicts in.
func (c *CLI) PullMainBranch(ctx context.Context, localPath string) error {
	if _, err := c.run(ctx, localPath, "pull", "--ff-only"); err != nil {
		return fmt.Errorf("pull in %s: %w", localPath, err)
	}
	return nil
}

// CreateWorktree adds a worktree on branch at worktreePath.
//
// If the branch is new it is created from baseBranch (preferring the
// remote-tracking ref when present). A stale worktree registration for
// the same path is pruned and the add retried once.
func (c *CLI) CreateWorktree(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("create worktree parent dir: %w", err)
	}

	args := c.worktreeAddArgs(ctx, repoPath, branch, worktreePath, baseBranch)

	_, err := c.run(ctx, repoPath, args...)
	if err != nil && isStaleWorktreeError(err) {
		c.logger.Warn("pruning stale worktree registration", "repo", repoPath, "path", worktreePath)
		if _, pruneErr := c.run(ctx, repoPath, "worktree", "prune"); pruneErr != nil {
			return fmt.Errorf("prune worktrees in %s: %w", repoPath, pruneErr)
		}
		_, err = c.run(ctx, repoPath, args...)
	}
	if err != nil {
		return fmt.Errorf("add worktree %s on %s: %w", worktreePath, branch, err)
	}
	return nil
}

// worktreeAddArgs builds the worktree add command line depending on
// whether the branch already exists locally.
func (c *CLI) worktreeAddArgs(ctx context.Context, repoPath, branch, worktreePath, baseBranch string) []string {
	if c.branchExists(ctx, repoPath, branch) {
		return []string{"worktree", "add", worktreePath, branch}
	}

	base := baseBranch
	if c.refExists(ctx, repoPath, "refs/remotes/origin/"+baseBranch) {
		base = "origin/" + baseBranch
	}
	return []string{"worktree", "add", "-b", branch, worktreePath, base}
}

func (c *CLI) branchExists(ctx context.Context, repoPath, branch string) bool {
	return c.refExists(ctx, repoPath, "refs/heads/"+branch)
}

func (c *CLI) refExists(ctx context.Context, repoPath, ref string) bool {
	_, err := c.run(ctx, repoPath, "show-ref", "--verify", "--quiet", ref)
	return err == nil
}

func isStaleWorktreeError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already registered") ||
		strings.Contains(msg, "already checked out") ||
		strings.Contains(msg, "already used by worktree")
}

// RemoveWorktree removes the worktree registration and its directory.
// Removal is forced: abandoned local changes in a finished workspace
// are expected.
func (c *CLI) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	if _, err := c.run(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		// The registration may already be gone; prune and delete the
		// directory ourselves before giving up.
		if _, pruneErr := c.run(ctx, repoPath, "worktree", "prune"); pruneErr == nil {
			if rmErr := os.RemoveAll(worktreePath); rmErr == nil {
				return nil
			}
		}
		return fmt.Errorf("remove worktree %s: %w", worktreePath, err)
	}
	return nil
}

// IsValidRepository reports whether path contains a usable git
// work tree (a clone or a worktree checkout).
func (c *CLI) IsValidRepository(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	out, err := c.run(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentCommit returns the full HEAD commit hash.
func (c *CLI) CurrentCommit(ctx context.Context, path string) (string, error) {
	out, err := c.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD in %s: %w", path, err)
	}
	return out, nil
}

// DefaultBranch resolves origin's HEAD branch name, e.g. "main".
// Returns "" when the remote HEAD is not known locally.
func (c *CLI) DefaultBranch(ctx context.Context, path string) string {
	out, err := c.run(ctx, path, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(out, "origin/")
}
