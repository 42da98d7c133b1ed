// Package repocache owns the base clones that worktrees fork from.
// Each repository gets one clone under the cache root; worktrees are
// registered here as weak back-references so cleanup can account for
// them, but their files belong to the workspace layer.
package repocache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	flowerrors "github.com/randalmurphal/boardflow/internal/errors"
	"github.com/randalmurphal/boardflow/internal/git"
	"github.com/randalmurphal/boardflow/internal/lock"
	"github.com/randalmurphal/boardflow/internal/task"
)

// RepositoryState is the cache's view of one repository.
type RepositoryState struct {
	RepositoryID    string          `json:"repository_id"`
	LocalPath       string          `json:"local_path"`
	LastFetchAt     time.Time       `json:"last_fetch_at"`
	ActiveWorktrees map[string]bool `json:"active_worktrees"`
}

// CloneURLFunc maps a repository id ("owner/repo") to a clone URL.
type CloneURLFunc func(repositoryID string) string

// DefaultCloneURL builds an https clone URL against baseURL
// (e.g. "https://github.com").
func DefaultCloneURL(baseURL string) CloneURLFunc {
	base := strings.TrimRight(baseURL, "/")
	return func(repositoryID string) string {
		return base + "/" + repositoryID + ".git"
	}
}

// Cache manages base clones under root. All git mutations go through
// the per-repository lock.
type Cache struct {
	root       string
	cloneDepth int
	fetchEvery time.Duration
	cloneURL   CloneURLFunc

	git    git.Port
	locker *lock.RepoLocker
	logger *slog.Logger

	mu    sync.Mutex
	repos map[string]*RepositoryState
}

// Options configures a Cache.
type Options struct {
	Root          string
	CloneDepth    int
	FetchInterval time.Duration
	CloneURL      CloneURLFunc
}

// New creates a repository cache.
func New(gitPort git.Port, locker *lock.RepoLocker, logger *slog.Logger, opts Options) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CloneURL == nil {
		opts.CloneURL = DefaultCloneURL("https://github.com")
	}
	if opts.FetchInterval <= 0 {
		opts.FetchInterval = 5 * time.Minute
	}
	return &Cache{
		root:       opts.Root,
		cloneDepth: opts.CloneDepth,
		fetchEvery: opts.FetchInterval,
		cloneURL:   opts.CloneURL,
		git:        gitPort,
		locker:     locker,
		logger:     logger,
		repos:      make(map[string]*RepositoryState),
	}
}

// localPathFor maps "owner/repo" to <root>/owner_repo.
func (c *Cache) localPathFor(repositoryID string) string {
	return filepath.Join(c.root, strings.ReplaceAll(repositoryID, "/", "_"))
}

// EnsureRepository returns the local path of the repository's base
// clone, cloning on first use. When forFetch is set and the last fetch
// is older than the fetch interval, remote refs are refreshed.
func (c *Cache) EnsureRepository(ctx context.Context, repositoryID string, forFetch bool) (string, error) {
	if _, _, err := task.SplitRepositoryID(repositoryID); err != nil {
		return "", err
	}

	state := c.stateFor(repositoryID)

	var localPath string
	err := c.locker.WithLock(ctx, repositoryID, "ensure", func() error {
		var err error
		localPath, err = c.ensureClonedLocked(ctx, state)
		if err != nil {
			return err
		}
		if forFetch && time.Since(c.lastFetch(state)) > c.fetchEvery {
			if err := c.git.Fetch(ctx, localPath); err != nil {
				// A failed fetch leaves the clone usable; log and move on.
				c.logger.Warn("fetch failed, using cached refs",
					"repository", repositoryID, "error", err)
			} else {
				c.setLastFetch(state, time.Now())
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return localPath, nil
}

func (c *Cache) stateFor(repositoryID string) *RepositoryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.repos[repositoryID]
	if !ok {
		st = &RepositoryState{
			RepositoryID:    repositoryID,
			LocalPath:       c.localPathFor(repositoryID),
			ActiveWorktrees: make(map[string]bool),
		}
		c.repos[repositoryID] = st
	}
	return st
}

func (c *Cache) lastFetch(st *RepositoryState) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.LastFetchAt
}

func (c *Cache) setLastFetch(st *RepositoryState, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.LastFetchAt = t
}

// ensureClonedLocked clones if the local path is not a valid repo.
// Caller holds the repository lock.
func (c *Cache) ensureClonedLocked(ctx context.Context, st *RepositoryState) (string, error) {
	localPath := st.LocalPath
	if c.git.IsValidRepository(ctx, localPath) {
		return localPath, nil
	}

	// A directory that exists but is not a repo is a broken partial
	// clone; clear it first.
	if _, err := os.Stat(localPath); err == nil {
		c.logger.Warn("removing invalid repository directory", "path", localPath)
		if err := os.RemoveAll(localPath); err != nil {
			return "", fmt.Errorf("remove invalid clone dir: %w", err)
		}
	}

	url := c.cloneURL(st.RepositoryID)
	if err := c.git.Clone(ctx, url, localPath, c.cloneDepth); err != nil {
		// Roll back so the next attempt starts from a clean slate.
		_ = os.RemoveAll(localPath)
		return "", flowerrors.ErrCloneFailed(st.RepositoryID, err)
	}
	c.setLastFetch(st, time.Now())
	return localPath, nil
}

// IsRepositoryCloned reports whether a base clone already exists on disk.
func (c *Cache) IsRepositoryCloned(ctx context.Context, repositoryID string) bool {
	return c.git.IsValidRepository(ctx, c.localPathFor(repositoryID))
}

// AddWorktree registers a worktree path against the repository.
// Bookkeeping only; the worktree itself is created by the caller.
func (c *Cache) AddWorktree(repositoryID, worktreePath string) {
	st := c.stateFor(repositoryID)
	c.mu.Lock()
	defer c.mu.Unlock()
	st.ActiveWorktrees[worktreePath] = true
}

// RemoveWorktree unregisters a worktree path. Unknown paths are ignored.
func (c *Cache) RemoveWorktree(repositoryID, worktreePath string) {
	st := c.stateFor(repositoryID)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(st.ActiveWorktrees, worktreePath)
}

// ActiveWorktrees returns the registered worktree paths for a repository.
func (c *Cache) ActiveWorktrees(repositoryID string) []string {
	st := c.stateFor(repositoryID)
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make([]string, 0, len(st.ActiveWorktrees))
	for p := range st.ActiveWorktrees {
		paths = append(paths, p)
	}
	return paths
}

// Snapshot returns a copy of all repository states, for status
// reporting and persistence.
func (c *Cache) Snapshot() []RepositoryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RepositoryState, 0, len(c.repos))
	for _, st := range c.repos {
		cp := *st
		cp.ActiveWorktrees = make(map[string]bool, len(st.ActiveWorktrees))
		for k, v := range st.ActiveWorktrees {
			cp.ActiveWorktrees[k] = v
		}
		out = append(out, cp)
	}
	return out
}
