// Package lock provides per-repository serialization of git operations.
// Any operation that mutates on-disk git state (clone, fetch, worktree
// add/remove) must run under the repository's lock.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RepoLocker hands out one lock per repository id. Locks are created on
// first use and live for the life of the process.
//
// Callers must never hold two repository locks at once; that rule is what
// keeps the lock map deadlock-free.
type RepoLocker struct {
	mu     sync.Mutex
	locks  map[string]chan struct{}
	logger *slog.Logger
}

// NewRepoLocker creates a new RepoLocker.
func NewRepoLocker(logger *slog.Logger) *RepoLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepoLocker{
		locks:  make(map[string]chan struct{}),
		logger: logger,
	}
}

// sem returns the semaphore channel for a repository, creating it on demand.
func (l *RepoLocker) sem(repositoryID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[repositoryID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[repositoryID] = ch
	}
	return ch
}

// WithLock runs fn while holding the repository's lock. The lock is released
// on every exit path, and fn's error is returned unchanged. Acquisition is
// abandoned when ctx is cancelled.
func (l *RepoLocker) WithLock(ctx context.Context, repositoryID, operation string, fn func() error) error {
	sem := l.sem(repositoryID)

	start := time.Now()
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire repo lock for %s (%s): %w", repositoryID, operation, ctx.Err())
	}
	defer func() { <-sem }()

	if wait := time.Since(start); wait > time.Second {
		l.logger.Debug("slow repo lock acquisition",
			"repository", repositoryID,
			"operation", operation,
			"waited", wait)
	}

	return fn()
}

// TryLock attempts to acquire the lock without blocking. When it succeeds it
// returns a release func; otherwise it returns false.
func (l *RepoLocker) TryLock(repositoryID string) (release func(), ok bool) {
	sem := l.sem(repositoryID)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	default:
		return nil, false
	}
}
