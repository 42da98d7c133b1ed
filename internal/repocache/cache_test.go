package repocache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/boardflow/internal/lock"
)

// fakeGit tracks clone/fetch calls and which paths are "valid" repos.
type fakeGit struct {
	mu       sync.Mutex
	valid    map[string]bool
	clones   []string
	fetches  int
	cloneErr error
}

func newFakeGit() *fakeGit {
	return &fakeGit{valid: make(map[string]bool)}
}

func (f *fakeGit) Clone(_ context.Context, url, localPath string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clones = append(f.clones, url)
	if f.cloneErr != nil {
		return f.cloneErr
	}
	f.valid[localPath] = true
	return nil
}

func (f *fakeGit) Fetch(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return nil
}

func (f *fakeGit) PullMainBranch(context.Context, string) error { return nil }
func (f *fakeGit) CreateWorktree(_ context.Context, _, _, _, _ string) error {
	return nil
}
func (f *fakeGit) RemoveWorktree(context.Context, string, string) error { return nil }
func (f *fakeGit) IsValidRepository(_ context.Context, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid[path]
}
func (f *fakeGit) CurrentCommit(context.Context, string) (string, error) { return "", nil }
func (f *fakeGit) DefaultBranch(context.Context, string) string          { return "main" }

func newCache(t *testing.T, g *fakeGit) *Cache {
	t.Helper()
	return New(g, lock.NewRepoLocker(nil), nil, Options{
		Root:          t.TempDir(),
		CloneDepth:    1,
		FetchInterval: time.Hour,
	})
}

func TestEnsureRepositoryClonesOnce(t *testing.T) {
	g := newFakeGit()
	c := newCache(t, g)

	p1, err := c.EnsureRepository(context.Background(), "acme/svc", false)
	require.NoError(t, err)
	p2, err := c.EnsureRepository(context.Background(), "acme/svc", false)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
	assert.Len(t, g.clones, 1)
	assert.Equal(t, "https://github.com/acme/svc.git", g.clones[0])
	assert.True(t, c.IsRepositoryCloned(context.Background(), "acme/svc"))
}

func TestEnsureRepositoryRejectsBadID(t *testing.T) {
	c := newCache(t, newFakeGit())
	_, err := c.EnsureRepository(context.Background(), "not-a-repo-id", false)
	require.Error(t, err)
}

func TestEnsureRepositoryFetchesWhenStale(t *testing.T) {
	g := newFakeGit()
	c := New(g, lock.NewRepoLocker(nil), nil, Options{
		Root:          t.TempDir(),
		FetchInterval: time.Millisecond,
	})

	_, err := c.EnsureRepository(context.Background(), "acme/svc", false)
	require.NoError(t, err)
	assert.Equal(t, 0, g.fetches)

	time.Sleep(5 * time.Millisecond)
	_, err = c.EnsureRepository(context.Background(), "acme/svc", true)
	require.NoError(t, err)
	assert.Equal(t, 1, g.fetches)

	// Immediately after, the clone is fresh again.
	_, err = c.EnsureRepository(context.Background(), "acme/svc", true)
	require.NoError(t, err)
	assert.Equal(t, 1, g.fetches)
}

func TestCloneFailureRollsBack(t *testing.T) {
	g := newFakeGit()
	g.cloneErr = fmt.Errorf("remote hung up")
	c := newCache(t, g)

	_, err := c.EnsureRepository(context.Background(), "acme/svc", false)
	require.Error(t, err)
	assert.False(t, c.IsRepositoryCloned(context.Background(), "acme/svc"))

	// A later attempt retries the clone.
	g.cloneErr = nil
	_, err = c.EnsureRepository(context.Background(), "acme/svc", false)
	require.NoError(t, err)
	assert.Len(t, g.clones, 2)
}

func TestWorktreeBookkeeping(t *testing.T) {
	c := newCache(t, newFakeGit())

	c.AddWorktree("acme/svc", "/ws/a")
	c.AddWorktree("acme/svc", "/ws/b")
	assert.ElementsMatch(t, []string{"/ws/a", "/ws/b"}, c.ActiveWorktrees("acme/svc"))

	c.RemoveWorktree("acme/svc", "/ws/a")
	c.RemoveWorktree("acme/svc", "/ws/missing")
	assert.Equal(t, []string{"/ws/b"}, c.ActiveWorktrees("acme/svc"))
}
