package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/boardflow/internal/state/driver"
	"github.com/randalmurphal/boardflow/internal/workspace"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), driver.DialectSQLite, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type testRecord struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, KindTask, "T1", testRecord{Name: "fix login", Count: 2}))

	var got testRecord
	found, err := s.Get(ctx, KindTask, "T1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, testRecord{Name: "fix login", Count: 2}, got)
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	var got testRecord
	found, err := s.Get(context.Background(), KindTask, "nope", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutOverwrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, KindWorker, "w1", testRecord{Count: 1}))
	require.NoError(t, s.Put(ctx, KindWorker, "w1", testRecord{Count: 2}))

	var got testRecord
	found, err := s.Get(ctx, KindWorker, "w1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, got.Count)
}

func TestListIsKindScoped(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, KindTask, "T1", testRecord{Name: "a"}))
	require.NoError(t, s.Put(ctx, KindTask, "T2", testRecord{Name: "b"}))
	require.NoError(t, s.Put(ctx, KindWorker, "w1", testRecord{Name: "c"}))

	got, err := ListInto[testRecord](ctx, s, KindTask)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "b", got[1].Name)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, KindTask, "T1", testRecord{}))
	require.NoError(t, s.Delete(ctx, KindTask, "T1"))
	require.NoError(t, s.Delete(ctx, KindTask, "T1"))

	var got testRecord
	found, err := s.Get(ctx, KindTask, "T1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "state.db")

	s1, err := Open(context.Background(), driver.DialectSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, s1.Put(context.Background(), KindTask, "T1", testRecord{Name: "keep"}))
	require.NoError(t, s1.Close())

	// Reopening re-runs Migrate against the applied schema.
	s2, err := Open(context.Background(), driver.DialectSQLite, dsn)
	require.NoError(t, err)
	defer s2.Close()

	var got testRecord
	found, err := s2.Get(context.Background(), KindTask, "T1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "keep", got.Name)
}

func TestWorkspaceStoreRoundTrip(t *testing.T) {
	s := openStore(t)
	ws := s.Workspaces()
	ctx := context.Background()

	info := workspace.Info{
		TaskID:       "T1",
		RepositoryID: "acme/svc",
		WorkspaceDir: "/ws/acme_svc_issue-1",
		BranchName:   "issue-1",
		BaseBranch:   "main",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, ws.SaveWorkspace(ctx, info))

	loaded, err := ws.LoadWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, info, loaded[0])

	require.NoError(t, ws.DeleteWorkspace(ctx, "T1"))
	loaded, err = ws.LoadWorkspaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
