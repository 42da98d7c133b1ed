package state

import (
	"context"

	"github.com/randalmurphal/boardflow/internal/workspace"
)

// WorkspaceStore adapts Store to the workspace manager's persistence
// interface.
type WorkspaceStore struct {
	store *Store
}

// Workspaces returns the workspace-record view of the store.
func (s *Store) Workspaces() *WorkspaceStore {
	return &WorkspaceStore{store: s}
}

func (w *WorkspaceStore) SaveWorkspace(ctx context.Context, info workspace.Info) error {
	return w.store.Put(ctx, KindWorkspace, info.TaskID, info)
}

func (w *WorkspaceStore) DeleteWorkspace(ctx context.Context, taskID string) error {
	return w.store.Delete(ctx, KindWorkspace, taskID)
}

func (w *WorkspaceStore) LoadWorkspaces(ctx context.Context) ([]workspace.Info, error) {
	return ListInto[workspace.Info](ctx, w.store, KindWorkspace)
}
