// Package workspace prepares and tears down per-task working
// directories. Each task gets a git worktree forked from the
// repository's base clone, plus an instruction file the agent reads
// on startup.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/boardflow/internal/git"
	"github.com/randalmurphal/boardflow/internal/lock"
	"github.com/randalmurphal/boardflow/internal/repocache"
	"github.com/randalmurphal/boardflow/internal/task"
)

// InstructionFileName is the fixed name of the per-task instruction
// file written into every workspace.
const InstructionFileName = "BOARDFLOW_TASK.md"

// Info describes one task's workspace.
type Info struct {
	TaskID              string    `json:"task_id"`
	RepositoryID        string    `json:"repository_id"`
	WorkspaceDir        string    `json:"workspace_dir"`
	BranchName          string    `json:"branch_name"`
	BaseBranch          string    `json:"base_branch"`
	WorktreeCreated     bool      `json:"worktree_created"`
	InstructionFilePath string    `json:"instruction_file_path"`
	CreatedAt           time.Time `json:"created_at"`
}

// Store persists workspace records across restarts. Implementations
// live in internal/state; a nil Store disables persistence.
type Store interface {
	SaveWorkspace(ctx context.Context, info Info) error
	DeleteWorkspace(ctx context.Context, taskID string) error
	LoadWorkspaces(ctx context.Context) ([]Info, error)
}

// DefaultBranchResolver looks up a repository's default branch.
// The board provider implements this; "" means unknown.
type DefaultBranchResolver interface {
	GetRepositoryDefaultBranch(ctx context.Context, repositoryID string) string
}

// Manager owns the files under each workspace directory.
type Manager struct {
	root     string
	git      git.Port
	cache    *repocache.Cache
	locker   *lock.RepoLocker
	store    Store
	branches DefaultBranchResolver
	logger   *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*Info
}

// New creates a workspace manager rooted at root.
func New(root string, gitPort git.Port, cache *repocache.Cache, locker *lock.RepoLocker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:       root,
		git:        gitPort,
		cache:      cache,
		locker:     locker,
		logger:     logger,
		workspaces: make(map[string]*Info),
	}
}

// WithStore attaches persistent storage for workspace records.
func (m *Manager) WithStore(s Store) *Manager {
	m.store = s
	return m
}

// WithDefaultBranchResolver attaches a board-backed default-branch
// lookup used during base-branch resolution.
func (m *Manager) WithDefaultBranchResolver(r DefaultBranchResolver) *Manager {
	m.branches = r
	return m
}

// Restore reloads workspace records from the store after a restart.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	infos, err := m.store.LoadWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("restore workspaces: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range infos {
		info := infos[i]
		m.workspaces[info.TaskID] = &info
	}
	m.logger.Info("restored workspaces", "count", len(infos))
	return nil
}

var issueRefPattern = regexp.MustCompile(`#(\d+)`)

// DeriveBranchName computes the branch for a task, preferring the
// board item's content number, then a #N reference in the title, then
// the task id.
func DeriveBranchName(taskID string, item *task.BoardItem) string {
	if item != nil && item.ContentNumber > 0 {
		switch item.ContentType {
		case task.ContentPullRequest:
			return fmt.Sprintf("pr-%d", item.ContentNumber)
		default:
			return fmt.Sprintf("issue-%d", item.ContentNumber)
		}
	}
	if item != nil {
		if m := issueRefPattern.FindStringSubmatch(item.Title); m != nil {
			return "issue-" + m[1]
		}
	}
	id := taskID
	if len(id) > 20 {
		id = id[:20]
	}
	return git.SanitizeBranchName(id)
}

// CreateWorkspace computes the workspace layout for a task and records
// it. The directory is created (or reused) but the worktree is not set
// up yet; that happens in SetupWorktree.
func (m *Manager) CreateWorkspace(ctx context.Context, taskID, repositoryID string, item *task.BoardItem) (*Info, error) {
	if taskID == "" {
		return nil, fmt.Errorf("create workspace: empty task id")
	}
	owner, repo, err := task.SplitRepositoryID(repositoryID)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	m.mu.Lock()
	if existing, ok := m.workspaces[taskID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	branch := DeriveBranchName(taskID, item)
	dir := filepath.Join(m.root, fmt.Sprintf("%s_%s_%s", owner, repo, strings.ReplaceAll(branch, "/", "-")))

	info := &Info{
		TaskID:       taskID,
		RepositoryID: repositoryID,
		WorkspaceDir: dir,
		BranchName:   branch,
		BaseBranch:   m.resolveBaseBranch(ctx, repositoryID, item),
		CreatedAt:    time.Now(),
	}
	info.InstructionFilePath = filepath.Join(dir, InstructionFileName)

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	m.mu.Lock()
	m.workspaces[taskID] = info
	m.mu.Unlock()

	m.persist(ctx, info)
	return info, nil
}

// resolveBaseBranch applies, in order: a base:<name> label on the
// board item, the repository's default branch, then "main".
func (m *Manager) resolveBaseBranch(ctx context.Context, repositoryID string, item *task.BoardItem) string {
	if item != nil {
		for _, label := range item.Labels {
			if name, ok := strings.CutPrefix(label, "base:"); ok && name != "" {
				return name
			}
		}
	}
	if m.branches != nil {
		if b := m.branches.GetRepositoryDefaultBranch(ctx, repositoryID); b != "" {
			return b
		}
	}
	return "main"
}

// SetupWorktree ensures the repository is cloned and the task's
// worktree exists at the workspace dir. A previously created worktree
// that no longer validates is recreated.
func (m *Manager) SetupWorktree(ctx context.Context, info *Info) error {
	repoPath, err := m.cache.EnsureRepository(ctx, info.RepositoryID, true)
	if err != nil {
		return err
	}

	if info.WorktreeCreated {
		if m.validWorktree(ctx, info.WorkspaceDir) {
			return nil
		}
		m.logger.Warn("worktree invalid, recreating",
			"task", info.TaskID, "path", info.WorkspaceDir)
		info.WorktreeCreated = false
		_ = m.locker.WithLock(ctx, info.RepositoryID, "worktree-remove", func() error {
			return m.git.RemoveWorktree(ctx, repoPath, info.WorkspaceDir)
		})
	}

	err = m.locker.WithLock(ctx, info.RepositoryID, "worktree-add", func() error {
		return m.git.CreateWorktree(ctx, repoPath, info.BranchName, info.WorkspaceDir, info.BaseBranch)
	})
	if err != nil {
		return fmt.Errorf("setup worktree for %s: %w", info.TaskID, err)
	}

	info.WorktreeCreated = true
	m.cache.AddWorktree(info.RepositoryID, info.WorkspaceDir)
	m.persist(ctx, info)
	return nil
}

// validWorktree checks the directory exists and carries the .git
// marker a worktree checkout has.
func (m *Manager) validWorktree(ctx context.Context, dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return false
	}
	return m.git.IsValidRepository(ctx, dir)
}

// instructionFrontMatter is the machine-readable header of the
// instruction file.
type instructionFrontMatter struct {
	TaskID     string `yaml:"task_id"`
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
	BaseBranch string `yaml:"base_branch"`
	CreatedAt  string `yaml:"created_at"`
}

// SetupInstructionFile writes the task instruction file into the
// workspace, overwriting any previous content.
func (m *Manager) SetupInstructionFile(ctx context.Context, info *Info, t *task.Task) error {
	fm := instructionFrontMatter{
		TaskID:     info.TaskID,
		Repository: info.RepositoryID,
		Branch:     info.BranchName,
		BaseBranch: info.BaseBranch,
		CreatedAt:  info.CreatedAt.UTC().Format(time.RFC3339),
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("marshal instruction front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	b.WriteString("# Task\n\n")
	if t != nil && t.BoardItem != nil {
		fmt.Fprintf(&b, "## %s\n\n", t.BoardItem.Title)
		if t.BoardItem.Description != "" {
			b.WriteString(t.BoardItem.Description)
			b.WriteString("\n\n")
		}
	}
	fmt.Fprintf(&b, "Work on branch `%s` (forked from `%s`).\n\n", info.BranchName, info.BaseBranch)
	b.WriteString("## Testing\n\n")
	b.WriteString("Run the project's test suite before committing. ")
	b.WriteString("Do not push directly to the base branch; open a pull request from the task branch.\n")

	if err := os.WriteFile(info.InstructionFilePath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write instruction file: %w", err)
	}
	m.persist(ctx, info)
	return nil
}

// Get returns the workspace for a task, if any.
func (m *Manager) Get(taskID string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.workspaces[taskID]
	return info, ok
}

// CleanupWorkspace tears down a task's workspace: worktree removal,
// cache unregistration, directory deletion, record removal. Each step
// is best-effort so a partial failure still frees as much as possible.
func (m *Manager) CleanupWorkspace(ctx context.Context, taskID string) {
	m.mu.Lock()
	info, ok := m.workspaces[taskID]
	if ok {
		delete(m.workspaces, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if info.WorktreeCreated {
		repoPath, err := m.cache.EnsureRepository(ctx, info.RepositoryID, false)
		if err == nil {
			err = m.locker.WithLock(ctx, info.RepositoryID, "worktree-remove", func() error {
				return m.git.RemoveWorktree(ctx, repoPath, info.WorkspaceDir)
			})
		}
		if err != nil {
			m.logger.Warn("worktree removal failed", "task", taskID, "error", err)
		}
	}

	m.cache.RemoveWorktree(info.RepositoryID, info.WorkspaceDir)

	if err := os.RemoveAll(info.WorkspaceDir); err != nil {
		m.logger.Warn("workspace dir removal failed", "task", taskID, "error", err)
	}

	if m.store != nil {
		if err := m.store.DeleteWorkspace(ctx, taskID); err != nil {
			m.logger.Warn("workspace record removal failed", "task", taskID, "error", err)
		}
	}
	m.logger.Info("workspace cleaned up", "task", taskID, "dir", info.WorkspaceDir)
}

func (m *Manager) persist(ctx context.Context, info *Info) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveWorkspace(ctx, *info); err != nil {
		m.logger.Warn("workspace persistence failed", "task", info.TaskID, "error", err)
	}
}
