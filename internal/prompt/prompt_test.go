package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/boardflow/internal/task"
	"github.com/randalmurphal/boardflow/internal/workspace"
)

func testWorkspace(t *testing.T) *workspace.Info {
	t.Helper()
	return &workspace.Info{
		TaskID:       "T1",
		RepositoryID: "acme/svc",
		WorkspaceDir: t.TempDir(),
		BranchName:   "issue-42",
		BaseBranch:   "main",
	}
}

func TestBuildStartNewTask(t *testing.T) {
	b := NewBuilder(0)
	tk := &task.Task{
		ID:           "T1",
		RepositoryID: "acme/svc",
		Action:       task.ActionStartNewTask,
		BoardItem:    &task.BoardItem{Title: "Fix login", Description: "SSO users cannot log in."},
	}

	out, err := b.Build(tk, testWorkspace(t), "")
	require.NoError(t, err)

	assert.Contains(t, out, "Fix login")
	assert.Contains(t, out, "SSO users cannot log in.")
	assert.Contains(t, out, "Branch: issue-42 (base: main)")
	assert.Contains(t, out, "open a pull request")
	assert.Contains(t, out, workspace.InstructionFileName)
}

func TestBuildResumeWithProgress(t *testing.T) {
	b := NewBuilder(0)
	tk := &task.Task{ID: "T1", RepositoryID: "acme/svc", Action: task.ActionResumeTask}

	out, err := b.Build(tk, testWorkspace(t), "Implemented the parser; tests not yet written.")
	require.NoError(t, err)
	assert.Contains(t, out, "Implemented the parser")
	assert.Contains(t, out, "do not redo finished work")

	out, err = b.Build(tk, testWorkspace(t), "")
	require.NoError(t, err)
	assert.Contains(t, out, "git log")
}

func TestBuildFeedbackDeduplicatesComments(t *testing.T) {
	b := NewBuilder(0)
	tk := &task.Task{
		ID:             "T1",
		RepositoryID:   "acme/svc",
		Action:         task.ActionProcessFeedback,
		PullRequestURL: "https://github.com/acme/svc/pull/7",
		ReviewComments: []task.ReviewComment{
			{ID: "c1", Author: "alice", Content: "rename foo to bar"},
			{ID: "c2", Author: "bob", Content: "rename foo to bar"},
			{ID: "c3", Author: "alice", Content: "add a test"},
			{ID: "c4", Content: "   "},
		},
	}

	out, err := b.Build(tk, testWorkspace(t), "")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(out, "rename foo to bar"))
	assert.Contains(t, out, "2. (alice) add a test")
	assert.Contains(t, out, "https://github.com/acme/svc/pull/7")
	assert.Contains(t, out, "do not open a new one")
}

func TestBuildMergeRequest(t *testing.T) {
	b := NewBuilder(0)
	tk := &task.Task{
		ID:             "T1",
		Action:         task.ActionMergeRequest,
		PullRequestURL: "https://github.com/acme/svc/pull/7",
	}

	out, err := b.Build(tk, nil, "")
	require.NoError(t, err)
	assert.Contains(t, out, "approved and ready to merge")
	assert.Contains(t, out, "merge commit hash")
}

func TestBuildUnknownAction(t *testing.T) {
	b := NewBuilder(0)
	_, err := b.Build(&task.Task{Action: task.ActionCheckStatus}, nil, "")
	assert.Error(t, err)
}

func TestLongDescriptionSpillsToContextFiles(t *testing.T) {
	b := NewBuilder(2000)
	info := testWorkspace(t)
	tk := &task.Task{
		ID:           "T1",
		RepositoryID: "acme/svc",
		Action:       task.ActionStartNewTask,
		BoardItem: &task.BoardItem{
			Title:       "Big task",
			Description: strings.Repeat("A paragraph of requirements.\n\n", 300),
		},
	}

	out, err := b.Build(tk, info, "")
	require.NoError(t, err)

	assert.LessOrEqual(t, len(out), 2000)
	assert.Contains(t, out, "@"+ContextDirName+"/")

	ctxDir := filepath.Join(info.WorkspaceDir, ContextDirName)
	entries, err := os.ReadDir(ctxDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	index, err := os.ReadFile(filepath.Join(ctxDir, "INDEX.md"))
	require.NoError(t, err)
	assert.Contains(t, string(index), "description")
}

func TestSplitChunksPrefersParagraphBreaks(t *testing.T) {
	text := strings.Repeat("para one two three\n\n", 50)
	chunks := splitChunks(text, 200)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 200)
		assert.False(t, strings.HasPrefix(c, " "), "chunks should start at paragraph boundaries")
	}
}

func TestSplitChunksHardCutsOversizedParagraph(t *testing.T) {
	text := strings.Repeat("x", 500)
	chunks := splitChunks(text, 200)
	require.Len(t, chunks, 3)
	assert.Equal(t, 200, len(chunks[0]))
}
