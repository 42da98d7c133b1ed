package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryFromPRURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"github pull", "https://github.com/acme/svc/pull/7", "acme/svc", false},
		{"gitlab merge request", "https://gitlab.com/acme/svc/-/merge_requests/12", "acme/svc", false},
		{"self-hosted", "https://git.example.test/team/tool/pull/3", "team/tool", false},
		{"trailing path", "https://github.com/acme/svc/pull/7/files", "acme/svc", false},
		{"not a pr url", "https://github.com/acme/svc", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RepositoryFromPRURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPRNumberFromURL(t *testing.T) {
	n, err := PRNumberFromURL("https://github.com/acme/svc/pull/7")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = PRNumberFromURL("https://gitlab.com/acme/svc/-/merge_requests/44")
	require.NoError(t, err)
	assert.Equal(t, 44, n)

	_, err = PRNumberFromURL("https://github.com/acme/svc/issues/7")
	assert.Error(t, err)
}

func TestSplitRepositoryID(t *testing.T) {
	owner, repo, err := SplitRepositoryID("acme/svc")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "svc", repo)

	_, _, err = SplitRepositoryID("acme")
	assert.Error(t, err)
	_, _, err = SplitRepositoryID("/svc")
	assert.Error(t, err)
}

func TestRequestToTask(t *testing.T) {
	req := &Request{
		TaskID:       "T1",
		RepositoryID: "acme/svc",
		Action:       ActionStartNewTask,
		BoardItem:    &BoardItem{ID: "T1", Title: "Fix #42"},
	}
	tk := req.ToTask()
	assert.Equal(t, "T1", tk.ID)
	assert.Equal(t, ActionStartNewTask, tk.Action)
	assert.False(t, tk.AssignedAt.IsZero())
}
