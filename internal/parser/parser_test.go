package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPullRequestURL(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"github", "Opened https://github.com/acme/svc/pull/7 for review", "https://github.com/acme/svc/pull/7"},
		{"gitlab", "see https://gitlab.com/acme/svc/-/merge_requests/12.", "https://gitlab.com/acme/svc/-/merge_requests/12"},
		{"first wins", "https://github.com/a/b/pull/1 then https://github.com/a/b/pull/2", "https://github.com/a/b/pull/1"},
		{"none", "no links here", ""},
		{"issue url ignored", "https://github.com/acme/svc/issues/7", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPullRequestURL(tt.in))
		})
	}
}

func TestExtractCommitHash(t *testing.T) {
	hash := "0123456789abcdef0123456789abcdef01234567"
	assert.Equal(t, hash, ExtractCommitHash("committed "+hash+" to main"))
	assert.Empty(t, ExtractCommitHash("short 0123abc"))
	assert.Empty(t, ExtractCommitHash("embedded x"+hash))
}

func TestExtractCommands(t *testing.T) {
	out := `Running tests:
$ go test ./...
ok  	acme/svc	0.3s
$ git push
error: failed to push some refs`

	cmds := ExtractCommands(out)
	require.Len(t, cmds, 2)

	assert.Equal(t, "go test ./...", cmds[0].Command)
	assert.Contains(t, cmds[0].Output, "ok")
	assert.Equal(t, 0, cmds[0].ExitCode)

	assert.Equal(t, "git push", cmds[1].Command)
	assert.Equal(t, 1, cmds[1].ExitCode)
}

func TestExtractModifiedFiles(t *testing.T) {
	out := `Changes:
	modified:   internal/api/server.go
	new file:   internal/api/routes.go
	deleted:    old/legacy.go
	renamed:    pkg/a.go -> pkg/b.go
diff --git a/cmd/main.go b/cmd/main.go
some prose line
docs/readme.md`

	files := ExtractModifiedFiles(out)
	assert.Contains(t, files, "internal/api/server.go")
	assert.Contains(t, files, "internal/api/routes.go")
	assert.Contains(t, files, "old/legacy.go")
	assert.Contains(t, files, "pkg/b.go")
	assert.Contains(t, files, "cmd/main.go")
	assert.Contains(t, files, "docs/readme.md")
	assert.NotContains(t, files, "/dev/null")
	assert.NotContains(t, files, "pkg/a.go -> pkg/b.go")
}

func TestIsSuccess(t *testing.T) {
	assert.True(t, IsSuccess("Task complete, all tests pass"))
	assert.True(t, IsSuccess(""), "silence defaults to success")
	assert.True(t, IsSuccess("changed two files and pushed"))
	assert.False(t, IsSuccess("I was unable to complete the task"))
	assert.False(t, IsSuccess("Task complete... actually no, execution failed"), "failure wording overrides success wording")
}

func TestNormalizeOutputStreamJSON(t *testing.T) {
	raw := `{"type":"assistant","message":{"content":[{"type":"text","text":"Working on it"}]}}
{"type":"result","result":"Opened https://github.com/acme/svc/pull/7"}`

	got := NormalizeOutput(raw)
	assert.Contains(t, got, "Working on it")
	assert.Contains(t, got, "pull/7")

	plain := "just plain text"
	assert.Equal(t, plain, NormalizeOutput(plain))
}

func TestParseEndToEnd(t *testing.T) {
	out := `Implemented the fix.
	modified:   internal/login.go
committed 0123456789abcdef0123456789abcdef01234567
Pull request created: https://github.com/acme/svc/pull/9
Task complete`

	res := Parse(out)
	assert.True(t, res.Success)
	assert.Equal(t, "https://github.com/acme/svc/pull/9", res.PullRequestURL)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", res.CommitHash)
	assert.Contains(t, res.ModifiedFiles, "internal/login.go")
	assert.Equal(t, "Task complete", res.Summary)
}
