// Package parser turns raw agent output into a structured outcome.
// Every function here is a total function over the input text: garbage
// in yields empty results, never an error.
package parser

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Result is the structured interpretation of one agent run.
type Result struct {
	Success        bool      `json:"success"`
	PullRequestURL string    `json:"pull_request_url,omitempty"`
	CommitHash     string    `json:"commit_hash,omitempty"`
	ModifiedFiles  []string  `json:"modified_files,omitempty"`
	Commands       []Command `json:"commands,omitempty"`
	Summary        string    `json:"summary,omitempty"`
}

// Command is one shell command echoed in the agent output, with the
// output lines that followed it.
type Command struct {
	Command  string `json:"command"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

var (
	prURLPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+/(?:pull|merge_requests)/\d+`)

	commitHashPattern = regexp.MustCompile(`\b[0-9a-f]{40}\b`)

	statusMarkerPattern = regexp.MustCompile(`(?m)^\s*(?:new file|modified|deleted|renamed):\s+(.+?)\s*$`)
	diffGitPattern      = regexp.MustCompile(`(?m)^diff --git a/(\S+) b/(\S+)`)
	bareFilePattern     = regexp.MustCompile(`^[\w./-]+\.[A-Za-z0-9]{1,8}$`)

	errorMarkerPattern = regexp.MustCompile(`(?i)\b(error|fatal|fail(?:ed|ure)?|exception|panic)\b`)
)

var failureKeywords = []string{
	"task failed",
	"could not complete",
	"unable to complete",
	"cannot complete",
	"fatal error",
	"execution failed",
	"aborted",
	"gave up",
}

var successKeywords = []string{
	"task complete",
	"successfully",
	"pull request created",
	"merged",
	"done",
	"all tests pass",
}

// Parse runs all extractors over the output.
func Parse(output string) Result {
	text := NormalizeOutput(output)
	return Result{
		Success:        IsSuccess(text),
		PullRequestURL: ExtractPullRequestURL(text),
		CommitHash:     ExtractCommitHash(text),
		ModifiedFiles:  ExtractModifiedFiles(text),
		Commands:       ExtractCommands(text),
		Summary:        summarize(text),
	}
}

// NormalizeOutput unwraps stream-json envelopes when the output is a
// sequence of JSON lines (the claude CLI's --output-format stream-json
// mode); plain text passes through unchanged.
func NormalizeOutput(output string) string {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") {
		return output
	}

	var b strings.Builder
	sawJSON := false
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !gjson.Valid(line) {
			continue
		}
		sawJSON = true
		// Final result envelope wins; otherwise collect assistant text.
		if res := gjson.Get(line, "result"); res.Exists() && res.Type == gjson.String {
			b.WriteString(res.String())
			b.WriteString("\n")
			continue
		}
		gjson.Get(line, "message.content.#.text").ForEach(func(_, v gjson.Result) bool {
			if v.String() != "" {
				b.WriteString(v.String())
				b.WriteString("\n")
			}
			return true
		})
	}
	if !sawJSON || b.Len() == 0 {
		return output
	}
	return b.String()
}

// ExtractPullRequestURL returns the first PR or merge-request URL in
// the output, or "".
func ExtractPullRequestURL(output string) string {
	return strings.TrimRight(prURLPattern.FindString(output), ".,;")
}

// ExtractCommitHash returns the first full 40-hex commit hash, or "".
func ExtractCommitHash(output string) string {
	return commitHashPattern.FindString(output)
}

// ExtractCommands parses shell transcripts: a line starting with "$ "
// opens a command; following lines are its output until the next "$ "
// or EOF. Exit code is inferred as 1 when the output carries an error
// marker.
func ExtractCommands(output string) []Command {
	var cmds []Command
	var cur *Command
	var out []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.Output = strings.TrimSpace(strings.Join(out, "\n"))
		if errorMarkerPattern.MatchString(cur.Output) {
			cur.ExitCode = 1
		}
		cmds = append(cmds, *cur)
		cur, out = nil, nil
	}

	for _, line := range strings.Split(output, "\n") {
		if cmd, ok := strings.CutPrefix(strings.TrimSpace(line), "$ "); ok {
			flush()
			cur = &Command{Command: strings.TrimSpace(cmd)}
			continue
		}
		if cur != nil {
			out = append(out, line)
		}
	}
	flush()
	return cmds
}

// ExtractModifiedFiles collects file paths from git status markers,
// diff headers, and standalone path-looking lines. The result is
// deduplicated in first-seen order.
func ExtractModifiedFiles(output string) []string {
	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" || path == "/dev/null" || seen[path] {
			return
		}
		seen[path] = true
		files = append(files, path)
	}

	for _, m := range statusMarkerPattern.FindAllStringSubmatch(output, -1) {
		// "renamed: old -> new" keeps the new path.
		path := m[1]
		if _, after, ok := strings.Cut(path, "->"); ok {
			path = after
		}
		add(path)
	}
	for _, m := range diffGitPattern.FindAllStringSubmatch(output, -1) {
		add(m[1])
		add(m[2])
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if bareFilePattern.MatchString(line) && strings.Contains(line, "/") {
			add(line)
		}
	}
	return files
}

// IsSuccess classifies an agent run. Explicit failure wording wins,
// then explicit success wording; silence counts as success because the
// agent only narrates problems reliably.
func IsSuccess(output string) bool {
	lower := strings.ToLower(output)
	for _, kw := range failureKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	for _, kw := range successKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return true
}

// summarize returns the last non-empty line as a short human summary.
func summarize(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			if len(s) > 200 {
				s = s[:200]
			}
			return s
		}
	}
	return ""
}
