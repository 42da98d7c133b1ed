// Package prompt generates the instruction text handed to the agent
// for each worker action. Long prompts are split into workspace-local
// context files referenced with @path syntax so they stay under the
// agent's context limit.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/boardflow/internal/task"
	"github.com/randalmurphal/boardflow/internal/workspace"
)

// ContextDirName holds spill-over context files inside the workspace.
const ContextDirName = ".boardflow-context"

// Builder renders prompts per action.
type Builder struct {
	// MaxContextLength is the prompt size in bytes above which long
	// sections spill into context files. Zero disables splitting.
	MaxContextLength int
}

// NewBuilder creates a Builder with the given context limit.
func NewBuilder(maxContextLength int) *Builder {
	return &Builder{MaxContextLength: maxContextLength}
}

// section is a named piece of the prompt; large ones are candidates
// for spilling to files.
type section struct {
	name       string
	content    string
	splittable bool
}

// Build renders the prompt for the task's action. A PriorProgress
// summary (from persisted state) feeds RESUME_TASK prompts.
func (b *Builder) Build(t *task.Task, info *workspace.Info, priorProgress string) (string, error) {
	var sections []section

	switch t.Action {
	case task.ActionStartNewTask:
		sections = b.startSections(t, info)
	case task.ActionResumeTask:
		sections = b.resumeSections(t, info, priorProgress)
	case task.ActionProcessFeedback:
		sections = b.feedbackSections(t, info)
	case task.ActionMergeRequest:
		sections = b.mergeSections(t)
	default:
		return "", fmt.Errorf("no prompt for action %q", t.Action)
	}

	return b.render(sections, info)
}

func (b *Builder) startSections(t *task.Task, info *workspace.Info) []section {
	var intro strings.Builder
	intro.WriteString("You are working on a development task in this repository.\n\n")
	if t.BoardItem != nil {
		fmt.Fprintf(&intro, "# %s\n\n", t.BoardItem.Title)
	}
	fmt.Fprintf(&intro, "Repository: %s\n", t.RepositoryID)
	if info != nil {
		fmt.Fprintf(&intro, "Branch: %s (base: %s)\n", info.BranchName, info.BaseBranch)
		fmt.Fprintf(&intro, "Task details are in %s.\n", workspace.InstructionFileName)
	}

	sections := []section{{name: "task", content: intro.String()}}

	if t.BoardItem != nil && t.BoardItem.Description != "" {
		sections = append(sections, section{
			name:      "description",
			content:   "## Description\n\n" + t.BoardItem.Description + "\n",
			splittable: true,
		})
	}

	sections = append(sections, section{name: "instructions", content: strings.Join([]string{
		"## Instructions",
		"",
		"1. Implement the task on the current branch.",
		"2. Run the project's tests and fix failures you introduced.",
		"3. Commit your changes with a clear message.",
		"4. Push the branch and open a pull request against the base branch.",
		"5. Report the pull request URL and the commit hash in your final message.",
		"",
	}, "\n")})
	return sections
}

func (b *Builder) resumeSections(t *task.Task, info *workspace.Info, priorProgress string) []section {
	sections := b.startSections(t, info)
	if priorProgress != "" {
		sections = append(sections, section{
			name:      "progress",
			content:   "## Prior progress\n\nA previous session made progress on this task:\n\n" + priorProgress + "\n\nContinue from the last completed step; do not redo finished work.\n",
			splittable: true,
		})
	} else {
		sections = append(sections, section{
			name:    "progress",
			content: "## Prior progress\n\nA previous session was interrupted. Inspect the working tree and git log on this branch, then continue from where it stopped.\n",
		})
	}
	return sections
}

func (b *Builder) feedbackSections(t *task.Task, info *workspace.Info) []section {
	var intro strings.Builder
	intro.WriteString("Reviewers left feedback on your pull request for this task.\n\n")
	if t.BoardItem != nil {
		fmt.Fprintf(&intro, "# %s\n\n", t.BoardItem.Title)
	}
	fmt.Fprintf(&intro, "Pull request: %s\n", t.PullRequestURL)
	if info != nil {
		fmt.Fprintf(&intro, "Branch: %s\n", info.BranchName)
	}

	var fb strings.Builder
	fb.WriteString("## Review comments\n\n")
	seen := make(map[string]bool)
	n := 0
	for _, c := range t.ReviewComments {
		body := strings.TrimSpace(c.Content)
		if body == "" || seen[body] {
			continue
		}
		seen[body] = true
		n++
		if c.Author != "" {
			fmt.Fprintf(&fb, "%d. (%s) %s\n", n, c.Author, body)
		} else {
			fmt.Fprintf(&fb, "%d. %s\n", n, body)
		}
	}

	return []section{
		{name: "task", content: intro.String()},
		{name: "feedback", content: fb.String(), splittable: true},
		{name: "instructions", content: strings.Join([]string{
			"## Instructions",
			"",
			"Address every comment above, run the tests, commit, and push to the same branch.",
			"The pull request updates automatically; do not open a new one.",
			"",
		}, "\n")},
	}
}

func (b *Builder) mergeSections(t *task.Task) []section {
	return []section{{name: "merge", content: strings.Join([]string{
		"The pull request below is approved and ready to merge.",
		"",
		"Pull request: " + t.PullRequestURL,
		"",
		"Merge it, then report the merge commit hash in your final message.",
		"If the merge cannot proceed (conflicts, failing checks), explain why instead.",
		"",
	}, "\n")}}
}

// render joins the sections, spilling oversized splittable ones into
// context files when the total would exceed the limit.
func (b *Builder) render(sections []section, info *workspace.Info) (string, error) {
	total := 0
	for _, s := range sections {
		total += len(s.content)
	}

	if b.MaxContextLength <= 0 || total <= b.MaxContextLength || info == nil {
		return joinSections(sections), nil
	}

	ctxDir := filepath.Join(info.WorkspaceDir, ContextDirName)
	if err := os.MkdirAll(ctxDir, 0o755); err != nil {
		return "", fmt.Errorf("create context dir: %w", err)
	}

	var index strings.Builder
	index.WriteString("# Context files\n\n")

	for i, s := range sections {
		if !s.splittable || total <= b.MaxContextLength {
			continue
		}
		ref, err := b.spill(ctxDir, s)
		if err != nil {
			return "", err
		}
		total -= len(s.content)
		replacement := fmt.Sprintf("## %s\n\nSee @%s\n", capitalize(s.name), ref)
		total += len(replacement)
		sections[i].content = replacement
		fmt.Fprintf(&index, "- @%s: %s\n", ref, s.name)
	}

	if err := os.WriteFile(filepath.Join(ctxDir, "INDEX.md"), []byte(index.String()), 0o644); err != nil {
		return "", fmt.Errorf("write context index: %w", err)
	}
	return joinSections(sections), nil
}

// spill writes a section to one or more context files and returns the
// workspace-relative reference path of the first chunk.
func (b *Builder) spill(ctxDir string, s section) (string, error) {
	chunks := splitChunks(s.content, int(0.8*float64(b.MaxContextLength)))
	var first string
	for i, chunk := range chunks {
		name := s.name + ".md"
		if len(chunks) > 1 {
			name = fmt.Sprintf("%s-%d.md", s.name, i+1)
		}
		if err := os.WriteFile(filepath.Join(ctxDir, name), []byte(chunk), 0o644); err != nil {
			return "", fmt.Errorf("write context file %s: %w", name, err)
		}
		if i == 0 {
			first = filepath.Join(ContextDirName, name)
		}
	}
	return first, nil
}

// splitChunks splits text at logical breakpoints (markdown headers,
// blank lines), falling back to hard cuts at the chunk size.
func splitChunks(text string, size int) []string {
	if size <= 0 || len(text) <= size {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		if cur.Len() > 0 && cur.Len()+len(para)+2 > size {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		// A single paragraph larger than the chunk size gets hard cuts.
		for len(para) > size {
			chunks = append(chunks, para[:size])
			para = para[size:]
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func joinSections(sections []section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if strings.TrimSpace(s.content) != "" {
			parts = append(parts, strings.TrimRight(s.content, "\n"))
		}
	}
	return strings.Join(parts, "\n\n") + "\n"
}
