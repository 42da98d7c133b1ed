// Package task defines the core domain types shared across boardflow:
// board items, task requests, worker actions, and router responses.
package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Action identifies what a worker should do with a task.
type Action string

const (
	ActionStartNewTask    Action = "START_NEW_TASK"
	ActionResumeTask      Action = "RESUME_TASK"
	ActionProcessFeedback Action = "PROCESS_FEEDBACK"
	ActionMergeRequest    Action = "MERGE_REQUEST"
	ActionCheckStatus     Action = "CHECK_STATUS"
)

// BoardStatus is the lifecycle column of a board item.
type BoardStatus string

const (
	StatusTodo       BoardStatus = "TODO"
	StatusInProgress BoardStatus = "IN_PROGRESS"
	StatusInReview   BoardStatus = "IN_REVIEW"
	StatusDone       BoardStatus = "DONE"
)

// ContentType describes what kind of content backs a board item.
type ContentType string

const (
	ContentIssue       ContentType = "issue"
	ContentPullRequest ContentType = "pull_request"
	ContentDraftIssue  ContentType = "draft_issue"
)

// ReviewState is the provider-reported approval state of a pull request.
type ReviewState string

const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewPending          ReviewState = "PENDING"
	ReviewMerged           ReviewState = "MERGED"
	ReviewClosed           ReviewState = "CLOSED"
)

// BoardItem is a snapshot of a work item on the external project board.
type BoardItem struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Status          BoardStatus `json:"status"`
	Labels          []string    `json:"labels,omitempty"`
	PullRequestURLs []string    `json:"pull_request_urls,omitempty"`
	ContentType     ContentType `json:"content_type,omitempty"`
	ContentNumber   int         `json:"content_number,omitempty"`
	Repository      string      `json:"repository,omitempty"` // owner/repo, when the board exposes it
}

// ReviewComment is a single reviewer comment on a pull request.
type ReviewComment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the internal record for a board item being worked on.
// At most one worker is bound to a task ID at any time.
type Task struct {
	ID             string          `json:"id"`
	RepositoryID   string          `json:"repository_id"` // owner/repo
	Action         Action          `json:"action"`
	BoardItem      *BoardItem      `json:"board_item,omitempty"`
	PullRequestURL string          `json:"pull_request_url,omitempty"`
	ReviewComments []ReviewComment `json:"review_comments,omitempty"`
	AssignedAt     time.Time       `json:"assigned_at,omitempty"`
}

// Request is the board-derived intent dispatched to the task router.
type Request struct {
	TaskID         string
	RepositoryID   string
	Action         Action
	BoardItem      *BoardItem
	PullRequestURL string
	Comments       []ReviewComment
}

// ResponseStatus classifies the router's answer to a request.
type ResponseStatus string

const (
	ResponseAccepted   ResponseStatus = "ACCEPTED"
	ResponseRejected   ResponseStatus = "REJECTED"
	ResponseCompleted  ResponseStatus = "COMPLETED"
	ResponseError      ResponseStatus = "ERROR"
	ResponseInProgress ResponseStatus = "IN_PROGRESS"
)

// Response is the router's answer to a Request.
type Response struct {
	Status         ResponseStatus `json:"status"`
	Message        string         `json:"message"`
	WorkerStatus   string         `json:"worker_status,omitempty"`
	PullRequestURL string         `json:"pull_request_url,omitempty"`
}

// ToTask converts a request into the task record a worker binds to.
func (r *Request) ToTask() *Task {
	return &Task{
		ID:             r.TaskID,
		RepositoryID:   r.RepositoryID,
		Action:         r.Action,
		BoardItem:      r.BoardItem,
		PullRequestURL: r.PullRequestURL,
		ReviewComments: r.Comments,
		AssignedAt:     time.Now().UTC(),
	}
}

// prURLPattern matches the owner/repo segment of a pull request URL, e.g.
// https://github.com/acme/svc/pull/7 or https://gitlab.com/acme/svc/-/merge_requests/7.
var prURLPattern = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+?)(?:/-)?/(?:pull|merge_requests)/(\d+)`)

// RepositoryFromPRURL extracts "owner/repo" from a pull request URL.
// Returns an error when the URL does not look like a PR or MR link.
func RepositoryFromPRURL(url string) (string, error) {
	m := prURLPattern.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return "", fmt.Errorf("cannot extract repository from pull request URL %q", url)
	}
	return m[1] + "/" + m[2], nil
}

// PRNumberFromURL extracts the pull request number from a PR/MR URL.
func PRNumberFromURL(url string) (int, error) {
	m := prURLPattern.FindStringSubmatch(strings.TrimSpace(url))
	if m == nil {
		return 0, fmt.Errorf("cannot extract pull request number from URL %q", url)
	}
	var n int
	if _, err := fmt.Sscanf(m[3], "%d", &n); err != nil {
		return 0, fmt.Errorf("parse pull request number %q: %w", m[3], err)
	}
	return n, nil
}

// SplitRepositoryID splits "owner/repo" into its parts.
func SplitRepositoryID(repositoryID string) (owner, repo string, err error) {
	parts := strings.SplitN(repositoryID, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository id %q (want owner/repo)", repositoryID)
	}
	return parts[0], parts[1], nil
}
