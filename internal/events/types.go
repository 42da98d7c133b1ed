// Package events provides event types and publishing infrastructure for boardflow.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventTaskAccepted indicates the router accepted a task request.
	EventTaskAccepted EventType = "task_accepted"
	// EventTaskProgress indicates a worker progress change (preparing, executing).
	EventTaskProgress EventType = "task_progress"
	// EventTaskComplete indicates a task reached a terminal state.
	EventTaskComplete EventType = "task_complete"
	// EventPullRequest indicates a PR was created or updated for a task.
	EventPullRequest EventType = "pull_request"
	// EventWorkerState indicates a worker status transition.
	EventWorkerState EventType = "worker_state"
	// EventPlannerCycle indicates a reconciliation cycle finished.
	EventPlannerCycle EventType = "planner_cycle"
	// EventError indicates a non-fatal error.
	EventError EventType = "error"
)

// Event represents a published event.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id,omitempty"`
	Data   any       `json:"data,omitempty"`
	Time   time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, taskID string, data any) Event {
	return Event{
		Type:   eventType,
		TaskID: taskID,
		Data:   data,
		Time:   time.Now(),
	}
}

// WorkerStateData carries a worker status transition.
type WorkerStateData struct {
	WorkerID string `json:"worker_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	TaskID   string `json:"task_id,omitempty"`
}

// ProgressData carries a worker progress update.
type ProgressData struct {
	WorkerID string `json:"worker_id"`
	Stage    string `json:"stage"` // preparing, executing, parsing, waiting_for_review
	Message  string `json:"message,omitempty"`
}

// PullRequestData carries PR lifecycle information.
type PullRequestData struct {
	URL    string `json:"url"`
	Action string `json:"action"` // created, review_requested, merged
}

// CycleData summarizes one planner cycle.
type CycleData struct {
	NewTasks     int           `json:"new_tasks"`
	InProgress   int           `json:"in_progress"`
	InReview     int           `json:"in_review"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration"`
	ForcedByUser bool          `json:"forced,omitempty"`
}

// ErrorData represents error information.
type ErrorData struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}
