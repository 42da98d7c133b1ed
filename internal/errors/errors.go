// Package errors provides structured error types for boardflow.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for boardflow, mirroring the system-level failure taxonomy.
const (
	// Initialization / lifecycle errors
	CodeInitializationFailed Code = "INITIALIZATION_FAILED"
	CodeNotAvailable         Code = "NOT_AVAILABLE"
	CodeAlreadyRunning       Code = "ALREADY_RUNNING"

	// Execution errors
	CodeTimeout         Code = "TIMEOUT"
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	CodeProcessCrashed  Code = "PROCESS_CRASHED"

	// Provider errors
	CodeProviderTransient    Code = "PROVIDER_TRANSIENT"
	CodeConsistencyMismatch  Code = "CONSISTENCY_MISMATCH"
	CodeRepositoryNotAllowed Code = "REPOSITORY_NOT_ALLOWED"

	// Pool / routing errors
	CodeNoAvailableWorker Code = "NO_AVAILABLE_WORKER"
	CodeWorkerBusy        Code = "WORKER_BUSY"
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"

	// Git / workspace errors
	CodeCloneFailed     Code = "CLONE_FAILED"
	CodeWorktreeInvalid Code = "WORKTREE_INVALID"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeInitializationFailed: CategoryInternal,
	CodeNotAvailable:         CategoryBadRequest,
	CodeAlreadyRunning:       CategoryConflict,
	CodeTimeout:              CategoryTimeout,
	CodeExecutionFailed:      CategoryInternal,
	CodeProcessCrashed:       CategoryInternal,
	CodeProviderTransient:    CategoryUnavailable,
	CodeConsistencyMismatch:  CategoryConflict,
	CodeRepositoryNotAllowed: CategoryBadRequest,
	CodeNoAvailableWorker:    CategoryUnavailable,
	CodeWorkerBusy:           CategoryConflict,
	CodeTaskNotFound:         CategoryNotFound,
	CodeCloneFailed:          CategoryInternal,
	CodeWorktreeInvalid:      CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// FlowError is the structured error type for boardflow.
type FlowError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *FlowError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *FlowError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *FlowError) MarshalJSON() ([]byte, error) {
	type alias FlowError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a FlowError with the same code.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *FlowError) WithCause(err error) *FlowError {
	return &FlowError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// New creates a FlowError with a code and message.
func New(code Code, what string) *FlowError {
	return &FlowError{Code: code, What: what}
}

// --- Error constructors ---

// ErrInitializationFailed reports a missing port, path, or credential at startup.
func ErrInitializationFailed(component string, cause error) *FlowError {
	return &FlowError{
		Code:  CodeInitializationFailed,
		What:  fmt.Sprintf("failed to initialize %s", component),
		Fix:   "Check configuration and credentials, then restart",
		Cause: cause,
	}
}

// ErrNotAvailable reports an operation invoked before initialization.
func ErrNotAvailable(operation string) *FlowError {
	return &FlowError{
		Code: CodeNotAvailable,
		What: fmt.Sprintf("%s called before initialization", operation),
		Why:  "The supervisor has not completed startup",
	}
}

// ErrTimeout reports a wall-clock deadline exceeded.
func ErrTimeout(operation string, cause error) *FlowError {
	return &FlowError{
		Code:  CodeTimeout,
		What:  fmt.Sprintf("%s timed out", operation),
		Cause: cause,
	}
}

// ErrExecutionFailed reports a non-zero agent exit or unparseable output.
func ErrExecutionFailed(taskID string, cause error) *FlowError {
	return &FlowError{
		Code:  CodeExecutionFailed,
		What:  fmt.Sprintf("agent execution failed for task %s", taskID),
		Cause: cause,
	}
}

// ErrProcessCrashed reports an agent subprocess killed by signal.
func ErrProcessCrashed(taskID string, cause error) *FlowError {
	return &FlowError{
		Code:  CodeProcessCrashed,
		What:  fmt.Sprintf("agent process crashed for task %s", taskID),
		Cause: cause,
	}
}

// ErrNoAvailableWorker reports pool exhaustion.
func ErrNoAvailableWorker() *FlowError {
	return &FlowError{
		Code: CodeNoAvailableWorker,
		What: "no available worker",
		Why:  "All workers are busy and the pool is at max capacity",
		Fix:  "Increase pool.max_workers or wait for running tasks to finish",
	}
}

// ErrWorkerBusy reports an assignment to a worker that is mid-execution.
func ErrWorkerBusy(workerID string) *FlowError {
	return &FlowError{
		Code: CodeWorkerBusy,
		What: fmt.Sprintf("worker %s is executing and cannot accept a task", workerID),
	}
}

// ErrCloneFailed reports a failed repository clone.
func ErrCloneFailed(repositoryID string, cause error) *FlowError {
	return &FlowError{
		Code:  CodeCloneFailed,
		What:  fmt.Sprintf("clone failed for %s", repositoryID),
		Cause: cause,
	}
}

// ErrRepositoryNotAllowed reports a repository outside the allow-list.
func ErrRepositoryNotAllowed(repositoryID string) *FlowError {
	return &FlowError{
		Code: CodeRepositoryNotAllowed,
		What: fmt.Sprintf("repository %s is not in the allow-list", repositoryID),
		Fix:  "Add the repository to repositories.allow in the config",
	}
}
