package taskservice

import "fmt"

// NoCachedTaskError is returned by resolveTaskId for a numeric identifier
// when no task listing has been cached yet or the index is outside it.
type NoCachedTaskError struct {
	Index int
}

func (e *NoCachedTaskError) Error() string {
	return fmt.Sprintf("no cached task listing available to resolve index %d", e.Index)
}

// AmbiguousIdentifierError carries up to 5 candidates when a prefix
// matches more than one task.
type AmbiguousIdentifierError struct {
	Identifier string
	Candidates []string
}

func (e *AmbiguousIdentifierError) Error() string {
	return fmt.Sprintf("identifier %q is ambiguous, candidates: %v", e.Identifier, e.Candidates)
}

// TaskNotFoundError is returned when no task matches an identifier at all.
type TaskNotFoundError struct {
	Identifier string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %q", e.Identifier)
}

// TaskServiceError wraps a non-2xx response (after the single refresh
// retry) carrying the response payload's error field.
type TaskServiceError struct {
	StatusCode int
	Message    string
}

func (e *TaskServiceError) Error() string {
	return fmt.Sprintf("task service error (%d): %s", e.StatusCode, e.Message)
}
