package provider

import "fmt"

// ProviderExitedNonZeroError is returned when the child exits with a
// non-zero status, carrying its full captured streams for diagnosis.
type ProviderExitedNonZeroError struct {
	Code   int
	Stdout string
	Stderr string
}

func (e *ProviderExitedNonZeroError) Error() string {
	return fmt.Sprintf("provider exited with code %d", e.Code)
}

// ProviderTimeoutError is returned when the child is killed after exceeding
// its timeout budget.
type ProviderTimeoutError struct {
	TimeoutMs int
}

func (e *ProviderTimeoutError) Error() string {
	return fmt.Sprintf("provider timed out after %dms", e.TimeoutMs)
}

// CancellationRequestedError unwinds a spawn (or an iteration loop) in
// response to an external cancel signal, carrying the watcher's reason.
type CancellationRequestedError struct {
	Reason string
}

func (e *CancellationRequestedError) Error() string {
	if e.Reason == "" {
		return "cancellation requested"
	}
	return fmt.Sprintf("cancellation requested: %s", e.Reason)
}
