package remote

import "fmt"

// ExecutionError is a remote command that exited non-zero (with
// IgnoreErrors unset) or exhausted its retries. It carries the captured
// stderr so callers can surface something actionable.
type ExecutionError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote command failed: %s: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("remote command failed: %s", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CancelledError marks a run that failed after cancellation was requested.
// It is terminal and never retried.
type CancelledError struct {
	OperationID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("operation %s was cancelled", e.OperationID)
}
