package detect

import "fmt"

// CollectionError means the process table as a whole could not be read.
// The engine backs off and retries.
type CollectionError struct {
	Err error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect processes: %v", e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// EnforcementError reports a failed termination. It is logged, never retried.
type EnforcementError struct {
	PID  int
	Name string
	Err  error
}

func (e *EnforcementError) Error() string {
	return fmt.Sprintf("terminate pid %d (%s): %v", e.PID, e.Name, e.Err)
}

func (e *EnforcementError) Unwrap() error { return e.Err }
