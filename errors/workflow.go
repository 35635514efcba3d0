package errors

import "fmt"

// WorkflowError is returned to callers running a workflow synchronously when
// it does not complete. Cause is the first unrecovered step failure.
type WorkflowError struct {
	WorkflowID string
	Step       string
	StepIndex  int
	Status     string
	Cause      error
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("workflow %s %s: %v", e.WorkflowID, e.Status, e.Cause)
	}
	return fmt.Sprintf("workflow %s %s at step %d (%s): %v", e.WorkflowID, e.Status, e.StepIndex+1, e.Step, e.Cause)
}

// Unwrap exposes the step failure
func (e *WorkflowError) Unwrap() error {
	return e.Cause
}
