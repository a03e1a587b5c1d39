package logging

import "fmt"

// OperationError records which operation failed, for which job, and how many
// attempts were made before giving up.
type OperationError struct {
	Operation string
	JobID     string
	// Attempts is 0 or 1 for operations that were not retried.
	Attempts int
	Err      error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	msg := e.Operation
	if e.JobID != "" {
		msg += fmt.Sprintf(" (job_id=%s)", e.JobID)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and job it belongs to. A nil
// err yields nil.
func NewOperationError(operation, jobID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, JobID: jobID, Err: err}
}

// NewRetryError is NewOperationError for an operation that was tried attempts times.
func NewRetryError(operation, jobID string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, JobID: jobID, Attempts: attempts, Err: err}
}
