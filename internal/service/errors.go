package service

import "errors"

// ErrInvalidState is returned when an operation is requested against a job
// whose current status forbids it (e.g. retrying a completed job).
var ErrInvalidState = errors.New("operation not permitted in current job state")

// ErrForbidden is returned when the caller is neither the job's owner nor an
// admin.
var ErrForbidden = errors.New("job belongs to another owner")

// ValidationError describes a malformed submission. It is surfaced
// synchronously to the caller; nothing is persisted.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
