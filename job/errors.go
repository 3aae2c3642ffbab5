package job

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for malformed input such as a zero
	// Location or a range outside the object bounds.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState is returned when an operation is not allowed in the
	// job's current state, e.g. mutating a finished job.
	ErrInvalidState = errors.New("invalid state")

	// ErrStaleCheckpoint is returned when a checkpoint's validation token no
	// longer matches the source. Callers discard the checkpoint and restart.
	ErrStaleCheckpoint = errors.New("stale checkpoint")

	// ErrSerializationFormat is returned when a persisted record is corrupt
	// or was written by an incompatible version.
	ErrSerializationFormat = errors.New("serialization format error")
)

// Error carries the operation and job that failed along with one of the
// sentinel errors above.
type Error struct {
	Op    string
	JobID string
	Err   error
}

func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job.%s %s: %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("job.%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, jobID string, sentinel error, format string, args ...any) *Error {
	return &Error{
		Op:    op,
		JobID: jobID,
		Err:   fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)),
	}
}
