package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("job not found")
	ErrConcurrentModification = errors.New("job was modified by another execution")
	ErrInvalidRange           = errors.New("date_from must not be after date_to")
	ErrInvalidRequest         = errors.New("invalid job request")
	ErrNotRetryable           = errors.New("only failed jobs can be retried")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrLocked                 = errors.New("job is already being executed")
)

// Failure is the terminal error of a job execution. Err keeps the underlying
// cause, including typed remote faults.
type Failure struct {
	JobID  string
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("job %s failed (%s): %v", f.JobID, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
