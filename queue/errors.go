package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = errors.New("queue: job not found")

	// ErrEmptyID is returned by Submit for an empty idempotency key.
	ErrEmptyID = errors.New("queue: empty job id")

	// ErrInvalidJob is returned by Submit for a malformed payload or an out of
	// range option.
	ErrInvalidJob = errors.New("queue: invalid job")

	// ErrLeaseLost is returned when a job outcome is reported by a worker that
	// no longer holds the job, because its lease was reclaimed or the job was
	// resubmitted.
	ErrLeaseLost = errors.New("queue: job lease lost")

	// ErrContended is returned when a job record kept changing underneath an
	// update.
	ErrContended = errors.New("queue: job record contended")
)

// PermanentError marks a job failure that must not be retried.
type PermanentError struct {
	Err error
}

// Permanent wraps err so Fail moves the job straight to the failed state.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// PostponeError marks a job that could not run yet, e.g. because a rate limit
// or an open circuit rejected it. The attempt is not consumed.
type PostponeError struct {
	Err   error
	Delay time.Duration
}

// Postpone wraps err so Fail re-queues the job after delay without counting
// the attempt.
func Postpone(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &PostponeError{Err: err, Delay: delay}
}

func (e *PostponeError) Error() string {
	return fmt.Sprintf("postponed %s: %v", e.Delay, e.Err)
}

func (e *PostponeError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err, or any error it wraps, is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
