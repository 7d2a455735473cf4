package batch

import (
	"errors"
	"fmt"
)

// Common errors returned by the accumulator.
var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("batch: accumulator is closed")

	// ErrEmptyText is returned when Submit is called with an empty input.
	ErrEmptyText = errors.New("batch: empty text")

	// ErrResultCount is returned when a dispatcher returns a different number
	// of vectors than inputs.
	ErrResultCount = errors.New("batch: dispatcher returned wrong number of results")
)

// BatchError reports the members of a batch that could not be resolved after
// falling back to individual dispatch, keyed by content hash.
type BatchError struct {
	// Failed maps content hashes to their specific errors.
	Failed map[string]error

	// Succeeded lists content hashes that resolved.
	Succeeded []string
}

// NewBatchError creates a BatchError.
func NewBatchError(failed map[string]error, succeeded []string) *BatchError {
	return &BatchError{Failed: failed, Succeeded: succeeded}
}

func (e *BatchError) Error() string {
	if len(e.Failed) == 0 {
		return "no failures in batch"
	}
	total := len(e.Failed) + len(e.Succeeded)
	return fmt.Sprintf("batch partially failed: %d/%d items failed", len(e.Failed), total)
}

// HasFailures reports whether any member failed.
func (e *BatchError) HasFailures() bool {
	return len(e.Failed) > 0
}

// FailureRate returns the fraction of members that failed (0.0 to 1.0).
func (e *BatchError) FailureRate() float64 {
	total := len(e.Failed) + len(e.Succeeded)
	if total == 0 {
		return 0
	}
	return float64(len(e.Failed)) / float64(total)
}

// Unwrap returns the member errors so errors.Is matches any of them.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}
