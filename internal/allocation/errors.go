package allocation

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("invalid allocation input")
	// ErrNoCandidates is returned when the candidate list is empty.
	ErrNoCandidates = errors.New("no candidate manufacturers")
	// ErrInvalidQuantity is returned when there is nothing to allocate.
	ErrInvalidQuantity = errors.New("remaining quantity must be positive")
	// ErrDegenerateScores is returned when every combined score is zero, which
	// usually means ranking never ran for the job.
	ErrDegenerateScores = errors.New("all candidate combined scores are zero")
	// ErrInvariantViolation marks a result that breaks conservation or a
	// capacity ceiling. It is a bug, never a business outcome.
	ErrInvariantViolation = errors.New("allocation invariant violated")
)

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UnallocatableRemainderError is returned when every candidate is at its
// capacity ceiling and units are still left over.
type UnallocatableRemainderError struct {
	Requested uint
	Leftover  uint
}

func (e *UnallocatableRemainderError) Error() string {
	return fmt.Sprintf("%d of %d units cannot be allocated: all candidates at capacity", e.Leftover, e.Requested)
}

// Permanent reports whether retrying the same input can ever succeed.
func Permanent(err error) bool {
	var remainder *UnallocatableRemainderError
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNoCandidates) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrDegenerateScores) ||
		errors.As(err, &remainder)
}
