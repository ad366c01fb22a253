package planner

import (
	"context"
	"errors"

	"production-planner/internal/allocation"
	"production-planner/internal/lock"
	"production-planner/internal/scheduling"
	"production-planner/internal/store"
)

// Permanent reports whether retrying the same request can never succeed.
func Permanent(err error) bool {
	return allocation.Permanent(err) ||
		errors.Is(err, scheduling.ErrValidation) ||
		errors.Is(err, ErrNotOpenRequest) ||
		errors.Is(err, store.ErrNotFound)
}

// Outcome is the metric label for the result of a planning call.
func Outcome(err error) string {
	var remainder *allocation.UnallocatableRemainderError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, allocation.ErrValidation), errors.Is(err, scheduling.ErrValidation),
		errors.Is(err, allocation.ErrNoCandidates), errors.Is(err, allocation.ErrInvalidQuantity),
		errors.Is(err, ErrNotOpenRequest):
		return "invalid"
	case errors.Is(err, allocation.ErrDegenerateScores):
		return "degenerate"
	case errors.As(err, &remainder):
		return "unallocatable"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, lock.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, allocation.ErrInvariantViolation), errors.Is(err, store.ErrOverAllocation), errors.Is(err, scheduling.ErrDoubleBooking):
		return "invariant"
	}
	return "error"
}
