package segmentation

import (
	"errors"
	"strings"
)

var (
	// ErrSegmentNotFound is returned when no segment row exists for the id.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrSegmentArchived is returned for archived or deleted segments.
	ErrSegmentArchived = errors.New("segment is archived or deleted")
	// ErrInvalidCriteria wraps every criteria or action validation failure.
	ErrInvalidCriteria = errors.New("invalid segment criteria")
	// ErrAlreadyClaimed means another worker holds the segment's lease.
	ErrAlreadyClaimed = errors.New("segment is already being recalculated")
	// ErrClaimLost means the run's claim expired and was reset or taken by
	// another worker before the run finished.
	ErrClaimLost = errors.New("segment claim lost")
)

// ValidationError lists every structural problem found in a criteria
// document or predicate tree. It unwraps to ErrInvalidCriteria.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid segment criteria: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidCriteria }

// NewValidationError builds a ValidationError from a list of problems.
func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

// Add records another problem.
func (e *ValidationError) Add(problem string) { e.add(problem) }

// Err returns e when it holds problems and nil otherwise.
func (e *ValidationError) Err() error { return e.orNil() }

func (e *ValidationError) add(problem string) {
	e.Problems = append(e.Problems, problem)
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// FailureReason maps a recalculation error to the suffix of the
// recalc_fail_<reason> live event.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrSegmentNotFound):
		return "404"
	case errors.Is(err, ErrSegmentArchived):
		return "410"
	case errors.Is(err, ErrInvalidCriteria):
		return "422"
	default:
		return "500"
	}
}
