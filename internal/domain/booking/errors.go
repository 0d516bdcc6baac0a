package booking

import (
	"errors"
	"fmt"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
)

var (
	ErrNotFound          = errors.New("booking not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("booking was modified concurrently")

	ErrAssignedByMatching = fmt.Errorf("%w: drivers are only assigned by matching", ErrInvalidTransition)

	ErrMissingDriver   = fmt.Errorf("%w: confirming a booking requires a driver", driver.ErrValidation)
	ErrMissingUser     = fmt.Errorf("%w: user id is required", driver.ErrValidation)
	ErrScheduledInPast = fmt.Errorf("%w: scheduled time is in the past", driver.ErrValidation)
	ErrInvalidStatus   = fmt.Errorf("%w: unknown booking status", driver.ErrValidation)
)

// TransitionError describes a rejected status change. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
