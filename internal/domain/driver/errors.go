package driver

import (
	"errors"
	"fmt"
)

// ErrValidation is the root of every input validation failure.
var ErrValidation = errors.New("validation failed")

var (
	ErrInvalidDriverID    = fmt.Errorf("%w: driver id is required", ErrValidation)
	ErrInvalidCoordinates = fmt.Errorf("%w: invalid coordinates", ErrValidation)
	ErrInvalidVehicleType = fmt.Errorf("%w: invalid vehicle type", ErrValidation)
	ErrDriverNotFound     = errors.New("driver not found")
	ErrClaimMismatch      = errors.New("driver is claimed by another booking")
)
