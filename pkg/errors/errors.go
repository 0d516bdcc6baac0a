package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gocomet/logistics-dispatch/internal/domain/booking"
	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/messaging"
	"github.com/gocomet/logistics-dispatch/internal/storage"
)

// AppError represents an application error with HTTP status code
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// BadRequest creates a 400 error
func BadRequest(message string, err error) *AppError {
	return NewAppError("BAD_REQUEST", message, http.StatusBadRequest, err)
}

// NotFound creates a 404 error
func NotFound(message string, err error) *AppError {
	return NewAppError("NOT_FOUND", message, http.StatusNotFound, err)
}

// Conflict creates a 409 error
func Conflict(message string, err error) *AppError {
	return NewAppError("CONFLICT", message, http.StatusConflict, err)
}

// Unprocessable creates a 422 error
func Unprocessable(message string, err error) *AppError {
	return NewAppError("INVALID_TRANSITION", message, http.StatusUnprocessableEntity, err)
}

// Internal creates a 500 error
func Internal(message string, err error) *AppError {
	return NewAppError("INTERNAL_ERROR", message, http.StatusInternalServerError, err)
}

// ServiceUnavailable creates a 503 error
func ServiceUnavailable(message string, err error) *AppError {
	return NewAppError("SERVICE_UNAVAILABLE", message, http.StatusServiceUnavailable, err)
}

// ErrRateLimitExceeded is returned once a client spends its request budget.
var ErrRateLimitExceeded = &AppError{
	Code:    "RATE_LIMIT_EXCEEDED",
	Message: "Rate limit exceeded. Please try again later",
	Status:  http.StatusTooManyRequests,
}

// FromDomain maps an error returned by the core onto an AppError.
func FromDomain(err error) *AppError {
	var appErr *AppError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, driver.ErrValidation):
		return BadRequest(err.Error(), err)
	case errors.Is(err, booking.ErrNotFound):
		return NotFound("Booking not found", err)
	case errors.Is(err, driver.ErrDriverNotFound):
		return NotFound("Driver not found", err)
	case errors.Is(err, booking.ErrInvalidTransition):
		return Unprocessable(err.Error(), err)
	case errors.Is(err, booking.ErrConflict):
		return Conflict("Booking was modified concurrently, retry", err)
	case errors.Is(err, driver.ErrClaimMismatch):
		return Conflict("Driver is assigned to another booking", err)
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, messaging.ErrUnavailable):
		return ServiceUnavailable("Dependency unavailable", err)
	}
	return Internal("An unexpected error occurred", err)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}
