package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for the session core taxonomy.
const (
	CodeAuthentication       = "AUTHENTICATION_FAILED"
	CodeValidation           = "VALIDATION_FAILED"
	CodeRateLimit            = "RATE_LIMIT_EXCEEDED"
	CodeTransientStore       = "STORE_UNAVAILABLE"
	CodeConsistencyAmbiguity = "CONSISTENCY_AMBIGUITY"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrSessionNotFound reports a cache lookup miss. Callers fall through
// to the durable load path on this error.
var ErrSessionNotFound = errors.New("session not found")

// ErrMessageNotFound reports a message id with no cache-tier entry.
var ErrMessageNotFound = errors.New("message not found")

// AppError represents an application error with HTTP status code and error code
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// NewError creates a new application error
func NewError(statusCode int, code string, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// NewAuthenticationError signals a missing or invalid identity claim at
// connection time. The connection is refused.
func NewAuthenticationError(message string) *AppError {
	return NewError(http.StatusUnauthorized, CodeAuthentication, message)
}

// NewValidationError signals malformed input: empty or oversized
// content, bad room id. The operation is aborted with no state mutated.
func NewValidationError(message string) *AppError {
	return NewError(http.StatusBadRequest, CodeValidation, message)
}

// NewRateLimitError signals an exhausted operation quota.
func NewRateLimitError(message string) *AppError {
	return NewError(http.StatusTooManyRequests, CodeRateLimit, message)
}

// NewTransientStoreError signals a cache or durable-store failure that
// survived the bounded retry schedule.
func NewTransientStoreError(message string, cause error) *AppError {
	e := NewError(http.StatusServiceUnavailable, CodeTransientStore, message)
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// NewConsistencyAmbiguityError signals an edit/delete whose target room
// is unknown because the message was evicted from the cache window.
func NewConsistencyAmbiguityError(message string) *AppError {
	return NewError(http.StatusConflict, CodeConsistencyAmbiguity, message)
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(message string) *AppError {
	return NewError(http.StatusNotFound, CodeNotFound, message)
}

// NewInternalServerError creates a 500 Internal Server Error
func NewInternalServerError(message string) *AppError {
	return NewError(http.StatusInternalServerError, CodeInternal, message)
}

// FromError converts a standard error to an AppError. If the error is
// already an AppError it is returned as-is.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return NewInternalServerError(fmt.Sprintf("An unexpected error occurred: %s", err.Error()))
}

// CodeOf extracts the error code from an AppError, "UNKNOWN_ERROR" otherwise.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}
