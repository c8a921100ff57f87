package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation           ErrorType = "validation"
	ErrorTypeNetwork              ErrorType = "network"
	ErrorTypeTimeout              ErrorType = "timeout"
	ErrorTypeUnauthorized         ErrorType = "unauthorized"
	ErrorTypeInvalidCredentials   ErrorType = "invalid_credentials"
	ErrorTypeMalformedResult      ErrorType = "malformed_result"
	ErrorTypeCorruptSessionRecord ErrorType = "corrupt_session_record"
	ErrorTypeNotFound             ErrorType = "not_found"
	ErrorTypeNotReady             ErrorType = "not_ready"
	ErrorTypeBackend              ErrorType = "backend"
	ErrorTypeInternal             ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches a human-readable detail string
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// Retryable reports whether repeating the same call may succeed
func (e *AppError) Retryable() bool {
	return e.Type == ErrorTypeNetwork || e.Type == ErrorTypeTimeout || e.Type == ErrorTypeNotReady
}

func newAppError(t ErrorType, status int, message string, cause error) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: status,
		Cause:      cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *AppError {
	return newAppError(ErrorTypeValidation, http.StatusBadRequest, message, cause)
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *AppError {
	return newAppError(ErrorTypeNetwork, http.StatusBadGateway, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *AppError {
	return newAppError(ErrorTypeTimeout, http.StatusGatewayTimeout, message, cause)
}

// NewUnauthorizedError creates an error for calls made without a session
func NewUnauthorizedError(message string, cause error) *AppError {
	return newAppError(ErrorTypeUnauthorized, http.StatusUnauthorized, message, cause)
}

// NewInvalidCredentialsError creates an error for a rejected email/secret pair
func NewInvalidCredentialsError(message string, cause error) *AppError {
	return newAppError(ErrorTypeInvalidCredentials, http.StatusUnauthorized, message, cause)
}

// NewMalformedResultError creates an error for a payload that failed schema validation
func NewMalformedResultError(message string, cause error) *AppError {
	return newAppError(ErrorTypeMalformedResult, http.StatusBadGateway, message, cause)
}

// NewCorruptSessionRecordError creates an error for unreadable durable session data
func NewCorruptSessionRecordError(message string, cause error) *AppError {
	return newAppError(ErrorTypeCorruptSessionRecord, http.StatusInternalServerError, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *AppError {
	return newAppError(ErrorTypeNotFound, http.StatusNotFound, message, cause)
}

// NewNotReadyError creates an error for results that are still being produced
func NewNotReadyError(message string, cause error) *AppError {
	return newAppError(ErrorTypeNotReady, http.StatusAccepted, message, cause)
}

// NewBackendError creates an error for a request the backend answered with a
// server error after it may already have acted on it
func NewBackendError(message string, cause error) *AppError {
	return newAppError(ErrorTypeBackend, http.StatusBadGateway, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *AppError {
	return newAppError(ErrorTypeInternal, http.StatusInternalServerError, message, cause)
}

// As extracts the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := As(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetStatusCode extracts the HTTP status code from an error
func GetStatusCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
