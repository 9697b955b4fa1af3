// Package errors provides the application error type shared by the anyon services.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Orchestration codes
	ErrCodeAttemptBusy       = "ATTEMPT_BUSY"
	ErrCodeAlreadyResolved   = "ALREADY_RESOLVED"
	ErrCodeProcessNotRunning = "PROCESS_NOT_RUNNING"
	ErrCodeSessionConflict   = "SESSION_CONFLICT"
	ErrCodeNotCodingAgent    = "NOT_CODING_AGENT_ACTION"
	ErrCodeNoSessionFound    = "NO_SESSION_FOUND"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// AttemptBusy reports that a task attempt already has a running execution process.
func AttemptBusy(attemptID string) *AppError {
	return &AppError{
		Code:       ErrCodeAttemptBusy,
		Message:    fmt.Sprintf("task attempt '%s' already has a running execution process", attemptID),
		HTTPStatus: http.StatusConflict,
	}
}

// AlreadyResolved reports a second response to an approval that was already answered.
func AlreadyResolved(approvalID string, status string) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyResolved,
		Message:    fmt.Sprintf("approval '%s' already resolved as %s", approvalID, status),
		HTTPStatus: http.StatusConflict,
	}
}

// ProcessNotRunning reports an event for an execution process that already stopped.
func ProcessNotRunning(processID string, status string) *AppError {
	return &AppError{
		Code:       ErrCodeProcessNotRunning,
		Message:    fmt.Sprintf("execution process '%s' is not running (status %s)", processID, status),
		HTTPStatus: http.StatusConflict,
	}
}

// SessionConflict reports an attempt to overwrite a recorded agent session id.
func SessionConflict(processID, recorded, incoming string) *AppError {
	return &AppError{
		Code: ErrCodeSessionConflict,
		Message: fmt.Sprintf("execution process '%s' already recorded session '%s', refusing '%s'",
			processID, recorded, incoming),
		HTTPStatus: http.StatusConflict,
	}
}

// NotCodingAgentAction reports that an action cannot be resumed as a coding agent conversation.
func NotCodingAgentAction(actionType string) *AppError {
	return &AppError{
		Code:       ErrCodeNotCodingAgent,
		Message:    fmt.Sprintf("action of type %s is not a coding agent request", actionType),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// NoSessionFound reports that an execution process never reported an agent session.
func NoSessionFound(processID string) *AppError {
	return &AppError{
		Code:       ErrCodeNoSessionFound,
		Message:    fmt.Sprintf("no executor session recorded for execution process '%s'", processID),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// HasCode checks whether err carries the given AppError code anywhere in its chain.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsAttemptBusy checks if the error is an attempt busy error.
func IsAttemptBusy(err error) bool {
	return HasCode(err, ErrCodeAttemptBusy)
}

// IsBadRequest checks if the error is a bad request error.
func IsBadRequest(err error) bool {
	return HasCode(err, ErrCodeBadRequest) || HasCode(err, ErrCodeValidationError)
}

// AsAppError converts any error into an AppError, wrapping unknown errors as internal.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError("internal error", err)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
