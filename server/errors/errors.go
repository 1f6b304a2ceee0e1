// Package errors defines the application error type the HTTP layer maps
// onto status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError carries an HTTP status, a user-facing message and the internal
// error kept for logs only.
type AppError struct {
	Code    int    `json:"status_code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
	Context string `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the internal error to errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) StatusCode() int {
	return e.Code
}

func (e *AppError) UserMessage() string {
	return e.Message
}

func (e *AppError) GetContext() string {
	return e.Context
}

// WithContext attaches request context (handler, parameters) for logs.
func (e *AppError) WithContext(context string) *AppError {
	e.Context = context
	return e
}

func NewNotFoundError(message string, err error) *AppError {
	return &AppError{
		Code:    http.StatusNotFound,
		Message: message,
		Err:     err,
	}
}

func NewValidationError(message string, err error) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Message: message,
		Err:     err,
	}
}

// NewInternalError hides the detail from the user; the wrapped error goes
// to the logs only.
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Code:    http.StatusInternalServerError,
		Message: "internal server error",
		Err:     errors.Join(errors.New(message), err),
	}
}

func NewConflictError(message string, err error) *AppError {
	return &AppError{
		Code:    http.StatusConflict,
		Message: message,
		Err:     err,
	}
}

// NewRetryableError maps transient persistence failures to 503 so clients
// know a retry with the same source id is safe.
func NewRetryableError(message string, err error) *AppError {
	return &AppError{
		Code:    http.StatusServiceUnavailable,
		Message: message,
		Err:     err,
	}
}

// WrapError adds context to an existing error. An AppError keeps its
// status; anything else becomes an internal error.
func WrapError(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
			Context: appErr.Context,
		}
	}
	return NewInternalError(message, err)
}
