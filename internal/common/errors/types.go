// Package errors provides the structured error taxonomy shared by the token
// manager, the transport and the request dispatcher.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConnection represents network level failures (reset, refused, DNS)
	ErrTypeConnection ErrorType = "connection"
	// ErrTypeServer represents 5xx responses from a remote endpoint
	ErrTypeServer ErrorType = "server"
	// ErrTypeClient represents 4xx responses from a remote endpoint
	ErrTypeClient ErrorType = "client"
	// ErrTypeValidation represents local validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeMalformed represents responses that could not be interpreted
	ErrTypeMalformed ErrorType = "malformed"
	// ErrTypeInternal represents internal errors
	ErrTypeInternal ErrorType = "internal"
	// ErrTypeTimeout represents caller-side waits that exceeded their deadline
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeRateLimit represents client-side rate limiting
	ErrTypeRateLimit ErrorType = "rate_limit"
	// ErrTypeShutdown represents operations aborted because a component was closed
	ErrTypeShutdown ErrorType = "shutdown"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// HTTPStatusError creates an error for a non-2xx response. 5xx responses become
// server errors and 4xx responses client errors; anything else is malformed.
func HTTPStatusError(operation string, statusCode int, body string) *AppError {
	errType := ErrTypeMalformed
	switch {
	case statusCode >= 500 && statusCode <= 599:
		errType = ErrTypeServer
	case statusCode >= 400 && statusCode <= 499:
		errType = ErrTypeClient
	}

	msg := fmt.Sprintf("%s returned HTTP %d", operation, statusCode)
	if body = strings.TrimSpace(body); body != "" {
		if len(body) > 256 {
			body = body[:256]
		}
		msg = fmt.Sprintf("%s: %s", msg, body)
	}

	return &AppError{
		Type:       errType,
		Message:    msg,
		StatusCode: statusCode,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// MalformedError creates an error for a response that could not be interpreted
func MalformedError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeMalformed,
		Message: msg,
		Cause:   cause,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// RateLimitError creates a new rate limit error
func RateLimitError(resource string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeRateLimit,
		Message: fmt.Sprintf("rate limit exceeded for %s", resource),
		Cause:   cause,
	}
}

// ShutdownError creates an error for work aborted by Close
func ShutdownError(component string) *AppError {
	return &AppError{
		Type:    ErrTypeShutdown,
		Message: fmt.Sprintf("%s is closed", component),
	}
}

// IsType checks if an error, or any error it wraps, is an AppError of a specific type
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Type == errType
}

// GetType returns the error type if it wraps an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ErrTypeInternal
	}

	return appErr.Type
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}

// IsClientStatus reports whether status is a 4xx code.
func IsClientStatus(status int) bool {
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}

// IsServerStatus reports whether status is a 5xx code.
func IsServerStatus(status int) bool {
	return status >= http.StatusInternalServerError && status <= 599
}
