package errors

import (
	"context"
	stderrors "errors"
)

// Class groups error types by what a caller should do about them.
type Class int

const (
	// ClassRetryable means the failure is transient: try again later.
	ClassRetryable Class = iota
	// ClassNonRetryable means the request or credentials must be fixed first.
	ClassNonRetryable
	// ClassTimeout means the caller gave up waiting.
	ClassTimeout
	// ClassMalformed means a response could not be interpreted.
	ClassMalformed
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassNonRetryable:
		return "non_retryable"
	case ClassTimeout:
		return "timeout"
	case ClassMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Classify maps an error onto a Class. The outermost AppError decides; a
// connection error caused by a transport timeout is still a connection error.
// Bare context deadline errors are timeouts and any other error is treated as
// a network fault.
func Classify(err error) Class {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return ClassTimeout
		}
		return ClassRetryable
	}

	switch appErr.Type {
	case ErrTypeConnection, ErrTypeServer, ErrTypeRateLimit, ErrTypeInternal:
		return ClassRetryable
	case ErrTypeTimeout:
		return ClassTimeout
	case ErrTypeMalformed:
		return ClassMalformed
	default:
		// client, validation, config, shutdown
		return ClassNonRetryable
	}
}

// IsRetryable reports whether a failed operation may succeed if repeated.
// Malformed responses count as retryable since they come from the remote side.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case ClassRetryable, ClassMalformed:
		return true
	}
	return false
}
