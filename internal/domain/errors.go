package domain

import (
	"context"
	"errors"
)

var (
	// ErrValidation marks malformed input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized marks missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden marks an action on a room or call the caller is not part of.
	ErrForbidden = errors.New("not a participant")
	// ErrNotFound marks an unknown group room or call.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks a transient storage or bus failure; callers may retry.
	ErrUnavailable = errors.New("temporarily unavailable")
	// ErrCallFull is returned when a third participant joins a direct call.
	ErrCallFull = errors.New("call is full")
	// ErrIllegalTransition is returned by the call state machine.
	ErrIllegalTransition = errors.New("illegal call state transition")
)

// Error codes sent to clients.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeCallFull      = "CALL_FULL"
	ErrCodeTooLarge      = "TOO_LARGE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ErrorCode maps an error to the code reported to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return ErrCodeBadRequest
	case errors.Is(err, ErrUnauthorized):
		return ErrCodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return ErrCodeForbidden
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrCallFull):
		return ErrCodeCallFull
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeUnavailable
	default:
		return ErrCodeInternalError
	}
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	return ErrorCode(err) == ErrCodeUnavailable
}
