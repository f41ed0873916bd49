package errors

import (
	"context"
	"errors"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil. A wrapped *Error keeps its code; context
// errors map to TIMEOUT or CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		wrapped := &Error{
			code:     swarmErr.code,
			category: swarmErr.category,
			message:  message,
			cause:    err,
			metadata: swarmErr.Metadata(),
			workerID: swarmErr.workerID,
			taskID:   swarmErr.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// AsSwarmError extracts a SwarmError from an error chain, or nil.
func AsSwarmError(err error) SwarmError {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr
	}
	return nil
}

// Is checks if the first structured error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	return Code(err) == code && code != ""
}

// Code extracts the error code from an error, or "".
func Code(err error) ErrorCode {
	var swarmErr *Error
	if errors.As(err, &swarmErr) {
		return swarmErr.code
	}
	return ""
}
