package types

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status represents the operational status of components
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// ID represents a unique message identifier
type ID string

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a time-sortable ULID for an envelope.
func NewMessageID() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// Error represents an error with additional context
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error carrying the same code.
// This lets errors.Is match the sentinel errors below through any wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new error with code and message
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with code and message
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrCode checks if an error in the chain has a specific error code
func IsErrCode(err error, code string) bool {
	return errors.Is(err, &Error{Code: code})
}

// GetErrorCode returns the error code of the first *Error in the chain
func GetErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeInvalid         = "INVALID"
	ErrCodeInternal        = "INTERNAL"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeCanceled        = "CANCELED"
	ErrCodeHandlerFailed   = "HANDLER_FAILED"
	ErrCodeRateLimited     = "RATE_LIMITED"

	ErrCodeInvalidScope       = "INVALID_SCOPE"
	ErrCodeInvalidThreadID    = "INVALID_THREAD_ID"
	ErrCodeInvalidRunID       = "INVALID_RUN_ID"
	ErrCodeMissingIdentifier  = "MISSING_IDENTIFIER"
	ErrCodeIdentityMismatch   = "IDENTITY_MISMATCH"
	ErrCodeInvalidHandlerType = "INVALID_HANDLER_TYPE"
	ErrCodeRouterNotRunning   = "ROUTER_NOT_RUNNING"
)

// Sentinels for errors.Is. Returned errors carry more context but the same code.
var (
	ErrInvalidScope       = NewError(ErrCodeInvalidScope, "invalid scope")
	ErrInvalidThreadID    = NewError(ErrCodeInvalidThreadID, "invalid thread id")
	ErrInvalidRunID       = NewError(ErrCodeInvalidRunID, "invalid run id")
	ErrMissingIdentifier  = NewError(ErrCodeMissingIdentifier, "missing identifier")
	ErrIdentityMismatch   = NewError(ErrCodeIdentityMismatch, "identity mismatch")
	ErrInvalidHandlerType = NewError(ErrCodeInvalidHandlerType, "invalid handler type")
	ErrRouterNotRunning   = NewError(ErrCodeRouterNotRunning, "router is not running")
	ErrRateLimited        = NewError(ErrCodeRateLimited, "rate limit exceeded")
)
