// Package errors provides error code definitions shared by the sync engine
// and the authority-side handlers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync failure taxonomy. Transient failures are always retryable and
	// abort the remainder of a push cycle; permanent rejections are never
	// auto-retried; key conflicts are success-equivalent (the record is
	// already applied on the authority).
	ErrTransient   ErrorCode = "TRANSIENT_FAILURE"
	ErrPermanent   ErrorCode = "PERMANENT_REJECTION"
	ErrKeyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
	ErrSyncTimeout ErrorCode = "SYNC_TIMEOUT"
	ErrSyncFailed  ErrorCode = "SYNC_FAILED"

	// Transfer errors. A state conflict is a hard rejection: the caller
	// must re-fetch current transfer state before retrying.
	ErrStateConflict     ErrorCode = "TRANSFER_STATE_CONFLICT"
	ErrTransferNotFound  ErrorCode = "TRANSFER_NOT_FOUND"
	ErrInsufficientStock ErrorCode = "INSUFFICIENT_STOCK"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the ErrorCode from an error, or ErrInternal if it carries none.
func Code(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err belongs to the retryable failure class.
func IsTransient(err error) bool {
	return Is(err, ErrTransient) || Is(err, ErrSyncTimeout)
}

// IsPermanent reports whether err is a business rejection that must not be
// auto-retried.
func IsPermanent(err error) bool {
	return Is(err, ErrPermanent) || Is(err, ErrValidation)
}

// IsStateConflict reports whether err is a transfer lifecycle conflict.
func IsStateConflict(err error) bool {
	return Is(err, ErrStateConflict)
}
