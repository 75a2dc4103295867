// Package errors provides error code definitions shared by the sync server,
// the desktop node and their HTTP boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code that travels across the HTTP boundary.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrPermission ErrorCode = "PERMISSION_DENIED"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync protocol errors
	ErrNetwork                 ErrorCode = "NETWORK_ERROR"
	ErrSchemaVersion           ErrorCode = "SCHEMA_VERSION_MISMATCH"
	ErrSchemaMismatch          ErrorCode = "SCHEMA_MISMATCH"
	ErrAuthentication          ErrorCode = "AUTHENTICATION_FAILED"
	ErrSerialization           ErrorCode = "SERIALIZATION_ERROR"
	ErrConflictUnresolvable    ErrorCode = "CONFLICT_UNRESOLVABLE"
	ErrQueueCorruption         ErrorCode = "QUEUE_CORRUPTION"
	ErrNodeNotFound            ErrorCode = "NODE_NOT_FOUND"
	ErrNodeInactive            ErrorCode = "NODE_INACTIVE"
	ErrPhysicalDeleteForbidden ErrorCode = "PHYSICAL_DELETE_FORBIDDEN"
	ErrUnknownEntityType       ErrorCode = "UNKNOWN_ENTITY_TYPE"
	ErrSyncNotConfigured       ErrorCode = "SYNC_NOT_CONFIGURED"

	// Export errors
	ErrExportFailed     ErrorCode = "EXPORT_FAILED"
	ErrImportFailed     ErrorCode = "IMPORT_FAILED"
	ErrCorruptedArchive ErrorCode = "CORRUPTED_ARCHIVE"
	ErrCryptoFailed     ErrorCode = "CRYPTO_FAILED"
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if any error in the chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in the chain, or "" when none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsRetryable reports whether the failed attempt may be repeated as-is.
// Authentication failures are retryable only after the node has new credentials,
// so the scheduler treats them as halting (see IsFatal) while callers still
// surface them as retryable to the user.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetwork, ErrAuthentication:
		return true
	}
	return false
}

// IsFatal reports whether the error requires operator action before another attempt.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case ErrSchemaVersion, ErrQueueCorruption:
		return true
	}
	return false
}

// HTTPStatus maps an error code to the status returned by the sync endpoints.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrInvalid, ErrSchemaMismatch:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound, ErrNodeNotFound:
		return http.StatusNotFound
	case ErrDuplicate, ErrQueueCorruption, ErrNodeInactive:
		return http.StatusConflict
	case ErrSerialization, ErrUnknownEntityType:
		return http.StatusUnprocessableEntity
	case ErrSchemaVersion:
		return http.StatusUpgradeRequired
	case ErrNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus is the inverse of HTTPStatus used by the desktop transport.
func FromHTTPStatus(status int) ErrorCode {
	switch status {
	case http.StatusBadRequest:
		return ErrInvalid
	case http.StatusUnauthorized:
		return ErrAuthentication
	case http.StatusForbidden:
		return ErrPermission
	case http.StatusNotFound:
		return ErrNodeNotFound
	case http.StatusConflict:
		return ErrQueueCorruption
	case http.StatusUnprocessableEntity:
		return ErrSerialization
	case http.StatusUpgradeRequired:
		return ErrSchemaVersion
	default:
		return ErrNetwork
	}
}
