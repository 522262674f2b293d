package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for storage operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument   ErrorCode = 1000
	ErrCodeInvalidMemoryType ErrorCode = 1001
	ErrCodeKeyNotFound       ErrorCode = 1002

	// Resource errors
	ErrCodeMemoryLimitExceeded ErrorCode = 1100

	// Operation errors
	ErrCodeLockTimeout          ErrorCode = 1200
	ErrCodeCompactionInProgress ErrorCode = 1201

	// Data errors
	ErrCodeCorruptedData ErrorCode = 1300

	// System errors
	ErrCodeInternal         ErrorCode = 2000
	ErrCodeStoreUnavailable ErrorCode = 2001
	ErrCodeInitFailed       ErrorCode = 2002
	ErrCodeCompactionFailed ErrorCode = 2003
)

// Severity classifies how bad a failure is for the engine instance.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Category groups error codes by how callers should react (see the
// propagation rules on each constructor).
type Category string

const (
	CategoryResource  Category = "resource"
	CategoryOperation Category = "operation"
	CategoryData      Category = "data"
	CategorySystem    Category = "system"
)

// StorageError represents a structured error with code, classification
// and context
type StorageError struct {
	Code      ErrorCode
	Message   string
	Severity  Severity
	Category  Category
	Retryable bool
	Context   map[string]interface{}
	Cause     error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// WithContext adds a context value to the error
func (e *StorageError) WithContext(key string, value interface{}) *StorageError {
	e.Context[key] = value
	return e
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, severity Severity, category Category, retryable bool, message string, cause error) *StorageError {
	return &StorageError{
		Code:      code,
		Message:   message,
		Severity:  severity,
		Category:  category,
		Retryable: retryable,
		Context:   make(map[string]interface{}),
		Cause:     cause,
	}
}

// Convenience constructors for common errors

// InvalidArgument flags a malformed request. Not retryable.
func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, SeverityError, CategoryData, false, message, cause)
}

// InvalidMemoryType flags a value the engine cannot store.
func InvalidMemoryType(key string, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidMemoryType, SeverityError, CategoryData, false,
		fmt.Sprintf("invalid memory type for key '%s': %s", key, reason), nil).
		WithContext("key", key).
		WithContext("reason", reason)
}

// MemoryLimitExceeded is surfaced immediately; the caller may retry after
// freeing capacity.
func MemoryLimitExceeded(key string, size, limit int64) *StorageError {
	return NewStorageError(ErrCodeMemoryLimitExceeded, SeverityWarning, CategoryResource, true,
		fmt.Sprintf("memory limit exceeded: entry %s of %d bytes over limit %d", key, size, limit), nil).
		WithContext("key", key).
		WithContext("size", size).
		WithContext("limit", limit)
}

// LockTimeout indicates a waiter gave up before acquiring a lock-key.
// Retryable with backoff.
func LockTimeout(lockKey string, waitedMs int64) *StorageError {
	return NewStorageError(ErrCodeLockTimeout, SeverityWarning, CategoryOperation, true,
		fmt.Sprintf("timed out waiting for lock '%s' after %dms", lockKey, waitedMs), nil).
		WithContext("lock_key", lockKey).
		WithContext("waited_ms", waitedMs)
}

// CompactionInProgress indicates the engine has no durable tier while the
// store is being rebuilt. Transient: retry with backoff.
func CompactionInProgress() *StorageError {
	return NewStorageError(ErrCodeCompactionInProgress, SeverityWarning, CategoryOperation, true,
		"durable tier is being rebuilt, retry shortly", nil)
}

// CorruptedData is fatal for the affected key only.
func CorruptedData(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptedData, SeverityError, CategoryData, false, message, cause)
}

// StoreUnavailable is fatal to the engine instance until re-initialized.
func StoreUnavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeStoreUnavailable, SeverityCritical, CategorySystem, false, message, cause)
}

// InitFailed indicates initialization exhausted its retries.
func InitFailed(attempts int, cause error) *StorageError {
	return NewStorageError(ErrCodeInitFailed, SeverityCritical, CategorySystem, false,
		fmt.Sprintf("storage initialization failed after %d attempts", attempts), cause).
		WithContext("attempts", attempts)
}

// CompactionFailed indicates the durable tier could not be rebuilt.
func CompactionFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCompactionFailed, SeverityCritical, CategorySystem, false, message, cause)
}

// InternalError wraps an unexpected failure.
func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, SeverityError, CategorySystem, false, message, cause)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsLockTimeout reports whether the error is a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return GetCode(err) == ErrCodeLockTimeout
}
