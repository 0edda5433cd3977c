// Package errors provides structured error types for the capture pipeline.
// All errors include a category, code, message, and retryable flag so the
// orchestrator and plugin host can tell configuration problems from
// transient runtime failures.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline component.
type ErrorCategory string

const (
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryOffset   ErrorCategory = "OFFSET"
	ErrCategoryTailer   ErrorCategory = "TAILER"
	ErrCategorySnapshot ErrorCategory = "SNAPSHOT"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Config codes
	CodeMissingOption = "MISSING_OPTION"
	CodeInvalidOption = "INVALID_OPTION"

	// Schema codes
	CodeParseError   = "PARSE_ERROR"
	CodeUnresolved   = "UNRESOLVED"
	CodeUnknownTable = "UNKNOWN_TABLE"

	// Offset codes
	CodePersistenceFailed = "PERSISTENCE_FAILED"

	// Tailer codes
	CodeDisconnected = "DISCONNECTED"

	// Snapshot codes
	CodeReadFailed = "READ_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
	CodeStopped    = "STOPPED"
)

// CaptureError is the structured error type used throughout the pipeline.
type CaptureError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Table     string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CaptureError) Error() string {
	msg := e.Message
	if e.Table != "" {
		msg = e.Table + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, msg)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CaptureError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CaptureError) Is(target error) bool {
	var t *CaptureError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CaptureError.
func New(category ErrorCategory, code, message string) *CaptureError {
	return &CaptureError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CaptureError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CaptureError {
	return &CaptureError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithTable returns a copy of the error scoped to a table.
func (e *CaptureError) WithTable(table string) *CaptureError {
	cp := *e
	cp.Table = table
	return &cp
}

// WithDetails returns a copy of the error with additional details.
func (e *CaptureError) WithDetails(details map[string]interface{}) *CaptureError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CaptureError.
func GetCategory(err error) ErrorCategory {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CaptureError.
func GetCode(err error) string {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// GetTable extracts the table an error is scoped to.
func GetTable(err error) string {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Table
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryOffset && code == CodePersistenceFailed:
		return true
	case category == ErrCategoryTailer && code == CodeDisconnected:
		return true
	case category == ErrCategorySnapshot && code == CodeReadFailed:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is checks.
var (
	ErrSchemaParse       = New(ErrCategorySchema, CodeParseError, "schema parse error")
	ErrUnresolvedSchema  = New(ErrCategorySchema, CodeUnresolved, "unresolved schema")
	ErrUnknownTable      = New(ErrCategorySchema, CodeUnknownTable, "unknown table")
	ErrOffsetPersistence = New(ErrCategoryOffset, CodePersistenceFailed, "offset persistence failed")
	ErrTailerDisconnect  = New(ErrCategoryTailer, CodeDisconnected, "log tailer disconnected")
	ErrSnapshotRead      = New(ErrCategorySnapshot, CodeReadFailed, "snapshot read failed")
	ErrStopped           = New(ErrCategoryInternal, CodeStopped, "pipeline stopped")
)

// Convenience constructors for common errors.

func NewSchemaParseError(table, statement string, cause error) *CaptureError {
	return Wrap(ErrCategorySchema, CodeParseError, "cannot parse DDL", cause).
		WithTable(table).
		WithDetails(map[string]interface{}{"statement": statement})
}

func NewUnresolvedSchemaError(table, message string, cause error) *CaptureError {
	return Wrap(ErrCategorySchema, CodeUnresolved, message, cause).WithTable(table)
}

func NewUnknownTableError(table string) *CaptureError {
	return New(ErrCategorySchema, CodeUnknownTable, "table is not known to the schema registry").WithTable(table)
}

func NewOffsetPersistenceError(message string, cause error) *CaptureError {
	return Wrap(ErrCategoryOffset, CodePersistenceFailed, message, cause)
}

func NewTailerDisconnectedError(message string, cause error) *CaptureError {
	return Wrap(ErrCategoryTailer, CodeDisconnected, message, cause)
}

func NewSnapshotReadError(table, message string, cause error) *CaptureError {
	return Wrap(ErrCategorySnapshot, CodeReadFailed, message, cause).WithTable(table)
}

func NewConfigError(code, message string) *CaptureError {
	return New(ErrCategoryConfig, code, message)
}

func NewMissingOptionError(option string) *CaptureError {
	return NewConfigError(CodeMissingOption, "missing required config: "+option)
}

func NewInternalError(message string, cause error) *CaptureError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
