// Package errors provides the structured error taxonomy shared by fscache's
// backends, cache policies, buffered files and the persistent store.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Source errors, raised by ByteSources and backends.
	ErrCodeSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"

	// Caller errors.
	ErrCodeOutOfRange   ErrorCode = "OUT_OF_RANGE"
	ErrCodeInvalidMode  ErrorCode = "INVALID_MODE"
	ErrCodeHandleClosed ErrorCode = "HANDLE_CLOSED"
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"

	// Cache and capacity errors.
	ErrCodeTooLarge        ErrorCode = "TOO_LARGE"
	ErrCodeCacheCorruption ErrorCode = "CACHE_CORRUPTION"

	// Consistency errors.
	ErrCodeIncompleteUpload       ErrorCode = "INCOMPLETE_UPLOAD"
	ErrCodeConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"

	// Configuration and internal errors.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes for logging and metrics labels.
type ErrorCategory string

const (
	CategorySource      ErrorCategory = "source"
	CategoryCaller      ErrorCategory = "caller"
	CategoryCache       ErrorCategory = "cache"
	CategoryConsistency ErrorCategory = "consistency"
	CategoryConfig      ErrorCategory = "configuration"
	CategoryInternal    ErrorCategory = "internal"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrSourceUnavailable      = &Error{Code: ErrCodeSourceUnavailable}
	ErrNotFound               = &Error{Code: ErrCodeNotFound}
	ErrPermissionDenied       = &Error{Code: ErrCodePermissionDenied}
	ErrOutOfRange             = &Error{Code: ErrCodeOutOfRange}
	ErrInvalidMode            = &Error{Code: ErrCodeInvalidMode}
	ErrHandleClosed           = &Error{Code: ErrCodeHandleClosed}
	ErrUnsupported            = &Error{Code: ErrCodeUnsupported}
	ErrTooLarge               = &Error{Code: ErrCodeTooLarge}
	ErrCacheCorruption        = &Error{Code: ErrCodeCacheCorruption}
	ErrIncompleteUpload       = &Error{Code: ErrCodeIncompleteUpload}
	ErrConcurrentModification = &Error{Code: ErrCodeConcurrentModification}
	ErrInvalidConfig          = &Error{Code: ErrCodeInvalidConfig}
)

// Error is a structured error with a code, context and an optional cause.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Context  map[string]string      `json:"context,omitempty"`
	Cause    error                  `json:"-"`

	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Retryable bool      `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " "))
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if stderrors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// String returns a detailed representation for logs.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// New creates an error with defaults derived from the code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with code and message around cause.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return New(code, message).WithCause(cause)
}

// GetCategory maps a code to its category.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeSourceUnavailable, ErrCodeNotFound, ErrCodePermissionDenied:
		return CategorySource
	case ErrCodeOutOfRange, ErrCodeInvalidMode, ErrCodeHandleClosed, ErrCodeUnsupported:
		return CategoryCaller
	case ErrCodeTooLarge, ErrCodeCacheCorruption:
		return CategoryCache
	case ErrCodeIncompleteUpload, ErrCodeConcurrentModification:
		return CategoryConsistency
	case ErrCodeInvalidConfig:
		return CategoryConfig
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code is transient.
func IsRetryableByDefault(code ErrorCode) bool {
	return code == ErrCodeSourceUnavailable
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// UploadID extracts the partial-upload identifier attached to an
// INCOMPLETE_UPLOAD error.
func UploadID(err error) (string, bool) {
	var e *Error
	if !stderrors.As(err, &e) || e.Code != ErrCodeIncompleteUpload {
		return "", false
	}
	id, ok := e.Details["upload_id"].(string)
	return id, ok && id != ""
}

// CaptureStack captures a short stack trace.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "pkg/errors/") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds a context key/value.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a detail value.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the reporting component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the failed operation.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStack records the current stack.
func (e *Error) WithStack() *Error {
	e.Stack = CaptureStack(2)
	return e
}

// Standard library passthroughs so callers need a single errors import.
var (
	Is     = stderrors.Is
	As     = stderrors.As
	Unwrap = stderrors.Unwrap
	Join   = stderrors.Join
)
