package types

import "fmt"

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Request and lookup error codes
const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrInvalidPipeline  ErrorCode = "INVALID_PIPELINE"
	ErrSchemaViolation  ErrorCode = "SCHEMA_VIOLATION"
	ErrRunNotFound      ErrorCode = "RUN_NOT_FOUND"
	ErrPipelineNotFound ErrorCode = "PIPELINE_NOT_FOUND"
	ErrApprovalNotFound ErrorCode = "APPROVAL_NOT_FOUND"
)

// Concurrency-control error codes: duplicate or stale operations are
// rejected as explicit conflicts, never silently applied.
const (
	ErrTerminalRun       ErrorCode = "TERMINAL_RUN"
	ErrStaleUpdate       ErrorCode = "STALE_UPDATE"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrAlreadyDecided    ErrorCode = "ALREADY_DECIDED"
	ErrDuplicateResume   ErrorCode = "DUPLICATE_RESUME"
	ErrAlreadyRunning    ErrorCode = "ALREADY_RUNNING"
	ErrApprovalPending   ErrorCode = "APPROVAL_PENDING"
)

// Execution error codes
const (
	ErrCapability     ErrorCode = "CAPABILITY_ERROR"
	ErrToolNotAllowed ErrorCode = "TOOL_NOT_ALLOWED"
	ErrCapabilityGone ErrorCode = "CAPABILITY_NOT_REGISTERED"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsConflict reports whether the error is a concurrency-control conflict
// (duplicate resume, decision on a decided approval, update to a terminal
// run, stale status). Conflicts are rejected no-ops, not failures of the
// caller's state.
func IsConflict(err error) bool {
	switch GetErrorCode(err) {
	case ErrTerminalRun, ErrStaleUpdate, ErrInvalidTransition,
		ErrAlreadyDecided, ErrDuplicateResume, ErrAlreadyRunning:
		return true
	}
	return false
}
