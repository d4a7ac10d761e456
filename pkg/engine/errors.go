package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed if the caller re-invokes.
	// Examples: context deadline while waiting on the provisioning tool.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a session state conflict.
	// Examples: adding a resource while a plan is running, approving a session that is not plan-ready.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassNotFound indicates the addressed session or project does not exist or has expired.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: the provisioning tool is not installed, a policy denied the resource set.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Session is the session ID the error relates to, if applicable.
	Session string `json:"session,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Session != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (session=%s, operation=%s)", msg, e.Session, e.Operation)
	} else if e.Session != "" {
		msg = fmt.Sprintf("%s (session=%s)", msg, e.Session)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassNotFound, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithSession adds session context to an error.
func (e *EngineError) WithSession(sessionID string) *EngineError {
	e.Session = sessionID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeProjectNotFound   = "PROJECT_NOT_FOUND"
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodeSessionExpired    = "SESSION_EXPIRED"
	ErrCodeSessionLocked     = "SESSION_LOCKED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeToolNotInstalled  = "TOOL_NOT_INSTALLED"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodePlanMissing       = "PLAN_MISSING"
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodePolicyViolation   = "POLICY_VIOLATION"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Sentinel errors usable with errors.Is.
var (
	// ErrSessionLocked is returned when a resource mutation is attempted outside DRAFT/VALIDATING.
	ErrSessionLocked = NewConflictError("session is locked", nil).WithCode(ErrCodeSessionLocked)

	// ErrInvalidTransition is returned when an event is not legal in the session's current state.
	ErrInvalidTransition = NewConflictError("invalid state transition", nil).WithCode(ErrCodeInvalidTransition)

	// ErrSessionExpired is returned when a session is addressed after its expiry.
	ErrSessionExpired = NewNotFoundError("session expired", nil).WithCode(ErrCodeSessionExpired)

	// ErrSessionNotFound is returned when no session exists for an ID.
	ErrSessionNotFound = NewNotFoundError("session not found", nil).WithCode(ErrCodeSessionNotFound)

	// ErrProjectNotFound is returned when a project does not exist.
	ErrProjectNotFound = NewNotFoundError("project not found", nil).WithCode(ErrCodeProjectNotFound)

	// ErrToolNotInstalled is returned when the provisioning tool executable cannot be found.
	ErrToolNotInstalled = NewPermanentError("provisioning tool not installed", nil).WithCode(ErrCodeToolNotInstalled)

	// ErrCommandFailed is returned when the provisioning tool exits non-zero.
	ErrCommandFailed = NewPermanentError("command failed", nil).WithCode(ErrCodeCommandFailed)
)

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool {
	return hasClass(err, ErrorClassNotFound)
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return hasClass(err, ErrorClassPermanent)
}

// HasCode returns true if err is an EngineError carrying code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}
