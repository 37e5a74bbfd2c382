package engine

import (
	"errors"
	"fmt"
)

// ErrorKind identifies which part of the engine contract an error violates.
type ErrorKind string

const (
	// ErrorKindValidation marks malformed or missing fields at workflow start.
	// The request is rejected before any side effect.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindTransition marks a patch that targets an illegal stage or sub-stage.
	// The document is left unchanged.
	ErrorKindTransition ErrorKind = "transition"

	// ErrorKindCollaborator marks a failed call to an external dependency
	// (store, broker, adapter).
	ErrorKindCollaborator ErrorKind = "collaborator"

	// ErrorKindAggregate marks that one or more fanned-out operations failed.
	ErrorKindAggregate ErrorKind = "aggregate"

	// ErrorKindNotFound marks a missing document.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindConflict marks a duplicate document or a lost optimistic update.
	ErrorKindConflict ErrorKind = "conflict"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict such as a concurrent modification.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error is the classified error returned by every engine component.
type Error struct {
	// Kind is the contract the error belongs to.
	Kind ErrorKind `json:"kind"`

	// Class is the retry classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`

	// Resource is the document link that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind and code. An empty code in the target
// matches any code of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind ErrorKind, class ErrorClass, code, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Class:   class,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates an error for a rejected workflow request.
func NewValidationError(message string, err error) *Error {
	return newError(ErrorKindValidation, ErrorClassPermanent, ErrCodeValidation, message, err)
}

// NewTransitionError creates an error for a patch targeting an illegal stage.
func NewTransitionError(message string) *Error {
	return newError(ErrorKindTransition, ErrorClassPermanent, ErrCodeIllegalTransition, message, nil)
}

// NewCollaboratorError creates an error for a failed call to an external dependency.
func NewCollaboratorError(message string, err error) *Error {
	return newError(ErrorKindCollaborator, ErrorClassTransient, ErrCodeCollaborator, message, err)
}

// NewAggregateError creates an error summarising failed fan-out operations.
func NewAggregateError(message string) *Error {
	return newError(ErrorKindAggregate, ErrorClassPermanent, ErrCodeSubtaskFailed, message, nil)
}

// NewNotFoundError creates an error for a missing document.
func NewNotFoundError(link string) *Error {
	return newError(ErrorKindNotFound, ErrorClassPermanent, ErrCodeNotFound, "document not found", nil).
		WithResource(link)
}

// NewAlreadyExistsError creates an error for a duplicate document link.
func NewAlreadyExistsError(link string) *Error {
	return newError(ErrorKindConflict, ErrorClassPermanent, ErrCodeAlreadyExists, "document already exists", nil).
		WithResource(link)
}

// NewConflictError creates an error for a lost optimistic update.
func NewConflictError(message string, err error) *Error {
	return newError(ErrorKindConflict, ErrorClassConflict, ErrCodeConflict, message, err)
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(link string) *Error {
	e.Resource = link
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode overrides the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithClass overrides the retry classification.
func (e *Error) WithClass(class ErrorClass) *Error {
	e.Class = class
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func kindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation returns true if err is a ValidationError.
func IsValidation(err error) bool { return kindOf(err) == ErrorKindValidation }

// IsTransition returns true if err is a TransitionError.
func IsTransition(err error) bool { return kindOf(err) == ErrorKindTransition }

// IsCollaborator returns true if err is a CollaboratorError.
func IsCollaborator(err error) bool { return kindOf(err) == ErrorKindCollaborator }

// IsAggregate returns true if err is an AggregateError.
func IsAggregate(err error) bool { return kindOf(err) == ErrorKindAggregate }

// IsNotFound returns true if err reports a missing document.
func IsNotFound(err error) bool { return kindOf(err) == ErrorKindNotFound }

// IsConflict returns true if err reports a duplicate or a lost update.
func IsConflict(err error) bool { return kindOf(err) == ErrorKindConflict }

// IsRetryable returns true if the error can be retried by a caller.
// Transient, throttled, and conflict classes are retryable.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled || e.Class == ErrorClassConflict
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCollaborator      = "COLLABORATOR_FAILED"
	ErrCodeSubtaskFailed     = "SUBTASK_FAILED"
	ErrCodeTaskExpired       = "TASK_EXPIRED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeDay2Unsupported   = "DAY2_UNSUPPORTED"
)

// Failure is the error recorded on a terminal task document.
type Failure struct {
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`
	Class   ErrorClass `json:"class,omitempty"`
}

// Error implements the error interface so a recorded failure can be returned as-is.
func (f *Failure) Error() string {
	if f.Code == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// FailureFrom converts any error into a recorded failure. Unclassified
// errors get the internal error code.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		cp := *f
		return &cp
	}
	var e *Error
	if errors.As(err, &e) {
		return &Failure{Message: e.Error(), Code: e.Code, Class: e.Class}
	}
	return &Failure{Message: err.Error(), Code: ErrCodeInternal, Class: ErrorClassPermanent}
}
