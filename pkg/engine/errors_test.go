package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		code  string
	}{
		{"validation", NewValidationError("bad payload", nil), IsValidation, ErrCodeValidation},
		{"transition", NewTransitionError("backward"), IsTransition, ErrCodeIllegalTransition},
		{"collaborator", NewCollaboratorError("adapter down", errors.New("dial")), IsCollaborator, ErrCodeCollaborator},
		{"aggregate", NewAggregateError("2 of 3 failed"), IsAggregate, ErrCodeSubtaskFailed},
		{"not found", NewNotFoundError("/tasks/x"), IsNotFound, ErrCodeNotFound},
		{"already exists", NewAlreadyExistsError("/tasks/x"), IsConflict, ErrCodeAlreadyExists},
		{"conflict", NewConflictError("lost update", nil), IsConflict, ErrCodeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.True(t, tt.check(wrapped), "predicate must see through wrapping")

			f := FailureFrom(wrapped)
			require.NotNil(t, f)
			assert.Equal(t, tt.code, f.Code)
		})
	}
}

func TestErrorPredicates_Plain(t *testing.T) {
	err := errors.New("plain")
	assert.False(t, IsValidation(err))
	assert.False(t, IsNotFound(err))
	assert.False(t, IsRetryable(err))
}

func TestError_Message(t *testing.T) {
	err := NewCollaboratorError("adapter failed", errors.New("timeout")).
		WithResource("/resources/containers/c1").
		WithOperation("delete")

	assert.Equal(t,
		"[collaborator] adapter failed (resource=/resources/containers/c1, operation=delete): timeout",
		err.Error())
	assert.Equal(t, "timeout", errors.Unwrap(err).Error())
}

func TestError_Is(t *testing.T) {
	err := NewValidationError("system container", nil).WithCode(ErrCodeDay2Unsupported)

	assert.True(t, errors.Is(err, &Error{Kind: ErrorKindValidation}))
	assert.True(t, errors.Is(err, &Error{Kind: ErrorKindValidation, Code: ErrCodeDay2Unsupported}))
	assert.False(t, errors.Is(err, &Error{Kind: ErrorKindValidation, Code: ErrCodeValidation}))
	assert.False(t, errors.Is(err, &Error{Kind: ErrorKindTransition}))
}

func TestError_WithDetail(t *testing.T) {
	err := NewAggregateError("fan-out failed").WithDetail("failed", 2).WithDetail("total", 3)
	assert.Equal(t, 2, err.Details["failed"])
	assert.Equal(t, 3, err.Details["total"])
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewCollaboratorError("x", nil).WithClass(ErrorClassTransient)))
	assert.True(t, IsRetryable(NewCollaboratorError("x", nil).WithClass(ErrorClassThrottled)))
	assert.True(t, IsRetryable(NewConflictError("x", nil)))
	assert.False(t, IsRetryable(NewValidationError("x", nil)))
}

func TestFailureFrom(t *testing.T) {
	assert.Nil(t, FailureFrom(nil))

	f := FailureFrom(errors.New("kaboom"))
	assert.Equal(t, "kaboom", f.Message)
	assert.Equal(t, ErrCodeInternal, f.Code)
	assert.Equal(t, ErrorClassPermanent, f.Class)

	// A recorded failure passes through unchanged.
	recorded := &Failure{Message: "task expired in stage STARTED", Code: ErrCodeTaskExpired}
	again := FailureFrom(fmt.Errorf("wrap: %w", recorded))
	assert.Equal(t, *recorded, *again)
	assert.NotSame(t, recorded, again)

	assert.Equal(t, "TASK_EXPIRED: task expired in stage STARTED", recorded.Error())
	assert.Equal(t, "bare", (&Failure{Message: "bare"}).Error())
}
