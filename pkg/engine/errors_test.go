package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErrorMessage(t *testing.T) {
	base := errors.New("exit status 2")

	err := NewExecutionError("plugin failed", base)
	assert.Equal(t, "[execution] plugin failed: exit status 2", err.Error())

	err.WithInstance("backup", 2)
	assert.Equal(t, "[execution] plugin failed (plugin=backup, instance=2): exit status 2", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestEngineErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewRemoteError("no host", nil).WithCode(ErrCodeUnreachable))

	assert.ErrorIs(t, err, &EngineError{Class: ErrorClassRemote, Code: ErrCodeUnreachable})
	assert.NotErrorIs(t, err, &EngineError{Class: ErrorClassRemote, Code: ErrCodeFailed})
	assert.Equal(t, ErrorClassRemote, ClassOf(err))
	assert.Equal(t, ErrorClassInternal, ClassOf(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"remote", NewRemoteError("x", nil), true},
		{"cancelled", NewError(ErrorClassCancelled, "x", nil), true},
		{"timeout", NewExecutionError("x", nil).WithCode(ErrCodeTimeout), true},
		{"execution", NewExecutionError("x", nil).WithCode(ErrCodeFailed), false},
		{"validation", NewValidationError("x", nil), false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestStatuses(t *testing.T) {
	assert.True(t, RunStatusPartial.IsTerminal())
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.Error(t, RunStatus("bogus").Validate())

	assert.True(t, InstanceBlocked.IsFailure())
	assert.False(t, InstanceSkipped.IsFailure())
	assert.True(t, InstanceSkipped.IsTerminal())
	assert.False(t, InstanceRunning.IsTerminal())
	assert.NoError(t, InstanceCancelled.Validate())
	assert.Error(t, InstanceStatus("x").Validate())
}
