package domain

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    SagaStatus
		to      SagaStatus
		allowed bool
	}{
		{"started to in progress", SagaStatusStarted, SagaStatusInProgress, true},
		{"in progress stays in progress", SagaStatusInProgress, SagaStatusInProgress, true},
		{"started straight to completed", SagaStatusStarted, SagaStatusCompleted, true},
		{"in progress to error", SagaStatusInProgress, SagaStatusError, true},
		{"in progress to force stopped", SagaStatusInProgress, SagaStatusForceStopped, true},
		{"completed is terminal", SagaStatusCompleted, SagaStatusInProgress, false},
		{"error is terminal", SagaStatusError, SagaStatusCompleted, false},
		{"force stopped is terminal", SagaStatusForceStopped, SagaStatusInProgress, false},
		{"no transition back to started", SagaStatusInProgress, SagaStatusStarted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestSaga_Lifecycle(t *testing.T) {
	newSaga := func() *Saga {
		return NewSaga("student-registration", json.RawMessage(`{}`), "student-1", "registrar")
	}

	t.Run("new saga starts in STARTED with version 1", func(t *testing.T) {
		saga := newSaga()
		assert.Equal(t, SagaStatusStarted, saga.Status)
		assert.Equal(t, 1, saga.Version.Value)
		assert.Equal(t, "registrar", saga.Audit.CreatedBy)
	})

	t.Run("begin records the first step without leaving STARTED", func(t *testing.T) {
		saga := newSaga()
		require.NoError(t, saga.Begin("REGISTER_STUDENT", "system"))

		assert.Equal(t, SagaStatusStarted, saga.Status)
		assert.Equal(t, "REGISTER_STUDENT", saga.SagaState)
		assert.Equal(t, 2, saga.Version.Value)
	})

	t.Run("advance moves to IN_PROGRESS and bumps the version", func(t *testing.T) {
		saga := newSaga()
		require.NoError(t, saga.Advance("LINK_SCHOOL", "system"))

		assert.Equal(t, SagaStatusInProgress, saga.Status)
		assert.Equal(t, "LINK_SCHOOL", saga.SagaState)
		assert.Equal(t, 2, saga.Version.Value)
		assert.Equal(t, "system", saga.Audit.UpdatedBy)
	})

	t.Run("terminal transitions are one-way", func(t *testing.T) {
		saga := newSaga()
		require.NoError(t, saga.Complete("system"))

		err := saga.Advance("LINK_SCHOOL", "system")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTerminalSaga))

		assert.True(t, errors.Is(saga.Fail("system"), ErrTerminalSaga))
		assert.True(t, errors.Is(saga.ForceStop("system"), ErrTerminalSaga))
	})

	t.Run("begin refuses a saga already past STARTED", func(t *testing.T) {
		saga := newSaga()
		require.NoError(t, saga.Advance("LINK_SCHOOL", "system"))
		assert.Error(t, saga.Begin("REGISTER_STUDENT", "system"))
	})

	t.Run("force stop works from any non-terminal status", func(t *testing.T) {
		fresh := newSaga()
		require.NoError(t, fresh.ForceStop("operator"))
		assert.Equal(t, SagaStatusForceStopped, fresh.Status)

		running := newSaga()
		require.NoError(t, running.Advance("LINK_SCHOOL", "system"))
		require.NoError(t, running.ForceStop("operator"))
		assert.Equal(t, SagaStatusForceStopped, running.Status)
	})
}
