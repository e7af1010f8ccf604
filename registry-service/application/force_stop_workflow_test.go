package application

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/registry-service/mocks"
	"github.com/edulink/registry-system/shared/events"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForceStopWorkflow_Execute(t *testing.T) {
	ctx := context.Background()

	seed := func(store *mocks.MemorySagaStore) *domain.Saga {
		saga := domain.NewSaga("student-registration", json.RawMessage(`{}`), "student-1", "registrar")
		require.NoError(t, store.CreateSaga(ctx, saga, nil))
		return saga
	}

	t.Run("stops a running saga and records the fact in the outbox", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		saga := seed(store)
		useCase := NewForceStopWorkflow(store)

		err := useCase.Execute(ctx, &ForceStopWorkflowCommand{
			SagaID: saga.ID.String(),
			Reason: "stuck on remote outage",
			User:   "operator",
		})
		require.NoError(t, err)

		stored := store.Sagas[saga.ID]
		assert.Equal(t, domain.SagaStatusForceStopped, stored.Status)
		assert.Equal(t, "operator", stored.Audit.UpdatedBy)

		require.Len(t, store.Outbox, 1)
		assert.Equal(t, events.WorkflowForceStoppedTopic, store.Outbox[0].Topic)
	})

	t.Run("refuses to stop a terminal saga", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		saga := seed(store)
		require.NoError(t, saga.Complete("t"))
		require.NoError(t, store.UpdateSaga(ctx, saga, nil))

		useCase := NewForceStopWorkflow(store)
		err := useCase.Execute(ctx, &ForceStopWorkflowCommand{
			SagaID: saga.ID.String(),
			User:   "operator",
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrTerminalSaga))
	})

	t.Run("unknown saga ID", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		useCase := NewForceStopWorkflow(store)

		err := useCase.Execute(ctx, &ForceStopWorkflowCommand{
			SagaID: "550e8400-e29b-41d4-a716-446655440099",
			User:   "operator",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestGetWorkflow_Execute(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewMemorySagaStore()

	saga := domain.NewSaga("student-registration", json.RawMessage(`{"first_name":"Aroha"}`), "student-1", "registrar")
	require.NoError(t, store.CreateSaga(ctx, saga, nil))
	require.NoError(t, store.AppendEvent(ctx, domain.NewSagaEventState(saga.ID, "REGISTER_STUDENT", "SUCCESS", 1, json.RawMessage(`{}`), "t")))

	useCase := NewGetWorkflow(store)

	t.Run("returns the saga with its event history", func(t *testing.T) {
		view, err := useCase.Execute(ctx, saga.ID.String())
		require.NoError(t, err)
		require.NotNil(t, view)

		assert.Equal(t, saga.ID.String(), view.SagaID)
		assert.Equal(t, "student-registration", view.SagaName)
		require.Len(t, view.Events, 1)
		assert.Equal(t, "SUCCESS", view.Events[0].Outcome)
		assert.Equal(t, 1, view.Events[0].StepNumber)
	})

	t.Run("returns nil for an unknown saga", func(t *testing.T) {
		view, err := useCase.Execute(ctx, "550e8400-e29b-41d4-a716-446655440099")
		require.NoError(t, err)
		assert.Nil(t, view)
	})

	t.Run("rejects a malformed saga ID", func(t *testing.T) {
		_, err := useCase.Execute(ctx, "not-a-uuid")
		assert.Error(t, err)
	})
}
