package application

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/registry-service/mocks"
	"github.com/edulink/registry-system/registry-service/orchestration"
	"github.com/edulink/registry-system/shared/events"
	"github.com/edulink/registry-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustID(t *testing.T, id string) models.ID {
	t.Helper()
	parsed, err := models.NewID(id)
	require.NoError(t, err)
	return parsed
}

// stubOrchestrator records lifecycle calls for scheduler and use-case tests
type stubOrchestrator struct {
	name      string
	started   []*domain.Saga
	replayed  []*domain.Saga
	startErr  error
	replayErr error
}

func (s *stubOrchestrator) SagaName() string { return s.name }

func (s *stubOrchestrator) Start(_ context.Context, saga *domain.Saga) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, saga)
	return nil
}

func (s *stubOrchestrator) Replay(_ context.Context, saga *domain.Saga) error {
	if s.replayErr != nil {
		return s.replayErr
	}
	s.replayed = append(s.replayed, saga)
	return nil
}

func (s *stubOrchestrator) HandleReply(context.Context, *domain.Saga, *events.Event) error {
	return nil
}

func TestStartWorkflow_Execute(t *testing.T) {
	ctx := context.Background()
	payload := json.RawMessage(`{"first_name":"Aroha"}`)

	newFixture := func() (*mocks.MemorySagaStore, *stubOrchestrator, *StartWorkflow) {
		store := mocks.NewMemorySagaStore()
		orch := &stubOrchestrator{name: orchestration.RegistrationSagaName}
		registry := orchestration.NewRegistry()
		registry.Register(orch)
		return store, orch, NewStartWorkflow(store, registry)
	}

	t.Run("creates the saga and starts the orchestrator", func(t *testing.T) {
		store, orch, useCase := newFixture()

		response, err := useCase.Execute(ctx, &StartWorkflowCommand{
			SagaName:  orchestration.RegistrationSagaName,
			StudentID: "student-1",
			Payload:   payload,
			User:      "registrar",
		})
		require.NoError(t, err)
		require.NotNil(t, response)

		assert.Len(t, store.Sagas, 1)
		assert.Len(t, orch.started, 1)
		assert.Equal(t, string(domain.SagaStatusStarted), response.Status)

		// The started fact is written to the outbox with the saga
		require.Len(t, store.Outbox, 1)
		assert.Equal(t, events.WorkflowStartedTopic, store.Outbox[0].Topic)
		assert.Equal(t, domain.OutboxStatusDBCommitted, store.Outbox[0].Status)
	})

	t.Run("returns the active saga instead of starting a duplicate", func(t *testing.T) {
		store, orch, useCase := newFixture()

		first, err := useCase.Execute(ctx, &StartWorkflowCommand{
			SagaName:  orchestration.RegistrationSagaName,
			StudentID: "student-1",
			Payload:   payload,
			User:      "registrar",
		})
		require.NoError(t, err)

		second, err := useCase.Execute(ctx, &StartWorkflowCommand{
			SagaName:  orchestration.RegistrationSagaName,
			StudentID: "student-1",
			Payload:   payload,
			User:      "registrar",
		})
		require.NoError(t, err)

		assert.Equal(t, first.SagaID, second.SagaID)
		assert.Len(t, store.Sagas, 1)
		assert.Len(t, orch.started, 1)
	})

	t.Run("starts a fresh saga once the previous one is terminal", func(t *testing.T) {
		store, _, useCase := newFixture()

		first, err := useCase.Execute(ctx, &StartWorkflowCommand{
			SagaName:  orchestration.RegistrationSagaName,
			StudentID: "student-1",
			Payload:   payload,
			User:      "registrar",
		})
		require.NoError(t, err)

		saga := store.Sagas[mustID(t, first.SagaID)]
		require.NoError(t, saga.Advance(orchestration.StepLinkSchool, "t"))
		require.NoError(t, saga.Complete("t"))

		second, err := useCase.Execute(ctx, &StartWorkflowCommand{
			SagaName:  orchestration.RegistrationSagaName,
			StudentID: "student-1",
			Payload:   payload,
			User:      "registrar",
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.SagaID, second.SagaID)
	})

	t.Run("rejects an unknown saga type", func(t *testing.T) {
		_, _, useCase := newFixture()

		_, err := useCase.Execute(ctx, &StartWorkflowCommand{
			SagaName:  "no-such-saga",
			StudentID: "student-1",
			Payload:   payload,
			User:      "registrar",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown saga type")
	})

	t.Run("rejects an incomplete command", func(t *testing.T) {
		_, _, useCase := newFixture()

		tests := []StartWorkflowCommand{
			{StudentID: "s", Payload: payload, User: "u"},
			{SagaName: orchestration.RegistrationSagaName, Payload: payload, User: "u"},
			{SagaName: orchestration.RegistrationSagaName, StudentID: "s", User: "u"},
			{SagaName: orchestration.RegistrationSagaName, StudentID: "s", Payload: payload},
		}
		for _, cmd := range tests {
			_, err := useCase.Execute(ctx, &cmd)
			assert.Error(t, err)
		}
	})
}
