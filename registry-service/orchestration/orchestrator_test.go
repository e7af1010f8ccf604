package orchestration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/registry-service/mocks"
	"github.com/edulink/registry-system/shared/events"
	"github.com/edulink/registry-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingOrchestrator tracks HandleReply invocations for dispatcher tests
type countingOrchestrator struct {
	mu      sync.Mutex
	name    string
	handled []*events.Event
}

func (c *countingOrchestrator) SagaName() string                           { return c.name }
func (c *countingOrchestrator) Start(context.Context, *domain.Saga) error  { return nil }
func (c *countingOrchestrator) Replay(context.Context, *domain.Saga) error { return nil }

func (c *countingOrchestrator) HandleReply(_ context.Context, _ *domain.Saga, event *events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled = append(c.handled, event)
	return nil
}

func TestDispatcher_HandleReply(t *testing.T) {
	ctx := context.Background()

	newFixture := func(t *testing.T) (*mocks.MemorySagaStore, *countingOrchestrator, *Dispatcher, *domain.Saga) {
		t.Helper()
		store := mocks.NewMemorySagaStore()
		orch := &countingOrchestrator{name: RegistrationSagaName}
		registry := NewRegistry()
		registry.Register(orch)

		saga := domain.NewSaga(RegistrationSagaName, json.RawMessage(`{}`), "student-1", "registrar")
		require.NoError(t, store.CreateSaga(ctx, saga, nil))

		return store, orch, NewDispatcher(store, registry), saga
	}

	t.Run("routes the reply to the orchestrator owning the saga", func(t *testing.T) {
		_, orch, dispatcher, saga := newFixture(t)

		event := events.NewEvent(saga.ID, events.RegistrationReplyTopic, &StepReply{Step: StepRegisterStudent, Outcome: OutcomeSuccess}).
			WithCorrelationID(saga.ID)
		require.NoError(t, dispatcher.HandleReply(ctx, event))

		assert.Len(t, orch.handled, 1)
	})

	t.Run("drops a reply without a correlation ID", func(t *testing.T) {
		_, orch, dispatcher, saga := newFixture(t)

		event := events.NewEvent(saga.ID, events.RegistrationReplyTopic, &StepReply{Step: StepRegisterStudent, Outcome: OutcomeSuccess})
		require.NoError(t, dispatcher.HandleReply(ctx, event))

		assert.Empty(t, orch.handled)
	})

	t.Run("drops a reply for an unknown correlation ID", func(t *testing.T) {
		_, orch, dispatcher, saga := newFixture(t)

		event := events.NewEvent(saga.ID, events.RegistrationReplyTopic, &StepReply{Step: StepRegisterStudent, Outcome: OutcomeSuccess}).
			WithCorrelationID(models.GenerateUUID())
		require.NoError(t, dispatcher.HandleReply(ctx, event))

		assert.Empty(t, orch.handled)
	})

	t.Run("ignores replies for a terminal saga", func(t *testing.T) {
		store, orch, dispatcher, saga := newFixture(t)

		require.NoError(t, saga.ForceStop("operator"))
		require.NoError(t, store.UpdateSaga(ctx, saga, nil))

		event := events.NewEvent(saga.ID, events.RegistrationReplyTopic, &StepReply{Step: StepRegisterStudent, Outcome: OutcomeSuccess}).
			WithCorrelationID(saga.ID)
		require.NoError(t, dispatcher.HandleReply(ctx, event))

		assert.Empty(t, orch.handled)
	})

	t.Run("releases the serialization lock once the saga is terminal", func(t *testing.T) {
		store, _, dispatcher, saga := newFixture(t)

		event := events.NewEvent(saga.ID, events.RegistrationReplyTopic, &StepReply{Step: StepRegisterStudent, Outcome: OutcomeSuccess}).
			WithCorrelationID(saga.ID)
		require.NoError(t, dispatcher.HandleReply(ctx, event))
		assert.Equal(t, 1, dispatcher.sagaLocks.Size())

		require.NoError(t, saga.ForceStop("operator"))
		require.NoError(t, store.UpdateSaga(ctx, saga, nil))

		require.NoError(t, dispatcher.HandleReply(ctx, event))
		assert.Zero(t, dispatcher.sagaLocks.Size())
	})

	t.Run("serializes concurrent replies for the same saga", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		registry := NewRegistry()
		registry.Register(NewRegistrationSaga(store, mocks.NewCapturingPublisher()))
		dispatcher := NewDispatcher(store, registry)

		saga := domain.NewSaga(RegistrationSagaName, json.RawMessage(`{}`), "student-1", "registrar")
		require.NoError(t, store.CreateSaga(ctx, saga, nil))

		event := events.NewEvent(saga.ID, events.RegistrationReplyTopic, &StepReply{Step: StepRegisterStudent, Outcome: OutcomeSuccess}).
			WithCorrelationID(saga.ID)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, dispatcher.HandleReply(ctx, event))
			}()
		}
		wg.Wait()

		// Eight deliveries of the same reply apply exactly once
		assert.Len(t, store.Events, 1)
	})
}
