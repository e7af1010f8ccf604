package orchestration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/registry-service/mocks"
	"github.com/edulink/registry-system/shared/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedRegistration(t *testing.T, store *mocks.MemorySagaStore, publisher *mocks.CapturingPublisher) *domain.Saga {
	t.Helper()

	saga := domain.NewSaga(RegistrationSagaName, json.RawMessage(`{"first_name":"Aroha"}`), "student-1", "registrar")
	require.NoError(t, store.CreateSaga(context.Background(), saga, nil))

	orch := NewRegistrationSaga(store, publisher)
	require.NoError(t, orch.Start(context.Background(), saga))
	return saga
}

func replyEvent(saga *domain.Saga, topic string, reply *StepReply) *events.Event {
	return events.NewEvent(saga.ID, events.Topic(topic), reply).WithCorrelationID(saga.ID)
}

func currentSaga(t *testing.T, store *mocks.MemorySagaStore, saga *domain.Saga) *domain.Saga {
	t.Helper()
	current, err := store.FindByID(context.Background(), saga.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	return current
}

func TestRegistrationSaga_Start(t *testing.T) {
	store := mocks.NewMemorySagaStore()
	publisher := mocks.NewCapturingPublisher()

	saga := startedRegistration(t, store, publisher)

	requests := publisher.ByTopic(events.StudentRegisterRequestedTopic)
	require.Len(t, requests, 1)
	assert.Equal(t, saga.ID, requests[0].CorrelationID)

	var request StepRequest
	require.NoError(t, requests[0].UnmarshalData(&request))
	assert.Equal(t, StepRegisterStudent, request.Step)
	assert.Equal(t, "student-1", request.StudentID)

	// The saga stays STARTED until a reply is observed
	stored := currentSaga(t, store, saga)
	assert.Equal(t, domain.SagaStatusStarted, stored.Status)
	assert.Equal(t, StepRegisterStudent, stored.SagaState)
}

func TestRegistrationSaga_HandleReply(t *testing.T) {
	ctx := context.Background()

	t.Run("successful reply records the event and emits the next step", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		publisher := mocks.NewCapturingPublisher()
		saga := startedRegistration(t, store, publisher)
		orch := NewRegistrationSaga(store, publisher)

		event := replyEvent(saga, events.RegistrationReplyTopic, &StepReply{Step: StepRegisterStudent, Outcome: OutcomeSuccess})
		require.NoError(t, orch.HandleReply(ctx, currentSaga(t, store, saga), event))

		require.Len(t, store.Events, 1)
		assert.Equal(t, StepRegisterStudent, store.Events[0].EventState)
		assert.Equal(t, OutcomeSuccess, store.Events[0].EventOutcome)
		assert.Equal(t, 1, store.Events[0].StepNumber)

		assert.Len(t, publisher.ByTopic(events.SchoolLinkRequestedTopic), 1)

		stored := currentSaga(t, store, saga)
		assert.Equal(t, domain.SagaStatusInProgress, stored.Status)
		assert.Equal(t, StepLinkSchool, stored.SagaState)
	})

	t.Run("redelivered reply produces no second event row and no second advance", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		publisher := mocks.NewCapturingPublisher()
		saga := startedRegistration(t, store, publisher)
		orch := NewRegistrationSaga(store, publisher)

		event := replyEvent(saga, events.RegistrationReplyTopic, &StepReply{Step: StepRegisterStudent, Outcome: OutcomeSuccess})
		require.NoError(t, orch.HandleReply(ctx, currentSaga(t, store, saga), event))
		require.NoError(t, orch.HandleReply(ctx, currentSaga(t, store, saga), event))

		assert.Len(t, store.Events, 1)
		assert.Len(t, publisher.ByTopic(events.SchoolLinkRequestedTopic), 1)
	})

	t.Run("error reply fails the saga with the failure fact in the outbox", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		publisher := mocks.NewCapturingPublisher()
		saga := startedRegistration(t, store, publisher)
		orch := NewRegistrationSaga(store, publisher)

		event := replyEvent(saga, events.RegistrationReplyTopic, &StepReply{
			Step:    StepRegisterStudent,
			Outcome: OutcomeError,
			Detail:  "duplicate national ID",
		})
		require.NoError(t, orch.HandleReply(ctx, currentSaga(t, store, saga), event))

		stored := currentSaga(t, store, saga)
		assert.Equal(t, domain.SagaStatusError, stored.Status)

		require.Len(t, store.Outbox, 1)
		assert.Equal(t, events.WorkflowFailedTopic, store.Outbox[0].Topic)

		// No further step was emitted
		assert.Empty(t, publisher.ByTopic(events.SchoolLinkRequestedTopic))
	})

	t.Run("final step reply completes the saga", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		publisher := mocks.NewCapturingPublisher()
		saga := startedRegistration(t, store, publisher)
		orch := NewRegistrationSaga(store, publisher)

		for _, step := range []string{StepRegisterStudent, StepLinkSchool, StepPublishProfile} {
			event := replyEvent(saga, events.RegistrationReplyTopic, &StepReply{Step: step, Outcome: OutcomeSuccess})
			require.NoError(t, orch.HandleReply(ctx, currentSaga(t, store, saga), event))
		}

		stored := currentSaga(t, store, saga)
		assert.Equal(t, domain.SagaStatusCompleted, stored.Status)

		require.Len(t, store.Outbox, 1)
		assert.Equal(t, events.WorkflowCompletedTopic, store.Outbox[0].Topic)
	})

	t.Run("malformed reply payload is dropped without touching the saga", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		publisher := mocks.NewCapturingPublisher()
		saga := startedRegistration(t, store, publisher)
		orch := NewRegistrationSaga(store, publisher)

		event := events.NewEvent(saga.ID, events.RegistrationReplyTopic, nil).WithCorrelationID(saga.ID)
		event.Data = json.RawMessage(`{not json`)

		require.NoError(t, orch.HandleReply(ctx, currentSaga(t, store, saga), event))
		assert.Empty(t, store.Events)
	})

	t.Run("reply for an unknown step is dropped", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		publisher := mocks.NewCapturingPublisher()
		saga := startedRegistration(t, store, publisher)
		orch := NewRegistrationSaga(store, publisher)

		event := replyEvent(saga, events.RegistrationReplyTopic, &StepReply{Step: "NO_SUCH_STEP", Outcome: OutcomeSuccess})
		require.NoError(t, orch.HandleReply(ctx, currentSaga(t, store, saga), event))
		assert.Empty(t, store.Events)
	})
}

func TestRegistrationSaga_Replay(t *testing.T) {
	ctx := context.Background()

	t.Run("re-emits the first unapplied step only", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		publisher := mocks.NewCapturingPublisher()
		saga := startedRegistration(t, store, publisher)
		orch := NewRegistrationSaga(store, publisher)

		event := replyEvent(saga, events.RegistrationReplyTopic, &StepReply{Step: StepRegisterStudent, Outcome: OutcomeSuccess})
		require.NoError(t, orch.HandleReply(ctx, currentSaga(t, store, saga), event))

		// Simulate the LINK_SCHOOL request getting lost: replay must
		// re-emit it without re-emitting REGISTER_STUDENT.
		require.NoError(t, orch.Replay(ctx, currentSaga(t, store, saga)))

		assert.Len(t, publisher.ByTopic(events.StudentRegisterRequestedTopic), 1)
		assert.Len(t, publisher.ByTopic(events.SchoolLinkRequestedTopic), 2)
	})

	t.Run("heals a saga whose steps all succeeded but never closed", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		publisher := mocks.NewCapturingPublisher()
		saga := startedRegistration(t, store, publisher)
		orch := NewRegistrationSaga(store, publisher)

		for i, step := range registrationSteps {
			record := domain.NewSagaEventState(saga.ID, step, OutcomeSuccess, i+1, json.RawMessage(`{}`), "t")
			require.NoError(t, store.AppendEvent(ctx, record))
		}

		require.NoError(t, orch.Replay(ctx, currentSaga(t, store, saga)))

		stored := currentSaga(t, store, saga)
		assert.Equal(t, domain.SagaStatusCompleted, stored.Status)
		require.Len(t, store.Outbox, 1)
		assert.Equal(t, events.WorkflowCompletedTopic, store.Outbox[0].Topic)
	})

	t.Run("terminal sagas are never replayed", func(t *testing.T) {
		store := mocks.NewMemorySagaStore()
		publisher := mocks.NewCapturingPublisher()
		saga := startedRegistration(t, store, publisher)
		orch := NewRegistrationSaga(store, publisher)

		current := currentSaga(t, store, saga)
		require.NoError(t, current.ForceStop("operator"))
		require.NoError(t, store.UpdateSaga(ctx, current, nil))

		before := len(publisher.Published)
		require.NoError(t, orch.Replay(ctx, currentSaga(t, store, saga)))
		assert.Len(t, publisher.Published, before)
	})
}
