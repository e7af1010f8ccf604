package orchestration

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/shared/events"
	"github.com/pkg/errors"
)

// RegistrationSagaName routes student registration workflows
const RegistrationSagaName = "student-registration"

// Registration saga steps
const (
	StepRegisterStudent = "REGISTER_STUDENT"
	StepLinkSchool      = "LINK_SCHOOL"
	StepPublishProfile  = "PUBLISH_PROFILE"
)

// registrationSteps fixes step order; the index + 1 is the step number
// used in the event-log dedup key.
var registrationSteps = []string{
	StepRegisterStudent,
	StepLinkSchool,
	StepPublishProfile,
}

var registrationTopics = map[string]events.Topic{
	StepRegisterStudent: events.StudentRegisterRequestedTopic,
	StepLinkSchool:      events.SchoolLinkRequestedTopic,
	StepPublishProfile:  events.ProfilePublishRequestedTopic,
}

var registrationTable = stepTable{
	{StepRegisterStudent, OutcomeSuccess}: StepLinkSchool,
	{StepLinkSchool, OutcomeSuccess}:      StepPublishProfile,
	// PUBLISH_PROFILE success has no successor: the saga completes
}

// RegistrationSaga drives the student registration workflow: register
// the student record, link it to a school, publish the profile.
type RegistrationSaga struct {
	store     domain.SagaStore
	publisher events.Publisher
}

var _ domain.Orchestrator = (*RegistrationSaga)(nil)

// NewRegistrationSaga creates a new RegistrationSaga
func NewRegistrationSaga(store domain.SagaStore, publisher events.Publisher) *RegistrationSaga {
	return &RegistrationSaga{
		store:     store,
		publisher: publisher,
	}
}

func (o *RegistrationSaga) SagaName() string {
	return RegistrationSagaName
}

// Start emits the first step request
func (o *RegistrationSaga) Start(ctx context.Context, saga *domain.Saga) error {
	if err := saga.Begin(StepRegisterStudent, systemActor); err != nil {
		return err
	}

	if err := o.publishStep(ctx, saga, StepRegisterStudent); err != nil {
		return errors.Wrap(err, "failed to publish first step")
	}

	return o.store.UpdateSaga(ctx, saga, nil)
}

// HandleReply advances the saga on a step reply. Redelivered replies hit
// the event-log dedup key and are ignored.
func (o *RegistrationSaga) HandleReply(ctx context.Context, saga *domain.Saga, event *events.Event) error {
	var reply StepReply
	if err := event.UnmarshalData(&reply); err != nil {
		slog.ErrorContext(ctx, "malformed registration reply, dropping",
			"saga_id", saga.ID.String(),
			"error", err,
		)
		return nil
	}

	step := registrationStepNumber(reply.Step)
	if step == 0 {
		slog.WarnContext(ctx, "reply for unknown registration step, dropping",
			"saga_id", saga.ID.String(),
			"step", reply.Step,
		)
		return nil
	}

	existing, err := o.store.FindEvent(ctx, saga.ID, reply.Outcome, reply.Step, step)
	if err != nil {
		return errors.Wrap(err, "failed to probe event log")
	}
	if existing != nil {
		// Redelivered reply, already applied
		return nil
	}

	record := domain.NewSagaEventState(saga.ID, reply.Step, reply.Outcome, step, event.Data, systemActor)
	if err := o.store.AppendEvent(ctx, record); err != nil {
		return errors.Wrap(err, "failed to append saga event")
	}

	if reply.Outcome != OutcomeSuccess {
		if err := saga.Fail(systemActor); err != nil {
			return err
		}
		return o.store.UpdateSaga(ctx, saga, workflowOutboxEvent(events.WorkflowFailedTopic, saga, reply.Detail))
	}

	next, ok := registrationTable[stepKey{reply.Step, reply.Outcome}]
	if !ok {
		if err := saga.Complete(systemActor); err != nil {
			return err
		}
		return o.store.UpdateSaga(ctx, saga, workflowOutboxEvent(events.WorkflowCompletedTopic, saga, ""))
	}

	if err := o.publishStep(ctx, saga, next); err != nil {
		return errors.Wrap(err, "failed to publish next step")
	}

	if err := saga.Advance(next, systemActor); err != nil {
		return err
	}

	return o.store.UpdateSaga(ctx, saga, nil)
}

// Replay re-derives the next expected step from the event history and
// re-emits only that step's request. Applied steps are never re-emitted.
func (o *RegistrationSaga) Replay(ctx context.Context, saga *domain.Saga) error {
	if saga.Status.Terminal() {
		return nil
	}

	evts, err := o.store.ListEvents(ctx, saga.ID)
	if err != nil {
		return errors.Wrap(err, "failed to list saga events")
	}

	applied := make(map[string]bool, len(evts))
	for _, evt := range evts {
		if evt.EventOutcome == OutcomeSuccess {
			applied[evt.EventState] = true
		}
	}

	next := ""
	for _, step := range registrationSteps {
		if !applied[step] {
			next = step
			break
		}
	}

	if next == "" {
		// Every step succeeded but the saga row never closed
		if err := saga.Complete(systemActor); err != nil {
			return err
		}
		return o.store.UpdateSaga(ctx, saga, workflowOutboxEvent(events.WorkflowCompletedTopic, saga, ""))
	}

	if err := o.publishStep(ctx, saga, next); err != nil {
		return errors.Wrap(err, "failed to re-publish step")
	}

	if saga.SagaState != next {
		if err := saga.Advance(next, systemActor); err != nil {
			return err
		}
		return o.store.UpdateSaga(ctx, saga, nil)
	}

	return nil
}

func (o *RegistrationSaga) publishStep(ctx context.Context, saga *domain.Saga, step string) error {
	request := events.NewEvent(saga.ID, registrationTopics[step], &StepRequest{
		SagaID:    saga.ID.String(),
		StudentID: saga.StudentID,
		Step:      step,
		Payload:   saga.Payload,
	}).WithCorrelationID(saga.ID)

	return o.publisher.Publish(ctx, request)
}

func registrationStepNumber(step string) int {
	for i, s := range registrationSteps {
		if s == step {
			return i + 1
		}
	}
	return 0
}

// workflowOutboxEvent builds the broadcast fact recorded in the same
// transaction as a terminal saga transition
func workflowOutboxEvent(topic string, saga *domain.Saga, detail string) *domain.ServicesEvent {
	payload, _ := json.Marshal(map[string]string{
		"saga_id":    saga.ID.String(),
		"saga_name":  saga.SagaName,
		"student_id": saga.StudentID,
		"state":      saga.SagaState,
		"detail":     detail,
	})

	return domain.NewServicesEvent(topic, payload, saga.ID)
}
