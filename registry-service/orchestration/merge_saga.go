package orchestration

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/shared/events"
	"github.com/pkg/errors"
)

// MergeSagaName routes duplicate-student merge workflows
const MergeSagaName = "student-merge"

// Merge saga steps
const (
	StepMoveEnrolments  = "MOVE_ENROLMENTS"
	StepRetireDuplicate = "RETIRE_DUPLICATE"
)

const (
	moveStepNumber   = 1
	retireStepNumber = 2
)

// MergePayload is the business payload of a merge workflow
type MergePayload struct {
	SurvivorID   string   `json:"survivor_id"`
	DuplicateID  string   `json:"duplicate_id"`
	MergeCode    string   `json:"merge_code"`
	EnrolmentIDs []string `json:"enrolment_ids"`
}

// MergeSaga merges a duplicate student into a survivor: it fans out one
// move request per linked enrolment, and only after every enrolment has
// been moved does it retire the duplicate record. Replies are keyed per
// enrolment ID, there is no global ordering across the fan-out.
type MergeSaga struct {
	store     domain.SagaStore
	publisher events.Publisher
	codes     domain.CodeLookup
}

var _ domain.Orchestrator = (*MergeSaga)(nil)

// NewMergeSaga creates a new MergeSaga
func NewMergeSaga(store domain.SagaStore, publisher events.Publisher, codes domain.CodeLookup) *MergeSaga {
	return &MergeSaga{
		store:     store,
		publisher: publisher,
		codes:     codes,
	}
}

func (o *MergeSaga) SagaName() string {
	return MergeSagaName
}

// Start fans out the move requests for every linked enrolment
func (o *MergeSaga) Start(ctx context.Context, saga *domain.Saga) error {
	payload, err := o.decodePayload(saga)
	if err != nil {
		return err
	}

	if err := saga.Begin(StepMoveEnrolments, systemActor); err != nil {
		return err
	}

	if err := o.publishMoveRequests(ctx, saga, payload, payload.EnrolmentIDs); err != nil {
		return errors.Wrap(err, "failed to publish move requests")
	}

	return o.store.UpdateSaga(ctx, saga, nil)
}

// HandleReply processes one per-enrolment move reply or the retire reply
func (o *MergeSaga) HandleReply(ctx context.Context, saga *domain.Saga, event *events.Event) error {
	var reply StepReply
	if err := event.UnmarshalData(&reply); err != nil {
		slog.ErrorContext(ctx, "malformed merge reply, dropping",
			"saga_id", saga.ID.String(),
			"error", err,
		)
		return nil
	}

	payload, err := o.decodePayload(saga)
	if err != nil {
		return err
	}

	switch reply.Step {
	case StepMoveEnrolments:
		return o.handleMoveReply(ctx, saga, payload, event, &reply)
	case StepRetireDuplicate:
		return o.handleRetireReply(ctx, saga, event, &reply)
	default:
		slog.WarnContext(ctx, "reply for unknown merge step, dropping",
			"saga_id", saga.ID.String(),
			"step", reply.Step,
		)
		return nil
	}
}

func (o *MergeSaga) handleMoveReply(ctx context.Context, saga *domain.Saga, payload *MergePayload, event *events.Event, reply *StepReply) error {
	if reply.EntityID == "" {
		slog.WarnContext(ctx, "move reply without enrolment id, dropping", "saga_id", saga.ID.String())
		return nil
	}

	// Only enrolments this merge fanned out can be applied; anything
	// else must not count toward the fan-out total.
	if !payloadHasEnrolment(payload, reply.EntityID) {
		slog.WarnContext(ctx, "move reply for enrolment outside this merge, dropping",
			"saga_id", saga.ID.String(),
			"enrolment_id", reply.EntityID,
		)
		return nil
	}

	outcome := reply.Outcome
	if reply.Code != "" {
		// Merge codes come from a reference table; a reply carrying a
		// code the registry does not know cannot be applied.
		if _, ok := o.codes.Lookup(domain.CodeSetMerge, reply.Code); !ok {
			slog.WarnContext(ctx, "merge reply with unknown merge code",
				"saga_id", saga.ID.String(),
				"merge_code", reply.Code,
			)
			outcome = OutcomeError
		}
	}

	// Deduplication is per enrolment: the same reply redelivered must
	// not produce a second row or a second advance.
	outcomeKey := outcome + ":" + reply.EntityID

	existing, err := o.store.FindEvent(ctx, saga.ID, outcomeKey, StepMoveEnrolments, moveStepNumber)
	if err != nil {
		return errors.Wrap(err, "failed to probe event log")
	}
	if existing != nil {
		return nil
	}

	record := domain.NewSagaEventState(saga.ID, StepMoveEnrolments, outcomeKey, moveStepNumber, event.Data, systemActor)
	if err := o.store.AppendEvent(ctx, record); err != nil {
		return errors.Wrap(err, "failed to append saga event")
	}

	if outcome != OutcomeSuccess {
		if err := saga.Fail(systemActor); err != nil {
			return err
		}
		return o.store.UpdateSaga(ctx, saga, workflowOutboxEvent(events.WorkflowFailedTopic, saga, reply.Detail))
	}

	moved, err := o.movedEnrolments(ctx, saga)
	if err != nil {
		return err
	}

	if outstandingEnrolments(payload, moved) > 0 {
		// Still waiting for the rest of the fan-out
		if err := saga.Advance(StepMoveEnrolments, systemActor); err != nil {
			return err
		}
		return o.store.UpdateSaga(ctx, saga, nil)
	}

	if err := o.publishRetireRequest(ctx, saga, payload); err != nil {
		return errors.Wrap(err, "failed to publish retire request")
	}

	if err := saga.Advance(StepRetireDuplicate, systemActor); err != nil {
		return err
	}

	return o.store.UpdateSaga(ctx, saga, nil)
}

func (o *MergeSaga) handleRetireReply(ctx context.Context, saga *domain.Saga, event *events.Event, reply *StepReply) error {
	existing, err := o.store.FindEvent(ctx, saga.ID, reply.Outcome, StepRetireDuplicate, retireStepNumber)
	if err != nil {
		return errors.Wrap(err, "failed to probe event log")
	}
	if existing != nil {
		return nil
	}

	record := domain.NewSagaEventState(saga.ID, StepRetireDuplicate, reply.Outcome, retireStepNumber, event.Data, systemActor)
	if err := o.store.AppendEvent(ctx, record); err != nil {
		return errors.Wrap(err, "failed to append saga event")
	}

	if reply.Outcome != OutcomeSuccess {
		if err := saga.Fail(systemActor); err != nil {
			return err
		}
		return o.store.UpdateSaga(ctx, saga, workflowOutboxEvent(events.WorkflowFailedTopic, saga, reply.Detail))
	}

	if err := saga.Complete(systemActor); err != nil {
		return err
	}

	return o.store.UpdateSaga(ctx, saga, workflowOutboxEvent(events.WorkflowCompletedTopic, saga, ""))
}

// Replay re-emits only the outstanding work: move requests for
// enrolments with no recorded success, or the retire request once every
// enrolment has moved.
func (o *MergeSaga) Replay(ctx context.Context, saga *domain.Saga) error {
	if saga.Status.Terminal() {
		return nil
	}

	payload, err := o.decodePayload(saga)
	if err != nil {
		return err
	}

	moved, err := o.movedEnrolments(ctx, saga)
	if err != nil {
		return err
	}

	var missing []string
	for _, id := range payload.EnrolmentIDs {
		if !moved[id] {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		if err := o.publishMoveRequests(ctx, saga, payload, missing); err != nil {
			return errors.Wrap(err, "failed to re-publish move requests")
		}
		if saga.SagaState != StepMoveEnrolments {
			if err := saga.Advance(StepMoveEnrolments, systemActor); err != nil {
				return err
			}
			return o.store.UpdateSaga(ctx, saga, nil)
		}
		return nil
	}

	retired, err := o.store.FindEvent(ctx, saga.ID, OutcomeSuccess, StepRetireDuplicate, retireStepNumber)
	if err != nil {
		return errors.Wrap(err, "failed to probe event log")
	}

	if retired != nil {
		if err := saga.Complete(systemActor); err != nil {
			return err
		}
		return o.store.UpdateSaga(ctx, saga, workflowOutboxEvent(events.WorkflowCompletedTopic, saga, ""))
	}

	if err := o.publishRetireRequest(ctx, saga, payload); err != nil {
		return errors.Wrap(err, "failed to re-publish retire request")
	}

	if saga.SagaState != StepRetireDuplicate {
		if err := saga.Advance(StepRetireDuplicate, systemActor); err != nil {
			return err
		}
		return o.store.UpdateSaga(ctx, saga, nil)
	}

	return nil
}

func payloadHasEnrolment(payload *MergePayload, enrolmentID string) bool {
	for _, id := range payload.EnrolmentIDs {
		if id == enrolmentID {
			return true
		}
	}
	return false
}

// outstandingEnrolments counts the fanned-out enrolments with no
// recorded successful move
func outstandingEnrolments(payload *MergePayload, moved map[string]bool) int {
	outstanding := 0
	for _, id := range payload.EnrolmentIDs {
		if !moved[id] {
			outstanding++
		}
	}
	return outstanding
}

// movedEnrolments returns the enrolment IDs with a recorded successful
// move
func (o *MergeSaga) movedEnrolments(ctx context.Context, saga *domain.Saga) (map[string]bool, error) {
	evts, err := o.store.ListEvents(ctx, saga.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list saga events")
	}

	prefix := OutcomeSuccess + ":"
	moved := make(map[string]bool)
	for _, evt := range evts {
		if evt.EventState != StepMoveEnrolments {
			continue
		}
		if len(evt.EventOutcome) > len(prefix) && evt.EventOutcome[:len(prefix)] == prefix {
			moved[evt.EventOutcome[len(prefix):]] = true
		}
	}

	return moved, nil
}

func (o *MergeSaga) publishMoveRequests(ctx context.Context, saga *domain.Saga, payload *MergePayload, enrolmentIDs []string) error {
	ids := append([]string(nil), enrolmentIDs...)
	sort.Strings(ids)

	requests := make([]*events.Event, len(ids))
	for i, enrolmentID := range ids {
		requests[i] = events.NewEvent(saga.ID, events.EnrolmentMoveRequestedTopic, &StepRequest{
			SagaID:    saga.ID.String(),
			StudentID: payload.SurvivorID,
			Step:      StepMoveEnrolments,
			EntityID:  enrolmentID,
			Payload:   saga.Payload,
		}).WithCorrelationID(saga.ID)
	}

	return o.publisher.Publish(ctx, requests...)
}

func (o *MergeSaga) publishRetireRequest(ctx context.Context, saga *domain.Saga, payload *MergePayload) error {
	request := events.NewEvent(saga.ID, events.DuplicateRetireRequestedTopic, &StepRequest{
		SagaID:    saga.ID.String(),
		StudentID: payload.DuplicateID,
		Step:      StepRetireDuplicate,
		Payload:   saga.Payload,
	}).WithCorrelationID(saga.ID)

	return o.publisher.Publish(ctx, request)
}

func (o *MergeSaga) decodePayload(saga *domain.Saga) (*MergePayload, error) {
	var payload MergePayload
	if err := json.Unmarshal(saga.Payload, &payload); err != nil {
		return nil, errors.Wrapf(err, "saga %s has a corrupt merge payload", saga.ID)
	}
	if len(payload.EnrolmentIDs) == 0 {
		return nil, errors.Errorf("saga %s has no enrolments to merge", saga.ID)
	}
	return &payload, nil
}
