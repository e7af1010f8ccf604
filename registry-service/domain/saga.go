package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edulink/registry-system/shared/models"
	"github.com/pkg/errors"
)

// SagaStatus represents the lifecycle status of a saga
type SagaStatus string

const (
	SagaStatusStarted      SagaStatus = "STARTED"
	SagaStatusInProgress   SagaStatus = "IN_PROGRESS"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusForceStopped SagaStatus = "FORCE_STOPPED"
	SagaStatusError        SagaStatus = "ERROR"
)

// Terminal reports whether no further transitions are allowed
func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusForceStopped, SagaStatusError:
		return true
	}
	return false
}

// CanTransitionTo enforces the monotonic status machine:
// STARTED -> IN_PROGRESS -> {COMPLETED | ERROR | FORCE_STOPPED}
func (s SagaStatus) CanTransitionTo(next SagaStatus) bool {
	if s.Terminal() {
		return false
	}

	switch next {
	case SagaStatusInProgress:
		return s == SagaStatusStarted || s == SagaStatusInProgress
	case SagaStatusCompleted, SagaStatusError, SagaStatusForceStopped:
		return true
	}
	return false
}

var ErrTerminalSaga = errors.New("saga is in a terminal state")

// Saga is the durable record of one multi-step business transaction.
// It is mutated only by the orchestrator owning its SagaName.
type Saga struct {
	ID         models.ID
	SagaName   string
	Payload    json.RawMessage
	Status     SagaStatus
	SagaState  string // current step name
	StudentID  string
	Timestamps models.Timestamps
	Audit      models.Audit
	Version    models.Version
}

// NewSaga creates a saga for a workflow request
func NewSaga(sagaName string, payload json.RawMessage, studentID, user string) *Saga {
	return &Saga{
		ID:         models.GenerateUUID(),
		SagaName:   sagaName,
		Payload:    payload,
		Status:     SagaStatusStarted,
		StudentID:  studentID,
		Timestamps: models.NewTimestamps(),
		Audit:      models.NewAudit(user),
		Version:    models.NewVersion(),
	}
}

func (s *Saga) transition(next SagaStatus, user string) error {
	if !s.Status.CanTransitionTo(next) {
		return errors.Wrapf(ErrTerminalSaga, "cannot transition %s from %s to %s", s.ID, s.Status, next)
	}

	s.Status = next
	s.Timestamps = s.Timestamps.Update()
	s.Audit = s.Audit.Update(user)
	s.Version = s.Version.Update()
	return nil
}

// Begin records the saga's first step without leaving STARTED; the
// status only moves to IN_PROGRESS once a reply has been observed
func (s *Saga) Begin(step, user string) error {
	if s.Status != SagaStatusStarted {
		return errors.Errorf("cannot begin saga %s in status %s", s.ID, s.Status)
	}

	s.SagaState = step
	s.Timestamps = s.Timestamps.Update()
	s.Audit = s.Audit.Update(user)
	s.Version = s.Version.Update()
	return nil
}

// Advance moves the saga to the given step and marks it in progress
func (s *Saga) Advance(step, user string) error {
	if err := s.transition(SagaStatusInProgress, user); err != nil {
		return err
	}
	s.SagaState = step
	return nil
}

// Complete marks the saga completed
func (s *Saga) Complete(user string) error {
	return s.transition(SagaStatusCompleted, user)
}

// Fail marks the saga errored; it then needs operator or compensating
// intervention
func (s *Saga) Fail(user string) error {
	return s.transition(SagaStatusError, user)
}

// ForceStop is the operator-driven terminal transition; a force-stopped
// saga is no longer eligible for replay
func (s *Saga) ForceStop(user string) error {
	return s.transition(SagaStatusForceStopped, user)
}

// SagaEventState is an append-only record of one observed step outcome.
// The tuple (SagaID, EventOutcome, EventState, StepNumber) is the
// deduplication key under redelivery.
type SagaEventState struct {
	ID            models.ID
	SagaID        models.ID
	EventState    string // step name
	EventOutcome  string
	StepNumber    int
	EventResponse json.RawMessage
	Timestamps    models.Timestamps
	Audit         models.Audit
}

// NewSagaEventState creates an event row for a step outcome
func NewSagaEventState(sagaID models.ID, state, outcome string, step int, response json.RawMessage, user string) *SagaEventState {
	return &SagaEventState{
		ID:            models.GenerateUUID(),
		SagaID:        sagaID,
		EventState:    state,
		EventOutcome:  outcome,
		StepNumber:    step,
		EventResponse: response,
		Timestamps:    models.NewTimestamps(),
		Audit:         models.NewAudit(user),
	}
}

// SagaStore persists sagas and their event log
type SagaStore interface {
	// CreateSaga writes the saga and, when outbox is non-nil, the outbox
	// record in the same transaction.
	CreateSaga(ctx context.Context, saga *Saga, outbox *ServicesEvent) error
	// UpdateSaga writes the saga and, when outbox is non-nil, the outbox
	// record in the same transaction. The update predicate re-checks that
	// the stored row is not terminal.
	UpdateSaga(ctx context.Context, saga *Saga, outbox *ServicesEvent) error
	AppendEvent(ctx context.Context, event *SagaEventState) error
	FindByID(ctx context.Context, id models.ID) (*Saga, error)
	FindByCorrelation(ctx context.Context, studentID, sagaName string) (*Saga, error)
	FindIncomplete(ctx context.Context, statuses []SagaStatus, olderThan time.Time) ([]*Saga, error)
	FindEvent(ctx context.Context, sagaID models.ID, outcome, state string, step int) (*SagaEventState, error)
	ListEvents(ctx context.Context, sagaID models.ID) ([]*SagaEventState, error)
	DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSagasOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
