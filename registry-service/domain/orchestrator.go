package domain

import (
	"context"

	"github.com/edulink/registry-system/shared/events"
)

// Orchestrator owns the step-transition logic for one saga type.
type Orchestrator interface {
	// SagaName is the routing key matching Saga.SagaName.
	SagaName() string
	// Start emits the saga's first step.
	Start(ctx context.Context, saga *Saga) error
	// Replay re-derives the next expected step from the persisted event
	// history and re-emits it without duplicating applied side effects.
	Replay(ctx context.Context, saga *Saga) error
	// HandleReply advances the saga on a step-reply message. Callers must
	// serialize invocations per saga ID.
	HandleReply(ctx context.Context, saga *Saga, event *events.Event) error
}
