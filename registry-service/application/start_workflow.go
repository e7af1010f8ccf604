package application

import (
	"context"
	"encoding/json"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/registry-service/orchestration"
	"github.com/edulink/registry-system/shared/events"
	"github.com/pkg/errors"
)

// StartWorkflowCommand represents a workflow-start request
type StartWorkflowCommand struct {
	SagaName  string          `json:"saga_name"`
	StudentID string          `json:"student_id"`
	Payload   json.RawMessage `json:"payload"`
	User      string          `json:"user"`
}

// StartWorkflowResponse is returned to the caller
type StartWorkflowResponse struct {
	SagaID string `json:"saga_id"`
	Status string `json:"status"`
}

// StartWorkflow creates the saga record, writes the started fact to the
// outbox in the same transaction, and asks the owning orchestrator to
// emit the first step. A still-active saga for the same (student,
// sagaName) pair is returned as-is instead of starting a duplicate.
type StartWorkflow struct {
	store    domain.SagaStore
	registry *orchestration.Registry
}

// NewStartWorkflow creates a new StartWorkflow use case
func NewStartWorkflow(store domain.SagaStore, registry *orchestration.Registry) *StartWorkflow {
	return &StartWorkflow{
		store:    store,
		registry: registry,
	}
}

// Execute starts the workflow
func (uc *StartWorkflow) Execute(ctx context.Context, cmd *StartWorkflowCommand) (*StartWorkflowResponse, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, errors.Wrap(err, "invalid command")
	}

	orchestrator, ok := uc.registry.Lookup(cmd.SagaName)
	if !ok {
		return nil, errors.Errorf("unknown saga type %q", cmd.SagaName)
	}

	existing, err := uc.store.FindByCorrelation(ctx, cmd.StudentID, cmd.SagaName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check for active workflow")
	}
	if existing != nil && !existing.Status.Terminal() {
		return &StartWorkflowResponse{
			SagaID: existing.ID.String(),
			Status: string(existing.Status),
		}, nil
	}

	saga := domain.NewSaga(cmd.SagaName, cmd.Payload, cmd.StudentID, cmd.User)

	startedPayload, _ := json.Marshal(map[string]string{
		"saga_id":    saga.ID.String(),
		"saga_name":  saga.SagaName,
		"student_id": saga.StudentID,
	})
	outbox := domain.NewServicesEvent(events.WorkflowStartedTopic, startedPayload, saga.ID)

	if err := uc.store.CreateSaga(ctx, saga, outbox); err != nil {
		return nil, errors.Wrap(err, "failed to create saga")
	}

	if err := orchestrator.Start(ctx, saga); err != nil {
		// The saga row is committed; the recovery scheduler will pick it
		// up and replay the first step.
		return nil, errors.Wrap(err, "failed to start saga")
	}

	return &StartWorkflowResponse{
		SagaID: saga.ID.String(),
		Status: string(saga.Status),
	}, nil
}

func (uc *StartWorkflow) validateCommand(cmd *StartWorkflowCommand) error {
	if cmd.SagaName == "" {
		return errors.New("saga name is required")
	}

	if cmd.StudentID == "" {
		return errors.New("student ID is required")
	}

	if len(cmd.Payload) == 0 {
		return errors.New("payload is required")
	}

	if cmd.User == "" {
		return errors.New("acting user is required")
	}

	return nil
}
