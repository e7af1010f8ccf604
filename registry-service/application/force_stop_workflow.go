package application

import (
	"context"
	"encoding/json"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/shared/events"
	"github.com/edulink/registry-system/shared/models"
	"github.com/pkg/errors"
)

// ForceStopWorkflowCommand stops a stuck workflow by operator request
type ForceStopWorkflowCommand struct {
	SagaID string `json:"saga_id"`
	Reason string `json:"reason"`
	User   string `json:"user"`
}

// ForceStopWorkflow moves a non-terminal saga to FORCE_STOPPED and
// records the fact in the outbox within the same transaction.
type ForceStopWorkflow struct {
	store domain.SagaStore
}

// NewForceStopWorkflow creates a new ForceStopWorkflow use case
func NewForceStopWorkflow(store domain.SagaStore) *ForceStopWorkflow {
	return &ForceStopWorkflow{store: store}
}

// Execute force-stops the workflow
func (uc *ForceStopWorkflow) Execute(ctx context.Context, cmd *ForceStopWorkflowCommand) error {
	if cmd.User == "" {
		return errors.New("acting user is required")
	}

	id, err := models.NewID(cmd.SagaID)
	if err != nil {
		return errors.Wrap(err, "invalid saga ID")
	}

	saga, err := uc.store.FindByID(ctx, id)
	if err != nil {
		return errors.Wrap(err, "failed to load saga")
	}
	if saga == nil {
		return errors.Errorf("saga %s not found", cmd.SagaID)
	}

	if err := saga.ForceStop(cmd.User); err != nil {
		return errors.Wrapf(err, "cannot force-stop saga %s", cmd.SagaID)
	}

	payload, _ := json.Marshal(map[string]string{
		"saga_id":   saga.ID.String(),
		"saga_name": saga.SagaName,
		"reason":    cmd.Reason,
		"user":      cmd.User,
	})
	outbox := domain.NewServicesEvent(events.WorkflowForceStoppedTopic, payload, saga.ID)

	if err := uc.store.UpdateSaga(ctx, saga, outbox); err != nil {
		return errors.Wrap(err, "failed to persist force-stop")
	}

	return nil
}
