package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/shared/models"
	"github.com/pkg/errors"
)

// WorkflowEventView is one event row in the workflow detail response
type WorkflowEventView struct {
	Outcome    string    `json:"outcome"`
	State      string    `json:"state"`
	StepNumber int       `json:"step_number"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkflowView is the read model for a single workflow
type WorkflowView struct {
	SagaID    string              `json:"saga_id"`
	SagaName  string              `json:"saga_name"`
	StudentID string              `json:"student_id"`
	Status    string              `json:"status"`
	State     string              `json:"state"`
	Payload   json.RawMessage     `json:"payload"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Events    []WorkflowEventView `json:"events"`
}

// GetWorkflow loads a saga and its event history
type GetWorkflow struct {
	store domain.SagaStore
}

// NewGetWorkflow creates a new GetWorkflow use case
func NewGetWorkflow(store domain.SagaStore) *GetWorkflow {
	return &GetWorkflow{store: store}
}

// Execute returns the workflow view for the given saga ID
func (uc *GetWorkflow) Execute(ctx context.Context, sagaID string) (*WorkflowView, error) {
	id, err := models.NewID(sagaID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid saga ID")
	}

	saga, err := uc.store.FindByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load saga")
	}
	if saga == nil {
		return nil, nil
	}

	rows, err := uc.store.ListEvents(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load saga events")
	}

	view := &WorkflowView{
		SagaID:    saga.ID.String(),
		SagaName:  saga.SagaName,
		StudentID: saga.StudentID,
		Status:    string(saga.Status),
		State:     saga.SagaState,
		Payload:   saga.Payload,
		CreatedAt: saga.Timestamps.CreatedAt,
		UpdatedAt: saga.Timestamps.UpdatedAt,
		Events:    make([]WorkflowEventView, 0, len(rows)),
	}

	for _, row := range rows {
		view.Events = append(view.Events, WorkflowEventView{
			Outcome:    row.EventOutcome,
			State:      row.EventState,
			StepNumber: row.StepNumber,
			CreatedAt:  row.Timestamps.CreatedAt,
		})
	}

	return view, nil
}
