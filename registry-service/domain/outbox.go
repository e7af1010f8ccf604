package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edulink/registry-system/shared/models"
)

// OutboxStatus tracks a choreography event from commit to dispatch
type OutboxStatus string

const (
	OutboxStatusDBCommitted      OutboxStatus = "DB_COMMITTED"
	OutboxStatusMessagePublished OutboxStatus = "MESSAGE_PUBLISHED"
)

// ServicesEvent is a transactional-outbox record: a broadcast fact
// persisted in the same transaction as the business mutation and
// published asynchronously by the outbox publisher.
type ServicesEvent struct {
	ID            models.ID
	Topic         string
	Payload       json.RawMessage
	CorrelationID models.ID
	Status        OutboxStatus
	Timestamps    models.Timestamps
}

// NewServicesEvent creates a pending outbox record
func NewServicesEvent(topic string, payload json.RawMessage, correlationID models.ID) *ServicesEvent {
	return &ServicesEvent{
		ID:            models.GenerateUUID(),
		Topic:         topic,
		Payload:       payload,
		CorrelationID: correlationID,
		Status:        OutboxStatusDBCommitted,
		Timestamps:    models.NewTimestamps(),
	}
}

// OutboxStore persists and settles outbox records
type OutboxStore interface {
	Append(ctx context.Context, event *ServicesEvent) error
	FindPending(ctx context.Context, limit int) ([]*ServicesEvent, error)
	MarkPublished(ctx context.Context, id models.ID) error
	DeletePublishedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
