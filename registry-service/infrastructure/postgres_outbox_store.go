package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresOutboxStore implements domain.OutboxStore using PostgreSQL
type PostgresOutboxStore struct {
	db *sqlx.DB
}

// NewPostgresOutboxStore creates a new PostgresOutboxStore
func NewPostgresOutboxStore(db *sqlx.DB) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db}
}

type postgresOutboxEvent struct {
	ID            string    `db:"id"`
	Topic         string    `db:"topic"`
	Payload       []byte    `db:"payload"`
	CorrelationID string    `db:"correlation_id"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Append inserts a pending outbox record
func (s *PostgresOutboxStore) Append(ctx context.Context, event *domain.ServicesEvent) error {
	if _, err := s.db.NamedExecContext(ctx, insertOutboxQuery, toPostgresOutbox(event)); err != nil {
		return errors.Wrap(err, "failed to append outbox record")
	}
	return nil
}

// FindPending lists DB_COMMITTED records oldest first
func (s *PostgresOutboxStore) FindPending(ctx context.Context, limit int) ([]*domain.ServicesEvent, error) {
	query := `
		SELECT id, topic, payload, correlation_id, status, created_at, updated_at
		FROM services_events
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`

	var rows []postgresOutboxEvent
	if err := s.db.SelectContext(ctx, &rows, query, string(domain.OutboxStatusDBCommitted), limit); err != nil {
		return nil, errors.Wrap(err, "failed to find pending outbox records")
	}

	result := make([]*domain.ServicesEvent, len(rows))
	for i := range rows {
		result[i] = toDomainOutbox(&rows[i])
	}

	return result, nil
}

// MarkPublished transitions a record to MESSAGE_PUBLISHED
func (s *PostgresOutboxStore) MarkPublished(ctx context.Context, id models.ID) error {
	query := `
		UPDATE services_events
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`

	_, err := s.db.ExecContext(ctx, query,
		string(domain.OutboxStatusMessagePublished),
		time.Now(),
		id.String(),
		string(domain.OutboxStatusDBCommitted),
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark outbox record published")
	}

	return nil
}

// DeletePublishedOlderThan purges dispatched records
func (s *PostgresOutboxStore) DeletePublishedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM services_events
		WHERE status = $1 AND updated_at < $2`

	res, err := s.db.ExecContext(ctx, query, string(domain.OutboxStatusMessagePublished), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge outbox records")
	}

	return res.RowsAffected()
}

func toPostgresOutbox(event *domain.ServicesEvent) *postgresOutboxEvent {
	return &postgresOutboxEvent{
		ID:            event.ID.String(),
		Topic:         event.Topic,
		Payload:       event.Payload,
		CorrelationID: event.CorrelationID.String(),
		Status:        string(event.Status),
		CreatedAt:     event.Timestamps.CreatedAt,
		UpdatedAt:     event.Timestamps.UpdatedAt,
	}
}

func toDomainOutbox(row *postgresOutboxEvent) *domain.ServicesEvent {
	return &domain.ServicesEvent{
		ID:            models.ID(row.ID),
		Topic:         row.Topic,
		Payload:       json.RawMessage(row.Payload),
		CorrelationID: models.ID(row.CorrelationID),
		Status:        domain.OutboxStatus(row.Status),
		Timestamps: models.Timestamps{
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
	}
}
