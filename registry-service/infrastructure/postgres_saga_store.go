package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresSagaStore implements domain.SagaStore using PostgreSQL
type PostgresSagaStore struct {
	db *sqlx.DB
}

// NewPostgresSagaStore creates a new PostgresSagaStore
func NewPostgresSagaStore(db *sqlx.DB) *PostgresSagaStore {
	return &PostgresSagaStore{db: db}
}

// postgresSaga represents a saga row
type postgresSaga struct {
	ID        string    `db:"id"`
	SagaName  string    `db:"saga_name"`
	Payload   []byte    `db:"payload"`
	Status    string    `db:"status"`
	SagaState string    `db:"saga_state"`
	StudentID string    `db:"student_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	CreatedBy string    `db:"created_by"`
	UpdatedBy string    `db:"updated_by"`
	Version   int       `db:"version"`
}

// postgresSagaEvent represents a saga event row
type postgresSagaEvent struct {
	ID            string    `db:"id"`
	SagaID        string    `db:"saga_id"`
	EventState    string    `db:"event_state"`
	EventOutcome  string    `db:"event_outcome"`
	StepNumber    int       `db:"step_number"`
	EventResponse []byte    `db:"event_response"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	CreatedBy     string    `db:"created_by"`
	UpdatedBy     string    `db:"updated_by"`
}

const insertSagaQuery = `
	INSERT INTO sagas (
		id, saga_name, payload, status, saga_state, student_id,
		created_at, updated_at, created_by, updated_by, version
	) VALUES (
		:id, :saga_name, :payload, :status, :saga_state, :student_id,
		:created_at, :updated_at, :created_by, :updated_by, :version
	)`

// The status predicate re-checks terminality in the store: a transition
// raced by another writer that already terminated the saga must not apply.
const updateSagaQuery = `
	UPDATE sagas
	SET status = :status, saga_state = :saga_state, updated_at = :updated_at,
		updated_by = :updated_by, version = :version
	WHERE id = :id AND version = :old_version
	  AND status NOT IN ('COMPLETED', 'ERROR', 'FORCE_STOPPED')`

const insertOutboxQuery = `
	INSERT INTO services_events (
		id, topic, payload, correlation_id, status, created_at, updated_at
	) VALUES (
		:id, :topic, :payload, :correlation_id, :status, :created_at, :updated_at
	)`

// CreateSaga inserts the saga and, when outbox is non-nil, the outbox
// record in one transaction
func (s *PostgresSagaStore) CreateSaga(ctx context.Context, saga *domain.Saga, outbox *domain.ServicesEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertSagaQuery, toPostgresSaga(saga)); err != nil {
		return errors.Wrap(err, "failed to insert saga")
	}

	if outbox != nil {
		if _, err := tx.NamedExecContext(ctx, insertOutboxQuery, toPostgresOutbox(outbox)); err != nil {
			return errors.Wrap(err, "failed to insert outbox record")
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit saga creation")
}

// UpdateSaga updates the saga and, when outbox is non-nil, appends the
// outbox record in one transaction
func (s *PostgresSagaStore) UpdateSaga(ctx context.Context, saga *domain.Saga, outbox *domain.ServicesEvent) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	row := toPostgresSaga(saga)
	res, err := tx.NamedExecContext(ctx, updateSagaQuery, map[string]interface{}{
		"id":          row.ID,
		"status":      row.Status,
		"saga_state":  row.SagaState,
		"updated_at":  row.UpdatedAt,
		"updated_by":  row.UpdatedBy,
		"version":     row.Version,
		"old_version": row.Version - 1, // optimistic locking
	})
	if err != nil {
		return errors.Wrap(err, "failed to update saga")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return errors.Errorf("saga %s: stale version or terminal row", saga.ID)
	}

	if outbox != nil {
		if _, err := tx.NamedExecContext(ctx, insertOutboxQuery, toPostgresOutbox(outbox)); err != nil {
			return errors.Wrap(err, "failed to insert outbox record")
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit saga update")
}

// AppendEvent inserts a saga event row
func (s *PostgresSagaStore) AppendEvent(ctx context.Context, event *domain.SagaEventState) error {
	query := `
		INSERT INTO saga_event_states (
			id, saga_id, event_state, event_outcome, step_number,
			event_response, created_at, updated_at, created_by, updated_by
		) VALUES (
			:id, :saga_id, :event_state, :event_outcome, :step_number,
			:event_response, :created_at, :updated_at, :created_by, :updated_by
		)`

	if _, err := s.db.NamedExecContext(ctx, query, toPostgresSagaEvent(event)); err != nil {
		return errors.Wrap(err, "failed to append saga event")
	}

	return nil
}

// FindByID finds a saga by ID
func (s *PostgresSagaStore) FindByID(ctx context.Context, id models.ID) (*domain.Saga, error) {
	query := `
		SELECT id, saga_name, payload, status, saga_state, student_id,
			   created_at, updated_at, created_by, updated_by, version
		FROM sagas
		WHERE id = $1`

	var row postgresSaga
	err := s.db.GetContext(ctx, &row, query, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find saga")
	}

	return toDomainSaga(&row), nil
}

// FindByCorrelation finds the most recent saga for a (student, sagaName)
// pair
func (s *PostgresSagaStore) FindByCorrelation(ctx context.Context, studentID, sagaName string) (*domain.Saga, error) {
	query := `
		SELECT id, saga_name, payload, status, saga_state, student_id,
			   created_at, updated_at, created_by, updated_by, version
		FROM sagas
		WHERE student_id = $1 AND saga_name = $2
		ORDER BY created_at DESC
		LIMIT 1`

	var row postgresSaga
	err := s.db.GetContext(ctx, &row, query, studentID, sagaName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find saga by correlation")
	}

	return toDomainSaga(&row), nil
}

// FindIncomplete lists sagas in the given statuses created before olderThan
func (s *PostgresSagaStore) FindIncomplete(ctx context.Context, statuses []domain.SagaStatus, olderThan time.Time) ([]*domain.Saga, error) {
	statusStrings := make([]string, len(statuses))
	for i, st := range statuses {
		statusStrings[i] = string(st)
	}

	query, args, err := sqlx.In(`
		SELECT id, saga_name, payload, status, saga_state, student_id,
			   created_at, updated_at, created_by, updated_by, version
		FROM sagas
		WHERE status IN (?) AND created_at < ?
		ORDER BY created_at ASC`, statusStrings, olderThan)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build incomplete saga query")
	}

	var rows []postgresSaga
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to find incomplete sagas")
	}

	sagas := make([]*domain.Saga, len(rows))
	for i := range rows {
		sagas[i] = toDomainSaga(&rows[i])
	}

	return sagas, nil
}

// FindEvent probes the dedup key (saga, outcome, state, step)
func (s *PostgresSagaStore) FindEvent(ctx context.Context, sagaID models.ID, outcome, state string, step int) (*domain.SagaEventState, error) {
	query := `
		SELECT id, saga_id, event_state, event_outcome, step_number,
			   event_response, created_at, updated_at, created_by, updated_by
		FROM saga_event_states
		WHERE saga_id = $1 AND event_outcome = $2 AND event_state = $3 AND step_number = $4`

	var row postgresSagaEvent
	err := s.db.GetContext(ctx, &row, query, sagaID.String(), outcome, state, step)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find saga event")
	}

	return toDomainSagaEvent(&row), nil
}

// ListEvents lists a saga's event rows in step order
func (s *PostgresSagaStore) ListEvents(ctx context.Context, sagaID models.ID) ([]*domain.SagaEventState, error) {
	query := `
		SELECT id, saga_id, event_state, event_outcome, step_number,
			   event_response, created_at, updated_at, created_by, updated_by
		FROM saga_event_states
		WHERE saga_id = $1
		ORDER BY step_number ASC, created_at ASC`

	var rows []postgresSagaEvent
	if err := s.db.SelectContext(ctx, &rows, query, sagaID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to list saga events")
	}

	result := make([]*domain.SagaEventState, len(rows))
	for i := range rows {
		result[i] = toDomainSagaEvent(&rows[i])
	}

	return result, nil
}

// DeleteEventsOlderThan purges event rows of old terminal sagas. Child
// rows go before parent rows.
func (s *PostgresSagaStore) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM saga_event_states
		WHERE saga_id IN (
			SELECT id FROM sagas
			WHERE updated_at < $1 AND status IN ('COMPLETED', 'ERROR', 'FORCE_STOPPED')
		)`

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge saga events")
	}

	return res.RowsAffected()
}

// DeleteSagasOlderThan purges old terminal saga rows
func (s *PostgresSagaStore) DeleteSagasOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM sagas
		WHERE updated_at < $1 AND status IN ('COMPLETED', 'ERROR', 'FORCE_STOPPED')`

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge sagas")
	}

	return res.RowsAffected()
}

func toPostgresSaga(saga *domain.Saga) *postgresSaga {
	return &postgresSaga{
		ID:        saga.ID.String(),
		SagaName:  saga.SagaName,
		Payload:   saga.Payload,
		Status:    string(saga.Status),
		SagaState: saga.SagaState,
		StudentID: saga.StudentID,
		CreatedAt: saga.Timestamps.CreatedAt,
		UpdatedAt: saga.Timestamps.UpdatedAt,
		CreatedBy: saga.Audit.CreatedBy,
		UpdatedBy: saga.Audit.UpdatedBy,
		Version:   saga.Version.Value,
	}
}

func toDomainSaga(row *postgresSaga) *domain.Saga {
	return &domain.Saga{
		ID:        models.ID(row.ID),
		SagaName:  row.SagaName,
		Payload:   json.RawMessage(row.Payload),
		Status:    domain.SagaStatus(row.Status),
		SagaState: row.SagaState,
		StudentID: row.StudentID,
		Timestamps: models.Timestamps{
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
		Audit: models.Audit{
			CreatedBy: row.CreatedBy,
			UpdatedBy: row.UpdatedBy,
		},
		Version: models.Version{Value: row.Version},
	}
}

func toPostgresSagaEvent(event *domain.SagaEventState) *postgresSagaEvent {
	return &postgresSagaEvent{
		ID:            event.ID.String(),
		SagaID:        event.SagaID.String(),
		EventState:    event.EventState,
		EventOutcome:  event.EventOutcome,
		StepNumber:    event.StepNumber,
		EventResponse: event.EventResponse,
		CreatedAt:     event.Timestamps.CreatedAt,
		UpdatedAt:     event.Timestamps.UpdatedAt,
		CreatedBy:     event.Audit.CreatedBy,
		UpdatedBy:     event.Audit.UpdatedBy,
	}
}

func toDomainSagaEvent(row *postgresSagaEvent) *domain.SagaEventState {
	return &domain.SagaEventState{
		ID:            models.ID(row.ID),
		SagaID:        models.ID(row.SagaID),
		EventState:    row.EventState,
		EventOutcome:  row.EventOutcome,
		StepNumber:    row.StepNumber,
		EventResponse: json.RawMessage(row.EventResponse),
		Timestamps: models.Timestamps{
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
		Audit: models.Audit{
			CreatedBy: row.CreatedBy,
			UpdatedBy: row.UpdatedBy,
		},
	}
}
