package infrastructure

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresHighWaterSource reads the last issued student number from the
// authoritative registry table. Used once to seed the shared counter on
// cold start.
type PostgresHighWaterSource struct {
	db *sqlx.DB
}

// NewPostgresHighWaterSource creates a new PostgresHighWaterSource
func NewPostgresHighWaterSource(db *sqlx.DB) *PostgresHighWaterSource {
	return &PostgresHighWaterSource{db: db}
}

// LastIssued returns the highest student number on record
func (s *PostgresHighWaterSource) LastIssued(ctx context.Context) (int64, error) {
	var last int64
	err := s.db.GetContext(ctx, &last, "SELECT COALESCE(MAX(student_number), 0) FROM student_numbers")
	if err != nil {
		return 0, errors.Wrap(err, "failed to read last issued student number")
	}

	return last, nil
}
