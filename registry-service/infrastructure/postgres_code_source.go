package infrastructure

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresCodeSource loads reference code tables from PostgreSQL
type PostgresCodeSource struct {
	db *sqlx.DB
}

// NewPostgresCodeSource creates a new PostgresCodeSource
func NewPostgresCodeSource(db *sqlx.DB) *PostgresCodeSource {
	return &PostgresCodeSource{db: db}
}

type postgresCode struct {
	Code        string `db:"code"`
	Description string `db:"description"`
}

// LoadCodeSet loads one code set as code -> description
func (s *PostgresCodeSource) LoadCodeSet(ctx context.Context, set string) (map[string]string, error) {
	query := `
		SELECT code, description
		FROM reference_codes
		WHERE code_set = $1 AND active = TRUE`

	var rows []postgresCode
	if err := s.db.SelectContext(ctx, &rows, query, set); err != nil {
		return nil, errors.Wrapf(err, "failed to load code set %s", set)
	}

	codes := make(map[string]string, len(rows))
	for _, row := range rows {
		codes[row.Code] = row.Description
	}

	return codes, nil
}
