package audit

import (
	"context"
	"database/sql"
	"fmt"
)

var _ Sink = (*PostgresSink)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS share_audit (
    id UUID PRIMARY KEY,
    code_hash_prefix TEXT NOT NULL,
    source TEXT NOT NULL,
    outcome TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL
);
`

// PostgresSink inserts records into share_audit. Rows are never updated or
// deleted here; retention is handled outside the service.
type PostgresSink struct {
	DB *sql.DB
}

func NewPostgresSink(ctx context.Context, db *sql.DB) (*PostgresSink, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &PostgresSink{DB: db}, nil
}

func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO share_audit (id, code_hash_prefix, source, outcome, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.CodeHashPrefix, rec.Source, string(rec.Outcome), rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
