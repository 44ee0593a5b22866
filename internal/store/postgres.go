package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	_ "github.com/lib/pq"
	"key.share/internal/models"
)

var _ Store = (*PostgresStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS shares (
    code_hash TEXT PRIMARY KEY,
    ciphertext BYTEA,
    nonce BYTEA,
    auth_tag BYTEA,
    status TEXT NOT NULL,
    failed_attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS shares_expires_at_idx ON shares (expires_at);
`

const shareColumns = `code_hash, ciphertext, nonce, auth_tag, status, failed_attempts, max_attempts, created_at, expires_at`

// InitPostgres opens a connection pool for dsn and verifies it.
func InitPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// PostgresStore keeps shares in a single table. Status changes are one
// conditional UPDATE each, so row locking provides the atomicity.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore creates the schema if needed and returns the store.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

func (p *PostgresStore) Put(ctx context.Context, share *models.Share) error {
	res, err := p.DB.ExecContext(ctx, `
		INSERT INTO shares (`+shareColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code_hash) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			nonce = EXCLUDED.nonce,
			auth_tag = EXCLUDED.auth_tag,
			status = EXCLUDED.status,
			failed_attempts = EXCLUDED.failed_attempts,
			max_attempts = EXCLUDED.max_attempts,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE shares.status <> 'active'
	`, share.CodeHash, share.Ciphertext, share.Nonce, share.AuthTag, share.Status.String(),
		share.FailedAttempts, share.MaxAttempts, share.CreatedAt, share.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert share: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert share: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateCode
	}
	return nil
}

func (p *PostgresStore) Exists(ctx context.Context, codeHash string) (bool, error) {
	var exists bool
	err := p.DB.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM shares WHERE code_hash = $1)
	`, codeHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check share: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) GetActive(ctx context.Context, codeHash string, now time.Time) (*models.Share, error) {
	row := p.DB.QueryRowContext(ctx, `
		SELECT `+shareColumns+` FROM shares WHERE code_hash = $1
	`, codeHash)

	share, err := scanShare(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get share: %w", err)
	}
	return classify(share, now)
}

func (p *PostgresStore) CompareAndTransition(ctx context.Context, codeHash string, t Transition) (*models.Share, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	// SET expressions see the pre-update row, so "stays" evaluates the
	// counter before the increment.
	row := p.DB.QueryRowContext(ctx, `
		UPDATE shares SET
			failed_attempts = failed_attempts + CASE WHEN $4::boolean THEN 1 ELSE 0 END,
			status     = CASE WHEN $4::boolean AND failed_attempts + 1 < max_attempts THEN status ELSE $3 END,
			ciphertext = CASE WHEN $4::boolean AND failed_attempts + 1 < max_attempts THEN ciphertext ELSE NULL END,
			nonce      = CASE WHEN $4::boolean AND failed_attempts + 1 < max_attempts THEN nonce ELSE NULL END,
			auth_tag   = CASE WHEN $4::boolean AND failed_attempts + 1 < max_attempts THEN auth_tag ELSE NULL END
		WHERE code_hash = $1 AND status = $2
		RETURNING `+shareColumns,
		codeHash, t.From.String(), t.To.String(), t.CountFailure)

	share, err := scanShare(row)
	if err == nil {
		return share, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition share: %w", err)
	}

	var status string
	err = p.DB.QueryRowContext(ctx, `SELECT status FROM shares WHERE code_hash = $1`, codeHash).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transition share: %w", err)
	}
	return nil, ErrConflict
}

func (p *PostgresStore) Delete(ctx context.Context, codeHash string) error {
	if _, err := p.DB.ExecContext(ctx, `DELETE FROM shares WHERE code_hash = $1`, codeHash); err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	return nil
}

// ScanExpired pages by code_hash so a restarted scan picks up where rows
// were left, regardless of concurrent deletes.
func (p *PostgresStore) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		after := ""
		for {
			page, err := p.expiredPage(ctx, now, after)
			if err != nil {
				yield("", err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, hash := range page {
				if !yield(hash, nil) {
					return
				}
			}
			after = page[len(page)-1]
		}
	}
}

func (p *PostgresStore) expiredPage(ctx context.Context, now time.Time, after string) ([]string, error) {
	rows, err := p.DB.QueryContext(ctx, `
		SELECT code_hash FROM shares
		WHERE status = 'active' AND expires_at <= $1 AND code_hash > $2
		ORDER BY code_hash
		LIMIT $3
	`, now, after, scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("scan expired: %w", err)
	}
	defer rows.Close()

	var page []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		page = append(page, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan expired: %w", err)
	}
	return page, nil
}

func (p *PostgresStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := p.DB.ExecContext(ctx, `
		DELETE FROM shares WHERE status <> 'active' AND expires_at <= $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("purge shares: %w", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.DB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShare(row rowScanner) (*models.Share, error) {
	var (
		share  models.Share
		status string
	)
	err := row.Scan(&share.CodeHash, &share.Ciphertext, &share.Nonce, &share.AuthTag, &status,
		&share.FailedAttempts, &share.MaxAttempts, &share.CreatedAt, &share.ExpiresAt)
	if err != nil {
		return nil, err
	}

	parsed, ok := models.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	share.Status = parsed
	return &share, nil
}
