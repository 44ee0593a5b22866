package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"key.share/internal/models"
)

var columns = []string{"code_hash", "ciphertext", "nonce", "auth_tag", "status", "failed_attempts", "max_attempts", "created_at", "expires_at"}

func setupMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{DB: db}, mock
}

func shareRow(status string, failed int) *sqlmock.Rows {
	return sqlmock.NewRows(columns).
		AddRow("h1", []byte("ct"), []byte("n"), []byte("t"), status, failed, 5, base, base.Add(time.Minute))
}

func TestNewPostgresStore_CreatesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS shares")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = NewPostgresStore(context.Background(), db)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPut(t *testing.T) {
	st, mock := setupMock(t)
	share := newShare("h1", time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO shares")).
		WithArgs("h1", share.Ciphertext, share.Nonce, share.AuthTag, "active", 0, 3, share.CreatedAt, share.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, st.Put(context.Background(), share))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO shares")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, st.Put(context.Background(), share), ErrDuplicateCode)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetActive(t *testing.T) {
	st, mock := setupMock(t)
	ctx := context.Background()
	query := regexp.QuoteMeta("SELECT code_hash, ciphertext, nonce, auth_tag, status")

	mock.ExpectQuery(query).WithArgs("h1").WillReturnRows(shareRow("active", 0))
	got, err := st.GetActive(ctx, "h1", base)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Equal(t, []byte("ct"), got.Ciphertext)

	mock.ExpectQuery(query).WithArgs("h1").WillReturnRows(shareRow("locked", 5))
	_, err = st.GetActive(ctx, "h1", base)
	assert.ErrorIs(t, err, ErrLocked)

	mock.ExpectQuery(query).WithArgs("h1").WillReturnRows(shareRow("consumed", 0))
	_, err = st.GetActive(ctx, "h1", base)
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(query).WithArgs("h2").WillReturnError(sql.ErrNoRows)
	_, err = st.GetActive(ctx, "h2", base)
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(query).WithArgs("h3").WillReturnError(errors.New("conn reset"))
	_, err = st.GetActive(ctx, "h3", base)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndTransition(t *testing.T) {
	st, mock := setupMock(t)
	ctx := context.Background()
	update := regexp.QuoteMeta("UPDATE shares SET")
	lookup := regexp.QuoteMeta("SELECT status FROM shares WHERE code_hash = $1")
	fail := Transition{From: models.StatusActive, To: models.StatusLocked, CountFailure: true}

	mock.ExpectQuery(update).WithArgs("h1", "active", "locked", true).
		WillReturnRows(shareRow("locked", 5))
	got, err := st.CompareAndTransition(ctx, "h1", fail)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, got.Status)
	assert.Equal(t, 5, got.FailedAttempts)

	mock.ExpectQuery(update).WithArgs("h1", "active", "consumed", false).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(lookup).WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("locked"))
	_, err = st.CompareAndTransition(ctx, "h1", Transition{From: models.StatusActive, To: models.StatusConsumed})
	assert.ErrorIs(t, err, ErrConflict)

	mock.ExpectQuery(update).WithArgs("h2", "active", "revoked", false).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(lookup).WithArgs("h2").WillReturnError(sql.ErrNoRows)
	_, err = st.CompareAndTransition(ctx, "h2", Transition{From: models.StatusActive, To: models.StatusRevoked})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.CompareAndTransition(ctx, "h1", Transition{From: models.StatusLocked, To: models.StatusActive})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScanExpired(t *testing.T) {
	st, mock := setupMock(t)
	query := regexp.QuoteMeta("SELECT code_hash FROM shares")

	mock.ExpectQuery(query).WithArgs(base, "", scanPageSize).
		WillReturnRows(sqlmock.NewRows([]string{"code_hash"}).AddRow("a").AddRow("b"))
	mock.ExpectQuery(query).WithArgs(base, "b", scanPageSize).
		WillReturnRows(sqlmock.NewRows([]string{"code_hash"}))

	var got []string
	for hash, err := range st.ScanExpired(context.Background(), base) {
		require.NoError(t, err)
		got = append(got, hash)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresScanExpired_Error(t *testing.T) {
	st, mock := setupMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT code_hash FROM shares")).
		WillReturnError(errors.New("timeout"))

	var errs int
	for _, err := range st.ScanExpired(context.Background(), base) {
		assert.Error(t, err)
		errs++
	}
	assert.Equal(t, 1, errs)
}

func TestPostgresDeleteAndPurge(t *testing.T) {
	st, mock := setupMock(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM shares WHERE code_hash = $1")).
		WithArgs("h1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, st.Delete(ctx, "h1"))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM shares WHERE status <> 'active'")).
		WithArgs(base).WillReturnResult(sqlmock.NewResult(0, 4))
	removed, err := st.PurgeTerminal(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExists(t *testing.T) {
	st, mock := setupMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := st.Exists(context.Background(), "h1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
