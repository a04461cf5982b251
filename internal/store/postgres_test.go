package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fetchstore/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var storedColumns = []string{
	"id", "path", "url", "content_type", "digest", "algorithm",
	"size", "fetch_count", "first_stored_at", "last_stored_at",
}

var failureColumns = []string{
	"id", "url", "error", "error_type", "retry_count", "max_retries",
	"next_retry_at", "created_at", "last_failed_at",
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS stored_files`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("permission denied"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: migrate")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordStored_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO stored_files.*ON CONFLICT \(path\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "upload/photo.png", "https://img.example.com/photo.png",
			"image/png", "abc", "sha256", int64(5), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordStored(context.Background(), StoredFile{
		Path:        "upload/photo.png",
		URL:         "https://img.example.com/photo.png",
		ContentType: "image/png",
		Digest:      "abc",
		Algorithm:   "sha256",
		Size:        5,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetStored(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, path, url, content_type, digest, algorithm, size, fetch_count, first_stored_at, last_stored_at\s+FROM stored_files WHERE path = \$1`).
		WithArgs("upload/photo.png").
		WillReturnRows(pgxmock.NewRows(storedColumns).AddRow(
			"id-1", "upload/photo.png", "https://img.example.com/photo.png", "image/png",
			"abc", "sha256", int64(5), 3, now, now,
		))

	got, err := s.GetStored(context.Background(), "upload/photo.png")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "id-1", got.ID)
	assert.Equal(t, 3, got.FetchCount)
	assert.Equal(t, int64(5), got.Size)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetStored_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM stored_files WHERE path = \$1`).
		WithArgs("upload/none.png").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetStored(context.Background(), "upload/none.png")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetStored_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM stored_files WHERE path = \$1`).
		WithArgs("upload/photo.png").
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetStored(context.Background(), "upload/photo.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get stored")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListStored_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM stored_files WHERE true AND content_type = \$1 ORDER BY last_stored_at DESC, path ASC LIMIT \$2 OFFSET \$3`).
		WithArgs("image/gif", 5, 10).
		WillReturnRows(pgxmock.NewRows(storedColumns).AddRow(
			"id-2", "upload/d.gif", "https://img.example.com/d.gif", "image/gif",
			"def", "sha256", int64(7), 1, now, now,
		))

	files, err := s.ListStored(context.Background(), Filter{ContentType: "image/gif", Limit: 5, Offset: 10})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "upload/d.gif", files[0].Path)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListStored_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM stored_files WHERE true ORDER BY last_stored_at DESC, path ASC LIMIT \$1`).
		WithArgs(defaultListLimit).
		WillReturnRows(pgxmock.NewRows(storedColumns))

	files, err := s.ListStored(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`(?s)INSERT INTO failed_urls.*ON CONFLICT \(url\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "https://img.example.com/a.png", "boom", "transient",
			0, 3, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.EnqueueFailure(context.Background(), resilience.FailedURL{
		URL:          "https://img.example.com/a.png",
		Error:        "boom",
		ErrorType:    "transient",
		MaxRetries:   3,
		NextRetryAt:  now,
		CreatedAt:    now,
		LastFailedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListFailures_DueOnly(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM failed_urls WHERE true AND next_retry_at <= now\(\) AND retry_count < max_retries AND error_type = \$1 ORDER BY next_retry_at ASC LIMIT \$2`).
		WithArgs("transient", 20).
		WillReturnRows(pgxmock.NewRows(failureColumns).AddRow(
			"f-1", "https://img.example.com/a.png", "boom", "transient", 1, 3, now, now, now,
		))

	entries, err := s.ListFailures(context.Background(), resilience.FailureFilter{
		ErrorType: "transient",
		DueOnly:   true,
		Limit:     20,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "f-1", entries[0].ID)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.True(t, entries[0].CanRetry())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementFailureRetry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE failed_urls`).
		WithArgs(pgxmock.AnyArg(), "still down", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.IncrementFailureRetry(context.Background(), "missing", time.Now(), "still down")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveAndCountFailures(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM failed_urls WHERE id = \$1`).
		WithArgs("f-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM failed_urls`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	require.NoError(t, s.RemoveFailure(context.Background(), "f-1"))
	n, err := s.CountFailures(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CloseWithoutPool(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	assert.NoError(t, s.Close())
}

func TestNewPostgres_BadConnString(t *testing.T) {
	_, err := NewPostgres(context.Background(), "://not a url", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: parse config")
}
