package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/fetchstore/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS stored_files (
	id              TEXT PRIMARY KEY,
	path            TEXT NOT NULL UNIQUE,
	url             TEXT NOT NULL,
	content_type    TEXT NOT NULL,
	digest          TEXT NOT NULL,
	algorithm       TEXT NOT NULL,
	size            INTEGER NOT NULL,
	fetch_count     INTEGER NOT NULL DEFAULT 1,
	first_stored_at DATETIME NOT NULL,
	last_stored_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_urls (
	id             TEXT PRIMARY KEY,
	url            TEXT NOT NULL UNIQUE,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stored_files_content_type ON stored_files(content_type);
CREATE INDEX IF NOT EXISTS idx_failed_urls_error_type ON failed_urls(error_type);
CREATE INDEX IF NOT EXISTS idx_failed_urls_next_retry ON failed_urls(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RecordStored(ctx context.Context, f StoredFile) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if f.FirstStoredAt.IsZero() {
		f.FirstStoredAt = now
	}
	if f.LastStoredAt.IsZero() {
		f.LastStoredAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stored_files
		 (id, path, url, content_type, digest, algorithm, size, fetch_count, first_stored_at, last_stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT (path) DO UPDATE SET
		   url = excluded.url,
		   content_type = excluded.content_type,
		   digest = excluded.digest,
		   algorithm = excluded.algorithm,
		   size = excluded.size,
		   fetch_count = stored_files.fetch_count + 1,
		   last_stored_at = excluded.last_stored_at`,
		f.ID, f.Path, f.URL, f.ContentType, f.Digest, f.Algorithm, f.Size,
		f.FirstStoredAt.UTC(), f.LastStoredAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record stored %s", f.Path)
}

// GetStored returns the manifest row for path, or nil when there is none.
func (s *SQLiteStore) GetStored(ctx context.Context, path string) (*StoredFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, url, content_type, digest, algorithm, size, fetch_count, first_stored_at, last_stored_at
		 FROM stored_files WHERE path = ?`,
		path,
	)
	f, err := scanStored(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get stored %s", path)
	}
	return f, nil
}

func (s *SQLiteStore) ListStored(ctx context.Context, filter Filter) ([]StoredFile, error) {
	query := `SELECT id, path, url, content_type, digest, algorithm, size, fetch_count, first_stored_at, last_stored_at
	          FROM stored_files WHERE 1=1`
	var args []any

	if filter.ContentType != "" {
		query += ` AND content_type = ?`
		args = append(args, filter.ContentType)
	}
	query += ` ORDER BY last_stored_at DESC, path ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stored")
	}
	defer rows.Close() //nolint:errcheck

	var files []StoredFile
	for rows.Next() {
		f, err := scanStored(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stored")
		}
		files = append(files, *f)
	}
	return files, eris.Wrap(rows.Err(), "sqlite: list stored iterate")
}

// EnqueueFailure upserts by URL. A URL that fails again keeps its ID, retry
// count and creation time; the error and schedule are replaced.
func (s *SQLiteStore) EnqueueFailure(ctx context.Context, f resilience.FailedURL) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_urls
		 (id, url, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET
		   error = excluded.error,
		   error_type = excluded.error_type,
		   max_retries = excluded.max_retries,
		   next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		f.ID, f.URL, f.Error, f.ErrorType, f.RetryCount, f.MaxRetries,
		f.NextRetryAt.UTC(), f.CreatedAt.UTC(), f.LastFailedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: enqueue failure %s", f.URL)
}

func (s *SQLiteStore) ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailedURL, error) {
	query := `SELECT id, url, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM failed_urls WHERE 1=1`
	var args []any

	if filter.DueOnly {
		query += ` AND next_retry_at <= ? AND retry_count < max_retries`
		args = append(args, time.Now().UTC())
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.FailedURL
	for rows.Next() {
		var e resilience.FailedURL
		if err := rows.Scan(&e.ID, &e.URL, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

func (s *SQLiteStore) IncrementFailureRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_urls
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment failure retry %s", id)
	}
	return checkRowsAffected(res, "failed url", id)
}

func (s *SQLiteStore) RemoveFailure(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM failed_urls WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove failure")
}

func (s *SQLiteStore) CountFailures(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_urls`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count failures")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanStored(row scannable) (*StoredFile, error) {
	var f StoredFile
	err := row.Scan(&f.ID, &f.Path, &f.URL, &f.ContentType, &f.Digest, &f.Algorithm,
		&f.Size, &f.FetchCount, &f.FirstStoredAt, &f.LastStoredAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

var _ Store = (*SQLiteStore)(nil)
