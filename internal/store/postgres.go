package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fetchstore/internal/resilience"
)

// Pool is the subset of *pgxpool.Pool used by PostgresStore. pgxmock pools
// satisfy it as well.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	upsertStoredSQL = `INSERT INTO stored_files
	 (id, path, url, content_type, digest, algorithm, size, fetch_count, first_stored_at, last_stored_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
	 ON CONFLICT (path) DO UPDATE SET
	   url = EXCLUDED.url,
	   content_type = EXCLUDED.content_type,
	   digest = EXCLUDED.digest,
	   algorithm = EXCLUDED.algorithm,
	   size = EXCLUDED.size,
	   fetch_count = stored_files.fetch_count + 1,
	   last_stored_at = EXCLUDED.last_stored_at`

	getStoredSQL = `SELECT id, path, url, content_type, digest, algorithm, size, fetch_count, first_stored_at, last_stored_at
	 FROM stored_files WHERE path = $1`

	upsertFailureSQL = `INSERT INTO failed_urls
	 (id, url, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	 ON CONFLICT (url) DO UPDATE SET
	   error = EXCLUDED.error,
	   error_type = EXCLUDED.error_type,
	   max_retries = EXCLUDED.max_retries,
	   next_retry_at = EXCLUDED.next_retry_at,
	   last_failed_at = EXCLUDED.last_failed_at`
)

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"upsert_stored":  upsertStoredSQL,
	"get_stored":     getStoredSQL,
	"upsert_failure": upsertFailureSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS stored_files (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	path            TEXT NOT NULL UNIQUE,
	url             TEXT NOT NULL,
	content_type    TEXT NOT NULL,
	digest          TEXT NOT NULL,
	algorithm       TEXT NOT NULL,
	size            BIGINT NOT NULL,
	fetch_count     INTEGER NOT NULL DEFAULT 1,
	first_stored_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_stored_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_stored_files_content_type ON stored_files(content_type);

CREATE TABLE IF NOT EXISTS failed_urls (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	url            TEXT NOT NULL UNIQUE,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_failed_urls_error_type ON failed_urls(error_type);
CREATE INDEX IF NOT EXISTS idx_failed_urls_next_retry ON failed_urls(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) RecordStored(ctx context.Context, f StoredFile) error {
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

	_, err := s.pool.Exec(ctx, upsertStoredSQL,
		f.ID, f.Path, f.URL, f.ContentType, f.Digest, f.Algorithm, f.Size,
		f.FirstStoredAt, f.LastStoredAt,
	)
	return eris.Wrapf(err, "postgres: record stored %s", f.Path)
}

// GetStored returns the manifest row for path, or nil when there is none.
func (s *PostgresStore) GetStored(ctx context.Context, path string) (*StoredFile, error) {
	var f StoredFile
	err := s.pool.QueryRow(ctx, getStoredSQL, path).Scan(
		&f.ID, &f.Path, &f.URL, &f.ContentType, &f.Digest, &f.Algorithm,
		&f.Size, &f.FetchCount, &f.FirstStoredAt, &f.LastStoredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get stored %s", path)
	}
	return &f, nil
}

func (s *PostgresStore) ListStored(ctx context.Context, filter Filter) ([]StoredFile, error) {
	query := `SELECT id, path, url, content_type, digest, algorithm, size, fetch_count, first_stored_at, last_stored_at
	          FROM stored_files WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ContentType != "" {
		query += fmt.Sprintf(` AND content_type = $%d`, argIdx)
		args = append(args, filter.ContentType)
		argIdx++
	}
	query += ` ORDER BY last_stored_at DESC, path ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stored")
	}
	defer rows.Close()

	var files []StoredFile
	for rows.Next() {
		var f StoredFile
		if err := rows.Scan(&f.ID, &f.Path, &f.URL, &f.ContentType, &f.Digest, &f.Algorithm,
			&f.Size, &f.FetchCount, &f.FirstStoredAt, &f.LastStoredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stored")
		}
		files = append(files, f)
	}
	return files, eris.Wrap(rows.Err(), "postgres: list stored iterate")
}

// Failed URL queue methods

// EnqueueFailure upserts by URL, keeping the ID, retry count and creation
// time of an existing entry.
func (s *PostgresStore) EnqueueFailure(ctx context.Context, f resilience.FailedURL) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, upsertFailureSQL,
		f.ID, f.URL, f.Error, f.ErrorType, f.RetryCount, f.MaxRetries,
		f.NextRetryAt, f.CreatedAt, f.LastFailedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue failure %s", f.URL)
}

func (s *PostgresStore) ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailedURL, error) {
	query := `SELECT id, url, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM failed_urls WHERE true`
	args := []any{}
	argIdx := 1

	if filter.DueOnly {
		query += ` AND next_retry_at <= now() AND retry_count < max_retries`
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var entries []resilience.FailedURL
	for rows.Next() {
		var e resilience.FailedURL
		if err := rows.Scan(&e.ID, &e.URL, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

func (s *PostgresStore) IncrementFailureRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE failed_urls
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment failure retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("failed url not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveFailure(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM failed_urls WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove failure")
}

func (s *PostgresStore) CountFailures(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM failed_urls`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count failures")
}

var _ Store = (*PostgresStore)(nil)
