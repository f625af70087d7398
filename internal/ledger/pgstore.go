package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
	"github.com/pkgdepot/pkgdepot/pkg/postgres"
)

// Schema creates the jobs table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    service                 TEXT        NOT NULL,
    package                 TEXT        NOT NULL,
    version                 TEXT        NOT NULL,
    state                   TEXT        NOT NULL,
    locked_at               TIMESTAMPTZ,
    lock_owner              TEXT        NOT NULL DEFAULT '',
    last_status             TEXT        NOT NULL DEFAULT '',
    error_count             INT         NOT NULL DEFAULT 0,
    priority                BOOLEAN     NOT NULL DEFAULT FALSE,
    is_latest_stable        BOOLEAN     NOT NULL DEFAULT FALSE,
    is_latest_prerelease    BOOLEAN     NOT NULL DEFAULT FALSE,
    is_latest_preview       BOOLEAN     NOT NULL DEFAULT FALSE,
    package_version_updated TIMESTAMPTZ NOT NULL,
    completed_at            TIMESTAMPTZ,
    last_processed          TIMESTAMPTZ,
    last_run_duration_ms    BIGINT      NOT NULL DEFAULT 0,
    PRIMARY KEY (service, package, version)
);
CREATE INDEX IF NOT EXISTS jobs_claim_idx
    ON jobs (service, state, priority, package_version_updated);
`

const jobColumns = `service, package, version, state, locked_at, lock_owner,
	last_status, error_count, priority, is_latest_stable, is_latest_prerelease,
	is_latest_preview, package_version_updated, completed_at, last_processed,
	last_run_duration_ms`

// PGStore is the Postgres-backed ledger store. Transactions run at
// serializable isolation and are retried on serialization failure, which
// provides the optimistic compare-and-set semantics the at-most-one-lock
// invariant depends on.
type PGStore struct {
	client   *postgres.Client
	attempts int
}

// NewPGStore wraps the Postgres client. attempts bounds transaction retries.
func NewPGStore(client *postgres.Client, attempts int) *PGStore {
	if attempts <= 0 {
		attempts = 5
	}
	return &PGStore{client: client, attempts: attempts}
}

// EnsureSchema creates the jobs table if missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.client.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating jobs schema: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, key Key) (*Job, error) {
	row := s.client.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE service = $1 AND package = $2 AND version = $3`,
		key.Service, key.Package, key.Version,
	)
	return scanJob(row)
}

func (s *PGStore) List(ctx context.Context, service string) ([]*Job, error) {
	rows, err := s.client.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE service = $1 ORDER BY package, version`,
		service,
	)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PGStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.client.InTxWithRetry(ctx, s.attempts, func(sqlTx *sql.Tx) error {
		return fn(&pgTx{tx: sqlTx})
	})
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Get(ctx context.Context, key Key) (*Job, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE service = $1 AND package = $2 AND version = $3`,
		key.Service, key.Package, key.Version,
	)
	return scanJob(row)
}

func (t *pgTx) List(ctx context.Context, service string) ([]*Job, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE service = $1 ORDER BY package, version`,
		service,
	)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (t *pgTx) Put(ctx context.Context, job *Job) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (service, package, version) DO UPDATE SET
			state = EXCLUDED.state,
			locked_at = EXCLUDED.locked_at,
			lock_owner = EXCLUDED.lock_owner,
			last_status = EXCLUDED.last_status,
			error_count = EXCLUDED.error_count,
			priority = EXCLUDED.priority,
			is_latest_stable = EXCLUDED.is_latest_stable,
			is_latest_prerelease = EXCLUDED.is_latest_prerelease,
			is_latest_preview = EXCLUDED.is_latest_preview,
			package_version_updated = EXCLUDED.package_version_updated,
			completed_at = EXCLUDED.completed_at,
			last_processed = EXCLUDED.last_processed,
			last_run_duration_ms = EXCLUDED.last_run_duration_ms`,
		job.Key.Service, job.Key.Package, job.Key.Version,
		string(job.State), job.LockedAt, job.LockOwner,
		string(job.LastStatus), job.ErrorCount, job.Priority,
		job.IsLatestStable, job.IsLatestPrerelease, job.IsLatestPreview,
		job.PackageVersionUpdated, job.CompletedAt, nullableTime(job.LastProcessed),
		job.LastRunDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("upserting job %s: %w", job.Key, err)
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, key Key) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE service = $1 AND package = $2 AND version = $3`,
		key.Service, key.Package, key.Version,
	)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var state, status string
	var lockedAt, completedAt, lastProcessed sql.NullTime
	var durationMs int64
	err := row.Scan(
		&job.Key.Service, &job.Key.Package, &job.Key.Version,
		&state, &lockedAt, &job.LockOwner,
		&status, &job.ErrorCount, &job.Priority,
		&job.IsLatestStable, &job.IsLatestPrerelease, &job.IsLatestPreview,
		&job.PackageVersionUpdated, &completedAt, &lastProcessed, &durationMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrJobNotFound, job.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	job.State = State(state)
	job.LastStatus = Status(status)
	if lockedAt.Valid {
		job.LockedAt = &lockedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if lastProcessed.Valid {
		job.LastProcessed = lastProcessed.Time
	}
	job.LastRunDuration = time.Duration(durationMs) * time.Millisecond
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return jobs, nil
}
