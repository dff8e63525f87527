// Package store provides the PostgreSQL-backed persistence for import jobs
// and their row errors. It mirrors the in-memory implementations in
// internal/importer so deployments without a database lose nothing but
// durability across restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelane/importd/internal/importer"
)

// schemaDDL creates the two import tables. Row errors live outside the job
// snapshot because their count is unbounded while the snapshot's errors
// column is capped.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS import_jobs (
	job_id           UUID PRIMARY KEY,
	status           TEXT NOT NULL,
	total_rows       INTEGER NOT NULL DEFAULT 0,
	processed_rows   INTEGER NOT NULL DEFAULT 0,
	successful_rows  INTEGER NOT NULL DEFAULT 0,
	failed_rows      INTEGER NOT NULL DEFAULT 0,
	skipped_rows     INTEGER NOT NULL DEFAULT 0,
	current_chunk    INTEGER NOT NULL DEFAULT 0,
	total_chunks     INTEGER NOT NULL DEFAULT 0,
	errors           JSONB NOT NULL DEFAULT '[]',
	error_count      INTEGER NOT NULL DEFAULT 0,
	message          TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	eta_seconds      INTEGER NOT NULL DEFAULT 0,
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS import_jobs_completed_at_idx
	ON import_jobs (completed_at) WHERE completed_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS import_row_errors (
	seq      BIGSERIAL PRIMARY KEY,
	job_id   UUID NOT NULL,
	row_num  INTEGER NOT NULL,
	field    TEXT NOT NULL DEFAULT '',
	message  TEXT NOT NULL,
	severity TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS import_row_errors_job_idx
	ON import_row_errors (job_id, seq);
`

// EnsureSchema creates the import tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// PostgresStore is the durable importer.JobStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Save upserts the full snapshot. The orchestrator is the single writer per
// job, so last-write-wins is safe.
func (s *PostgresStore) Save(ctx context.Context, job *importer.ImportJob) error {
	errsJSON, err := json.Marshal(job.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	completedAt := pgtype.Timestamptz{}
	if job.CompletedAt != nil {
		completedAt = pgtype.Timestamptz{Time: *job.CompletedAt, Valid: true}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_jobs (
			job_id, status, total_rows, processed_rows, successful_rows,
			failed_rows, skipped_rows, current_chunk, total_chunks, errors,
			error_count, message, cancel_requested, eta_seconds, started_at,
			completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			processed_rows = EXCLUDED.processed_rows,
			successful_rows = EXCLUDED.successful_rows,
			failed_rows = EXCLUDED.failed_rows,
			skipped_rows = EXCLUDED.skipped_rows,
			current_chunk = EXCLUDED.current_chunk,
			errors = EXCLUDED.errors,
			error_count = EXCLUDED.error_count,
			message = EXCLUDED.message,
			cancel_requested = EXCLUDED.cancel_requested,
			eta_seconds = EXCLUDED.eta_seconds,
			completed_at = EXCLUDED.completed_at`,
		job.JobID, string(job.Status), job.TotalRows, job.ProcessedRows,
		job.SuccessfulRows, job.FailedRows, job.SkippedRows, job.CurrentChunk,
		job.TotalChunks, errsJSON, job.ErrorCount, job.Message,
		job.CancelRequested, job.EtaSeconds,
		pgtype.Timestamptz{Time: job.StartedAt, Valid: true}, completedAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*importer.ImportJob, error) {
	var (
		job         importer.ImportJob
		status      string
		errsJSON    []byte
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)

	err := s.pool.QueryRow(ctx, `
		SELECT job_id, status, total_rows, processed_rows, successful_rows,
			failed_rows, skipped_rows, current_chunk, total_chunks, errors,
			error_count, message, cancel_requested, eta_seconds, started_at,
			completed_at
		FROM import_jobs WHERE job_id = $1`, jobID,
	).Scan(
		&job.JobID, &status, &job.TotalRows, &job.ProcessedRows,
		&job.SuccessfulRows, &job.FailedRows, &job.SkippedRows,
		&job.CurrentChunk, &job.TotalChunks, &errsJSON, &job.ErrorCount,
		&job.Message, &job.CancelRequested, &job.EtaSeconds, &startedAt,
		&completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, importer.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	job.Status = importer.JobStatus(status)
	job.StartedAt = startedAt.Time
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if err := json.Unmarshal(errsJSON, &job.Errors); err != nil {
		return nil, fmt.Errorf("decode errors for job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *PostgresStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM import_jobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// Sweep evicts terminal jobs past the retention window and returns the
// evicted IDs so the caller can drop their row errors.
func (s *PostgresStore) Sweep(ctx context.Context, retention time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM import_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
			AND completed_at IS NOT NULL
			AND completed_at < now() - $1::interval
		RETURNING job_id`,
		retention.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sweep jobs: %w", err)
	}
	defer rows.Close()

	var evicted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sweep scan: %w", err)
		}
		evicted = append(evicted, id)
	}
	return evicted, rows.Err()
}

// RunSweeper runs Sweep on an interval until the context ends, dropping
// evicted jobs' errors from the sink as it goes.
func (s *PostgresStore) RunSweeper(ctx context.Context, interval, retention time.Duration, sink importer.ErrorSink) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := s.Sweep(ctx, retention)
			if err != nil {
				continue
			}
			for _, id := range evicted {
				if sink != nil {
					_ = sink.Drop(ctx, id)
				}
			}
		}
	}
}

// PostgresSink is the durable importer.ErrorSink. Appends use COPY since
// error-heavy imports flush up to a full chunk of rows at once.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) Append(ctx context.Context, jobID string, errs []importer.RowError) error {
	if len(errs) == 0 {
		return nil
	}

	rows := make([][]any, len(errs))
	for i, e := range errs {
		rows[i] = []any{jobID, e.Row, e.Field, e.Message, string(e.Severity)}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"import_row_errors"},
		[]string{"job_id", "row_num", "field", "message", "severity"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("append %d row errors for job %s: %w", len(errs), jobID, err)
	}
	return nil
}

func (s *PostgresSink) List(ctx context.Context, jobID string) ([]importer.RowError, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT row_num, field, message, severity
		FROM import_row_errors
		WHERE job_id = $1
		ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list row errors for job %s: %w", jobID, err)
	}
	defer rows.Close()

	out := []importer.RowError{}
	for rows.Next() {
		var (
			e   importer.RowError
			sev string
		)
		if err := rows.Scan(&e.Row, &e.Field, &e.Message, &sev); err != nil {
			return nil, fmt.Errorf("scan row error: %w", err)
		}
		e.Severity = importer.Severity(sev)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresSink) Drop(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM import_row_errors WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("drop row errors for job %s: %w", jobID, err)
	}
	return nil
}
