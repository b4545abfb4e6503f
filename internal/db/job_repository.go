package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fetchrelay/backend/internal/queue"
)

var ErrJobNotFound = errors.New("job not found")

// JobRepository mirrors the Redis job records so they survive Redis loss and
// feed startup recovery.
type JobRepository struct {
	db *DB
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// PersistJob upserts the job row. Called on every state transition, so the
// row always reflects the latest Redis record.
func (r *JobRepository) PersistJob(ctx context.Context, job *queue.Job) error {
	query := `
		INSERT INTO jobs (
			id, owner_id, source, state, attempt, progress, last_error,
			artifact_path, artifact_key, request_id,
			created_at, last_updated_at, started_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			attempt = EXCLUDED.attempt,
			progress = EXCLUDED.progress,
			last_error = EXCLUDED.last_error,
			artifact_path = EXCLUDED.artifact_path,
			artifact_key = EXCLUDED.artifact_key,
			last_updated_at = EXCLUDED.last_updated_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.OwnerID, job.Source, job.State, job.Attempt, job.Progress,
		nullString(job.LastError), nullString(job.ArtifactPath), nullString(job.ArtifactKey),
		nullString(job.RequestID), job.CreatedAt, job.LastUpdatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}
	return nil
}

// LoadPending returns every job that had not reached a terminal state,
// oldest first. Used at startup to readmit work lost with the Redis queue.
func (r *JobRepository) LoadPending(ctx context.Context) ([]*queue.Job, error) {
	query := `
		SELECT id, owner_id, source, state, attempt, progress,
		       COALESCE(last_error, ''), COALESCE(artifact_path, ''),
		       COALESCE(artifact_key, ''), COALESCE(request_id, ''),
		       created_at, last_updated_at, started_at, completed_at
		FROM jobs
		WHERE state NOT IN ('succeeded', 'failed', 'cancelled')
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		job := &queue.Job{}
		if err := rows.Scan(
			&job.ID, &job.OwnerID, &job.Source, &job.State, &job.Attempt, &job.Progress,
			&job.LastError, &job.ArtifactPath, &job.ArtifactKey, &job.RequestID,
			&job.CreatedAt, &job.LastUpdatedAt, &job.StartedAt, &job.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// Get returns one job row by ID.
func (r *JobRepository) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	query := `
		SELECT id, owner_id, source, state, attempt, progress,
		       COALESCE(last_error, ''), COALESCE(artifact_path, ''),
		       COALESCE(artifact_key, ''), COALESCE(request_id, ''),
		       created_at, last_updated_at, started_at, completed_at
		FROM jobs
		WHERE id = $1
	`

	job := &queue.Job{}
	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.OwnerID, &job.Source, &job.State, &job.Attempt, &job.Progress,
		&job.LastError, &job.ArtifactPath, &job.ArtifactKey, &job.RequestID,
		&job.CreatedAt, &job.LastUpdatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
