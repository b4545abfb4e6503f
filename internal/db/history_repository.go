package db

import (
	"context"
	"fmt"
	"time"

	"github.com/fetchrelay/backend/internal/queue"
)

// HistoryEntry is one completed job as recorded for auditing.
type HistoryEntry struct {
	ID          int64
	JobID       string
	OwnerID     string
	Source      string
	State       string
	Attempt     int
	LastError   string
	CompletedAt time.Time
}

// HistoryRepository records terminal job outcomes and prunes old entries.
type HistoryRepository struct {
	db *DB
}

func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append records a terminal job. The jobs table row keeps the working copy;
// history rows are append-only and survive job row reuse.
func (r *HistoryRepository) Append(ctx context.Context, job *queue.Job) error {
	completedAt := time.Now()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}

	query := `
		INSERT INTO job_history (job_id, owner_id, source, state, attempt, last_error, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.OwnerID, job.Source, job.State, job.Attempt,
		nullString(job.LastError), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListForOwner returns the owner's most recent history entries.
func (r *HistoryRepository) ListForOwner(ctx context.Context, ownerID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, job_id, owner_id, source, state, attempt, COALESCE(last_error, ''), completed_at
		FROM job_history
		WHERE owner_id = $1
		ORDER BY completed_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		if err := rows.Scan(&e.ID, &e.JobID, &e.OwnerID, &e.Source, &e.State,
			&e.Attempt, &e.LastError, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// CountSince counts the owner's completed jobs since the cutoff. Backs the
// daily quota check.
func (r *HistoryRepository) CountSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM job_history
		WHERE owner_id = $1 AND completed_at >= $2
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, ownerID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

// Purge deletes history entries older than the cutoff and returns how many
// rows went.
func (r *HistoryRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM job_history WHERE completed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge history: %w", err)
	}
	return result.RowsAffected()
}
