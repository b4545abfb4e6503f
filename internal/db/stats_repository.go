package db

import (
	"context"
	"fmt"
	"time"

	"github.com/fetchrelay/backend/internal/monitor"
)

// StatsRepository persists periodic resource snapshots.
type StatsRepository struct {
	db *DB
}

func NewStatsRepository(db *DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// RecordStat stores one snapshot. Implements monitor.StatsRecorder.
func (r *StatsRepository) RecordStat(ctx context.Context, snap monitor.Snapshot) error {
	query := `
		INSERT INTO system_stats (
			memory_used_pct, memory_total_bytes, disk_free_bytes,
			active_jobs, goroutines, collected_at
		)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		snap.MemoryUsedPct, int64(snap.MemoryTotal), int64(snap.DiskFreeBytes),
		snap.ActiveJobs, snap.Goroutines, snap.CollectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record stat: %w", err)
	}
	return nil
}

// Purge deletes snapshots older than the cutoff.
func (r *StatsRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM system_stats WHERE collected_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge stats: %w", err)
	}
	return result.RowsAffected()
}
