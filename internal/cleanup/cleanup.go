// Package cleanup runs the periodic retention sweeps: staged artifacts,
// delivered objects, history rows, stat rows, and idle rate windows.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fetchrelay/backend/internal/logger"
)

// ObjectPruner removes delivered objects older than a cutoff.
type ObjectPruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Purger deletes rows older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// WindowPruner drops idle rate-limit windows.
type WindowPruner interface {
	Prune() int
}

// Config holds the sweep intervals and retention horizons.
type Config struct {
	Interval          time.Duration
	ArtifactRetention time.Duration
	HistoryRetention  time.Duration
	StagingDir        string
}

// Scheduler runs the sweeps on a fixed interval. Each sweep tolerates
// per-item failures and every sweep is idempotent, so an overlapping or
// repeated run does no harm.
type Scheduler struct {
	cfg     Config
	log     *logger.Logger
	objects ObjectPruner
	history Purger
	stats   Purger
	windows WindowPruner
}

// New creates a scheduler. Any collaborator may be nil to skip its sweep.
func New(cfg Config, log *logger.Logger, objects ObjectPruner, history, stats Purger, windows WindowPruner) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.ArtifactRetention <= 0 {
		cfg.ArtifactRetention = 24 * time.Hour
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 30 * 24 * time.Hour
	}
	return &Scheduler{
		cfg:     cfg,
		log:     log,
		objects: objects,
		history: history,
		stats:   stats,
		windows: windows,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every retention task once.
func (s *Scheduler) Sweep(ctx context.Context) {
	started := time.Now()
	artifactCutoff := started.Add(-s.cfg.ArtifactRetention)
	historyCutoff := started.Add(-s.cfg.HistoryRetention)

	staged := s.sweepStagingDir(ctx, artifactCutoff)

	objects := 0
	if s.objects != nil {
		n, err := s.objects.PruneOlderThan(ctx, artifactCutoff)
		if err != nil {
			s.log.Error(ctx, "object sweep failed", err, nil)
		}
		objects = n
	}

	var historyRows, statRows int64
	if s.history != nil {
		n, err := s.history.Purge(ctx, historyCutoff)
		if err != nil {
			s.log.Error(ctx, "history sweep failed", err, nil)
		}
		historyRows = n
	}
	if s.stats != nil {
		n, err := s.stats.Purge(ctx, historyCutoff)
		if err != nil {
			s.log.Error(ctx, "stats sweep failed", err, nil)
		}
		statRows = n
	}

	windows := 0
	if s.windows != nil {
		windows = s.windows.Prune()
	}

	s.log.Info(ctx, "cleanup sweep finished", map[string]interface{}{
		"staged_files": staged,
		"objects":      objects,
		"history_rows": historyRows,
		"stat_rows":    statRows,
		"rate_windows": windows,
		"duration_ms":  time.Since(started).Milliseconds(),
	})
}

// sweepStagingDir deletes staged artifact files older than the cutoff. A
// file that cannot be removed is logged and left for the next sweep.
func (s *Scheduler) sweepStagingDir(ctx context.Context, cutoff time.Time) int {
	if s.cfg.StagingDir == "" {
		return 0
	}

	entries, err := os.ReadDir(s.cfg.StagingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error(ctx, "failed to read staging dir", err, map[string]interface{}{
				"dir": s.cfg.StagingDir,
			})
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(s.cfg.StagingDir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.log.Warn(ctx, "failed to remove staged artifact", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		removed++
	}

	return removed
}
