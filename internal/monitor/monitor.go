// Package monitor samples host resources and gates job admission on them.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fetchrelay/backend/internal/logger"
)

// Snapshot is one sampling of host and pool state.
type Snapshot struct {
	MemoryUsedPct float64   `json:"memory_used_pct"`
	MemoryTotal   uint64    `json:"memory_total_bytes"`
	DiskFreeBytes uint64    `json:"disk_free_bytes"`
	ActiveJobs    int       `json:"active_jobs"`
	Goroutines    int       `json:"goroutines"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Config bounds the capacity checks.
type Config struct {
	Interval          time.Duration
	StatsInterval     time.Duration
	MemoryCeilingPct  float64
	DiskFloorBytes    int64
	MaxConcurrentJobs int
	// Path whose filesystem free space is checked (the artifact staging dir).
	DiskPath string
}

// StatsRecorder persists periodic snapshots. Failures are logged, not fatal.
type StatsRecorder interface {
	RecordStat(ctx context.Context, snap Snapshot) error
}

// Monitor periodically samples memory, disk, and active job count, and
// answers capacity checks from the cached snapshot so admission never blocks
// on a syscall.
type Monitor struct {
	cfg        Config
	log        *logger.Logger
	activeJobs func() int
	recorder   StatsRecorder

	mu     sync.RWMutex
	latest Snapshot

	// probes are swappable for tests
	memProbe  func() (usedPct float64, total uint64, err error)
	diskProbe func(path string) (free uint64, err error)
}

// New creates a monitor. activeJobs reports the worker pool's in-flight
// count; recorder may be nil to disable stat persistence.
func New(cfg Config, log *logger.Logger, activeJobs func() int, recorder StatsRecorder) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Minute
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "."
	}
	return &Monitor{
		cfg:        cfg,
		log:        log,
		activeJobs: activeJobs,
		recorder:   recorder,
		memProbe: func() (float64, uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, 0, err
			}
			return vm.UsedPercent, vm.Total, nil
		},
		diskProbe: func(path string) (uint64, error) {
			du, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return du.Free, nil
		},
	}
}

// Run samples on the configured interval until ctx is cancelled. An initial
// sample is taken immediately so capacity checks have data before the first
// tick.
func (m *Monitor) Run(ctx context.Context) {
	m.sample(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	lastPersist := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.sample(ctx)
			if m.recorder != nil && time.Since(lastPersist) >= m.cfg.StatsInterval {
				if err := m.recorder.RecordStat(ctx, snap); err != nil {
					m.log.Warn(ctx, "failed to persist system stats", map[string]interface{}{
						"error": err.Error(),
					})
				}
				lastPersist = time.Now()
			}
		}
	}
}

func (m *Monitor) sample(ctx context.Context) Snapshot {
	snap := Snapshot{
		ActiveJobs:  m.activeJobs(),
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now(),
	}

	usedPct, total, err := m.memProbe()
	if err != nil {
		m.log.Warn(ctx, "memory probe failed", map[string]interface{}{"error": err.Error()})
		// keep the previous reading rather than reporting zero pressure
		m.mu.RLock()
		snap.MemoryUsedPct = m.latest.MemoryUsedPct
		snap.MemoryTotal = m.latest.MemoryTotal
		m.mu.RUnlock()
	} else {
		snap.MemoryUsedPct = usedPct
		snap.MemoryTotal = total
	}

	free, err := m.diskProbe(m.cfg.DiskPath)
	if err != nil {
		m.log.Warn(ctx, "disk probe failed", map[string]interface{}{
			"error": err.Error(),
			"path":  m.cfg.DiskPath,
		})
		m.mu.RLock()
		snap.DiskFreeBytes = m.latest.DiskFreeBytes
		m.mu.RUnlock()
	} else {
		snap.DiskFreeBytes = free
	}

	m.mu.Lock()
	m.latest = snap
	m.mu.Unlock()

	return snap
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// HasCapacity reports whether a new job may start. False when memory is
// above the ceiling, free disk is below the floor, or the concurrent job
// cap is reached. A monitor that has never sampled reports capacity, so a
// broken probe degrades to no gating rather than a full stall.
func (m *Monitor) HasCapacity() bool {
	m.mu.RLock()
	snap := m.latest
	m.mu.RUnlock()

	if snap.CollectedAt.IsZero() {
		return true
	}
	if snap.MemoryUsedPct > m.cfg.MemoryCeilingPct {
		return false
	}
	if int64(snap.DiskFreeBytes) < m.cfg.DiskFloorBytes {
		return false
	}
	if m.activeJobs() >= m.cfg.MaxConcurrentJobs {
		return false
	}
	return true
}

// CapacityReason names the binding constraint for the status surface, empty
// when there is capacity.
func (m *Monitor) CapacityReason() string {
	m.mu.RLock()
	snap := m.latest
	m.mu.RUnlock()

	if snap.CollectedAt.IsZero() {
		return ""
	}
	if snap.MemoryUsedPct > m.cfg.MemoryCeilingPct {
		return "memory_pressure"
	}
	if int64(snap.DiskFreeBytes) < m.cfg.DiskFloorBytes {
		return "disk_low"
	}
	if m.activeJobs() >= m.cfg.MaxConcurrentJobs {
		return "job_cap"
	}
	return ""
}
