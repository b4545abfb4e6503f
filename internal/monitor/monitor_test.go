package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fetchrelay/backend/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: logger.LevelError})
}

func newTestMonitor(cfg Config, active *int32) *Monitor {
	m := New(cfg, testLogger(), func() int { return int(atomic.LoadInt32(active)) }, nil)
	m.memProbe = func() (float64, uint64, error) { return 40.0, 16 << 30, nil }
	m.diskProbe = func(string) (uint64, error) { return 100 << 30, nil }
	return m
}

func TestHasCapacity_BeforeFirstSample(t *testing.T) {
	var active int32
	m := newTestMonitor(Config{MemoryCeilingPct: 80, DiskFloorBytes: 2 << 30, MaxConcurrentJobs: 10}, &active)

	if !m.HasCapacity() {
		t.Fatal("monitor with no samples should not block admission")
	}
}

func TestHasCapacity_MemoryCeiling(t *testing.T) {
	var active int32
	m := newTestMonitor(Config{MemoryCeilingPct: 80, DiskFloorBytes: 2 << 30, MaxConcurrentJobs: 10}, &active)

	m.memProbe = func() (float64, uint64, error) { return 92.5, 16 << 30, nil }
	m.sample(context.Background())

	if m.HasCapacity() {
		t.Fatal("expected no capacity above the memory ceiling")
	}
	if got := m.CapacityReason(); got != "memory_pressure" {
		t.Errorf("expected reason memory_pressure, got %q", got)
	}
}

func TestHasCapacity_DiskFloor(t *testing.T) {
	var active int32
	m := newTestMonitor(Config{MemoryCeilingPct: 80, DiskFloorBytes: 2 << 30, MaxConcurrentJobs: 10}, &active)

	m.diskProbe = func(string) (uint64, error) { return 1 << 30, nil }
	m.sample(context.Background())

	if m.HasCapacity() {
		t.Fatal("expected no capacity below the disk floor")
	}
	if got := m.CapacityReason(); got != "disk_low" {
		t.Errorf("expected reason disk_low, got %q", got)
	}
}

func TestHasCapacity_JobCap(t *testing.T) {
	var active int32 = 10
	m := newTestMonitor(Config{MemoryCeilingPct: 80, DiskFloorBytes: 2 << 30, MaxConcurrentJobs: 10}, &active)

	m.sample(context.Background())

	if m.HasCapacity() {
		t.Fatal("expected no capacity at the concurrent job cap")
	}

	atomic.StoreInt32(&active, 9)
	if !m.HasCapacity() {
		t.Fatal("expected capacity below the cap")
	}
}

func TestSample_ProbeFailureKeepsLastReading(t *testing.T) {
	var active int32
	m := newTestMonitor(Config{MemoryCeilingPct: 80, DiskFloorBytes: 2 << 30, MaxConcurrentJobs: 10}, &active)

	m.memProbe = func() (float64, uint64, error) { return 90.0, 16 << 30, nil }
	m.sample(context.Background())

	m.memProbe = func() (float64, uint64, error) { return 0, 0, errors.New("probe broken") }
	snap := m.sample(context.Background())

	if snap.MemoryUsedPct != 90.0 {
		t.Errorf("expected previous memory reading retained, got %.1f", snap.MemoryUsedPct)
	}
	if m.HasCapacity() {
		t.Fatal("stale high-pressure reading should still gate admission")
	}
}

type captureRecorder struct {
	snaps chan Snapshot
}

func (r *captureRecorder) RecordStat(ctx context.Context, snap Snapshot) error {
	select {
	case r.snaps <- snap:
	default:
	}
	return nil
}

func TestRun_SamplesAndPersists(t *testing.T) {
	var active int32 = 2
	rec := &captureRecorder{snaps: make(chan Snapshot, 1)}

	m := New(Config{
		Interval:          10 * time.Millisecond,
		StatsInterval:     time.Nanosecond, // persist on every tick
		MemoryCeilingPct:  80,
		DiskFloorBytes:    2 << 30,
		MaxConcurrentJobs: 10,
	}, testLogger(), func() int { return int(atomic.LoadInt32(&active)) }, rec)
	m.memProbe = func() (float64, uint64, error) { return 40.0, 16 << 30, nil }
	m.diskProbe = func(string) (uint64, error) { return 100 << 30, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case snap := <-rec.snaps:
		if snap.ActiveJobs != 2 {
			t.Errorf("expected 2 active jobs in persisted snapshot, got %d", snap.ActiveJobs)
		}
		if snap.MemoryUsedPct != 40.0 {
			t.Errorf("expected memory reading in snapshot, got %.1f", snap.MemoryUsedPct)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a persisted snapshot")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
