package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	apperrors "github.com/fetchrelay/backend/internal/errors"
	"github.com/fetchrelay/backend/internal/logger"
)

func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6380"
	}
	return url
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()

	log := logger.New(&logger.Config{Level: logger.LevelError})
	q, err := NewQueue(getTestRedisURL(), cfg, nil, log)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		drain(q)
		q.Close()
	})

	drain(q)
	return q
}

// drain empties the pending list and active counts so tests do not leak
// state into each other.
func drain(q *Queue) {
	ctx := context.Background()
	q.client.Del(ctx, keyPending)
	q.ResetActiveCounts(ctx)
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 5})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "owner-123", "https://example.com/file.bin", "req-1")
	if err != nil {
		t.Fatalf("Failed to enqueue job: %v", err)
	}

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StateQueued {
		t.Errorf("Expected state %s, got %s", StateQueued, job.State)
	}
	if job.OwnerID != "owner-123" {
		t.Errorf("Expected owner owner-123, got %s", job.OwnerID)
	}

	dequeued, err := q.DequeueNext(ctx, time.Second)
	if err != nil {
		t.Fatalf("Failed to dequeue job: %v", err)
	}

	if dequeued.ID != job.ID {
		t.Errorf("Expected job ID %s, got %s", job.ID, dequeued.ID)
	}
	if dequeued.State != StateFetching {
		t.Errorf("Dequeued job should be fetching, got %s", dequeued.State)
	}
	if dequeued.StartedAt == nil {
		t.Error("StartedAt should be set on dequeue")
	}

	active, err := q.ActiveCount(ctx, "owner-123")
	if err != nil {
		t.Fatalf("Failed to read active count: %v", err)
	}
	if active != 1 {
		t.Errorf("Expected 1 active job for owner, got %d", active)
	}
}

func TestQueue_EnqueueFullQueue(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 2, PerOwnerActive: 5})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, "owner-full", "https://example.com/a.bin", ""); err != nil {
			t.Fatalf("Failed to enqueue job %d: %v", i+1, err)
		}
	}

	_, err := q.Enqueue(ctx, "owner-full", "https://example.com/a.bin", "")
	if apperrors.Code(err) != apperrors.CodeQueueFull {
		t.Fatalf("Expected QUEUE_FULL, got %v", err)
	}
}

func TestQueue_FairnessSkipsCappedOwner(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 1})
	ctx := context.Background()

	// owner-a submits two jobs, owner-b one
	jobA1, err := q.Enqueue(ctx, "owner-a", "https://example.com/a1.bin", "")
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	jobA2, err := q.Enqueue(ctx, "owner-a", "https://example.com/a2.bin", "")
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	jobB, err := q.Enqueue(ctx, "owner-b", "https://example.com/b1.bin", "")
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	// first dequeue hands out owner-a's oldest job
	first, err := q.DequeueNext(ctx, time.Second)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if first.ID != jobA1.ID {
		t.Errorf("Expected jobA1 first, got %s", first.ID)
	}

	// owner-a is now at the cap, so the second dequeue must skip jobA2
	// and hand out owner-b's job
	second, err := q.DequeueNext(ctx, time.Second)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if second.ID != jobB.ID {
		t.Errorf("Expected jobB while owner-a is capped, got %s", second.ID)
	}

	// once owner-a's job finishes, jobA2 becomes eligible
	if err := q.Release(ctx, "owner-a"); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	third, err := q.DequeueNext(ctx, time.Second)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if third.ID != jobA2.ID {
		t.Errorf("Expected jobA2 after release, got %s", third.ID)
	}
}

func TestQueue_DequeueAllOwnersCapped(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 1})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "owner-capped", "https://example.com/1.bin", ""); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, "owner-capped", "https://example.com/2.bin", ""); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	if _, err := q.DequeueNext(ctx, time.Second); err != nil {
		t.Fatalf("Failed to dequeue first job: %v", err)
	}

	// only capped work remains, dequeue reports empty instead of blocking
	_, err := q.DequeueNext(ctx, time.Second)
	if err != ErrQueueEmpty {
		t.Fatalf("Expected ErrQueueEmpty, got %v", err)
	}

	// the skipped job must still be in the list
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Failed to read depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("Expected rotated job still pending, depth %d", depth)
	}
}

func TestQueue_ConcurrentDequeueHonorsOwnerCap(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, "owner-race", "https://example.com/race.bin", ""); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	const dequeuers = 4
	results := make(chan *Job, dequeuers)

	var wg sync.WaitGroup
	for i := 0; i < dequeuers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if job, err := q.DequeueNext(ctx, time.Second); err == nil {
				results <- job
			}
		}()
	}
	wg.Wait()
	close(results)

	handed := 0
	for range results {
		handed++
	}
	if handed != 1 {
		t.Fatalf("Expected one job handed out with cap 1, got %d", handed)
	}

	active, err := q.ActiveCount(ctx, "owner-race")
	if err != nil {
		t.Fatalf("Failed to read active count: %v", err)
	}
	if active != 1 {
		t.Errorf("Expected active count 1 after concurrent dequeues, got %d", active)
	}

	// the second job must survive the rotation, not be lost or handed out
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Failed to read depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("Expected the capped job still pending, depth %d", depth)
	}
}

func TestQueue_MarkState(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 5})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "owner-mark", "https://example.com/mark.bin", "")
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	updated, err := q.MarkState(ctx, job.ID, StateProcessing, 50, "")
	if err != nil {
		t.Fatalf("Failed to mark state: %v", err)
	}
	if updated.State != StateProcessing {
		t.Errorf("Expected state %s, got %s", StateProcessing, updated.State)
	}
	if updated.Progress != 50 {
		t.Errorf("Expected progress 50, got %d", updated.Progress)
	}
}

func TestQueue_TerminalStateIsSticky(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 5})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "owner-sticky", "https://example.com/sticky.bin", "")
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	if _, err := q.Cancel(ctx, job.ID, "owner-sticky"); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}

	// a late worker update must not resurrect the job
	after, err := q.MarkState(ctx, job.ID, StateDelivering, 90, "")
	if err != nil {
		t.Fatalf("Failed to mark state: %v", err)
	}
	if after.State != StateCancelled {
		t.Errorf("Cancelled job was resurrected to %s", after.State)
	}
}

func TestQueue_CancelWinsOverConcurrentUpdates(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 5})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "owner-interleave", "https://example.com/interleave.bin", "")
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	// workers hammer progress updates while the owner cancels; the cancel
	// must not be overwritten by an update that read the record before it
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for p := 0; p < 25; p++ {
				q.MarkState(ctx, job.ID, StateFetching, p, "")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		time.Sleep(10 * time.Millisecond)
		var cancelErr error
		for i := 0; i < 10; i++ {
			if _, cancelErr = q.Cancel(ctx, job.ID, "owner-interleave"); cancelErr == nil {
				return
			}
		}
		t.Errorf("Failed to cancel under contention: %v", cancelErr)
	}()

	close(start)
	wg.Wait()

	final, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if final.State != StateCancelled {
		t.Fatalf("Cancelled job ended as %s", final.State)
	}
	if final.CompletedAt == nil {
		t.Error("Cancelled job should have CompletedAt set")
	}
}

func TestQueue_CancelledJobDroppedAtDequeue(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 5})
	ctx := context.Background()

	cancelled, err := q.Enqueue(ctx, "owner-drop", "https://example.com/drop.bin", "")
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	live, err := q.Enqueue(ctx, "owner-drop", "https://example.com/live.bin", "")
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	if _, err := q.Cancel(ctx, cancelled.ID, "owner-drop"); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}

	got, err := q.DequeueNext(ctx, time.Second)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if got.ID != live.ID {
		t.Errorf("Expected live job, got %s", got.ID)
	}
}

func TestQueue_CancelOwnership(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 5})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "owner-real", "https://example.com/own.bin", "")
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	_, err = q.Cancel(ctx, job.ID, "owner-impostor")
	if apperrors.Code(err) != apperrors.CodeNotOwner {
		t.Fatalf("Expected NOT_OWNER, got %v", err)
	}

	_, err = q.Cancel(ctx, "no-such-job", "owner-real")
	if apperrors.Code(err) != apperrors.CodeNotFound {
		t.Fatalf("Expected NOT_FOUND, got %v", err)
	}
}

func TestQueue_RequeueIncrementsAttempt(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 5})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "owner-retry", "https://example.com/retry.bin", "")
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if _, err := q.DequeueNext(ctx, time.Second); err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if err := q.Release(ctx, "owner-retry"); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}

	requeued, err := q.Requeue(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed to requeue: %v", err)
	}
	if requeued.Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", requeued.Attempt)
	}
	if requeued.State != StateQueued {
		t.Errorf("Expected state %s, got %s", StateQueued, requeued.State)
	}

	again, err := q.DequeueNext(ctx, time.Second)
	if err != nil {
		t.Fatalf("Failed to dequeue requeued job: %v", err)
	}
	if again.ID != job.ID {
		t.Errorf("Expected the same job back, got %s", again.ID)
	}
	if again.Attempt != 1 {
		t.Errorf("Attempt should survive requeue, got %d", again.Attempt)
	}
}

func TestQueue_Readmit(t *testing.T) {
	q := newTestQueue(t, Config{MaxQueueDepth: 100, PerOwnerActive: 5})
	ctx := context.Background()

	recovered := &Job{
		ID:        "recovered-1",
		OwnerID:   "owner-recover",
		Source:    "https://example.com/recover.bin",
		State:     StateFetching,
		Attempt:   2,
		CreatedAt: time.Now().Add(-time.Hour),
	}

	if err := q.Readmit(ctx, recovered); err != nil {
		t.Fatalf("Failed to readmit: %v", err)
	}

	got, err := q.DequeueNext(ctx, time.Second)
	if err != nil {
		t.Fatalf("Failed to dequeue readmitted job: %v", err)
	}
	if got.ID != "recovered-1" {
		t.Errorf("Expected recovered job, got %s", got.ID)
	}
	if got.Attempt != 2 {
		t.Errorf("Attempt should survive readmission, got %d", got.Attempt)
	}
}

func TestJob_IsTerminal(t *testing.T) {
	tests := []struct {
		state    string
		expected bool
	}{
		{StateQueued, false},
		{StateFetching, false},
		{StateProcessing, false},
		{StateDelivering, false},
		{StateSucceeded, true},
		{StateFailed, true},
		{StateCancelled, true},
	}

	for _, tt := range tests {
		job := &Job{State: tt.state}
		if got := job.IsTerminal(); got != tt.expected {
			t.Errorf("IsTerminal() for state %s = %v, want %v", tt.state, got, tt.expected)
		}
	}
}

func TestJob_CanRetry(t *testing.T) {
	maxAttempts := 3

	// attempt N means the job has already executed N+1 times, so the last
	// allowed retry is the one that brings total executions to maxAttempts
	tests := []struct {
		state    string
		attempt  int
		expected bool
	}{
		{StateFetching, 0, true},
		{StateFetching, 1, true},
		{StateFetching, 2, false},
		{StateFetching, 3, false},
		{StateFailed, 0, false},
		{StateCancelled, 1, false},
		{StateSucceeded, 0, false},
	}

	for _, tt := range tests {
		job := &Job{State: tt.state, Attempt: tt.attempt}
		if got := job.CanRetry(maxAttempts); got != tt.expected {
			t.Errorf("CanRetry(%d) for state=%s, attempt=%d = %v, want %v",
				maxAttempts, tt.state, tt.attempt, got, tt.expected)
		}
	}
}
