package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fetchrelay/backend/internal/breaker"
	apperrors "github.com/fetchrelay/backend/internal/errors"
	"github.com/fetchrelay/backend/internal/logger"
	"github.com/fetchrelay/backend/internal/queue"
	"github.com/fetchrelay/backend/internal/ratelimit"
)

func testLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: logger.LevelError})
}

type fakeBlocklist struct {
	blocked map[string]bool
}

func (b *fakeBlocklist) IsBlocked(ctx context.Context, ownerID string) (bool, error) {
	return b.blocked[ownerID], nil
}

type fakeRecovery struct {
	jobs []*queue.Job
}

func (r *fakeRecovery) LoadPending(ctx context.Context) ([]*queue.Job, error) {
	return r.jobs, nil
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6380"
	}

	q, err := queue.NewQueue(redisURL, queue.Config{MaxQueueDepth: 100, PerOwnerActive: 5}, nil, testLogger())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		q.ResetActiveCounts(context.Background())
		q.Close()
	})
	return q
}

func newTestOrchestrator(t *testing.T, q *queue.Queue, blocklist Blocklist, recovery RecoverySource) *Orchestrator {
	t.Helper()

	limiter := ratelimit.New(ratelimit.Config{
		UserPerMinute:   10,
		UserPerHour:     100,
		GlobalPerMinute: 1000,
	})
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	return New(Config{DailyQuota: 1000}, q, limiter, blocklist, nil, breakers, recovery, testLogger())
}

// uniqueOwner isolates quota and rate state between test runs against a
// shared Redis instance.
func uniqueOwner(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

func TestSubmit_Success(t *testing.T) {
	q := newTestQueue(t)
	o := newTestOrchestrator(t, q, nil, nil)
	ctx := context.Background()

	owner := uniqueOwner("owner-submit")
	job, err := o.Submit(ctx, owner, "https://example.com/file.bin", "req-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if job.State != queue.StateQueued {
		t.Errorf("Expected state %s, got %s", queue.StateQueued, job.State)
	}
	if job.OwnerID != owner {
		t.Errorf("Expected owner %s, got %s", owner, job.OwnerID)
	}

	// cleanup
	q.Cancel(ctx, job.ID, owner)
}

func TestSubmit_BlockedOwner(t *testing.T) {
	q := newTestQueue(t)
	owner := uniqueOwner("owner-blocked")
	o := newTestOrchestrator(t, q, &fakeBlocklist{blocked: map[string]bool{owner: true}}, nil)

	_, err := o.Submit(context.Background(), owner, "https://example.com/file.bin", "")
	if apperrors.Code(err) != apperrors.CodeBlocked {
		t.Fatalf("Expected OWNER_BLOCKED, got %v", err)
	}
}

func TestSubmit_InvalidSource(t *testing.T) {
	q := newTestQueue(t)
	o := newTestOrchestrator(t, q, nil, nil)

	_, err := o.Submit(context.Background(), uniqueOwner("owner-bad"), "ftp://example.com/file.bin", "")
	if apperrors.Code(err) != apperrors.CodeValidationError {
		t.Fatalf("Expected VALIDATION_ERROR, got %v", err)
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	q := newTestQueue(t)
	o := newTestOrchestrator(t, q, nil, nil)
	ctx := context.Background()

	owner := uniqueOwner("owner-rated")
	var jobs []*queue.Job
	for i := 0; i < 10; i++ {
		job, err := o.Submit(ctx, owner, "https://example.com/file.bin", "")
		if err != nil {
			t.Fatalf("Submission %d should pass: %v", i+1, err)
		}
		jobs = append(jobs, job)
	}

	_, err := o.Submit(ctx, owner, "https://example.com/file.bin", "")
	if apperrors.Code(err) != apperrors.CodeDenied {
		t.Fatalf("Expected DENIED on 11th submission, got %v", err)
	}

	appErr := err.(*apperrors.AppError)
	if _, ok := appErr.Details["retry_after_seconds"]; !ok {
		t.Error("Denied error should carry retry_after_seconds")
	}

	for _, job := range jobs {
		q.Cancel(ctx, job.ID, owner)
	}
}

func TestSubmit_RejectionNotEnqueued(t *testing.T) {
	q := newTestQueue(t)
	o := newTestOrchestrator(t, q, nil, nil)
	ctx := context.Background()

	before, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Failed to read depth: %v", err)
	}

	if _, err := o.Submit(ctx, uniqueOwner("owner-rej"), "not a url at all://", ""); err == nil {
		t.Fatal("Submission should be rejected")
	}

	after, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Failed to read depth: %v", err)
	}
	if after != before {
		t.Errorf("Rejected submission must not be enqueued: depth %d -> %d", before, after)
	}
}

func TestCancel_OwnershipAndNotFound(t *testing.T) {
	q := newTestQueue(t)
	o := newTestOrchestrator(t, q, nil, nil)
	ctx := context.Background()

	owner := uniqueOwner("owner-cxl")
	job, err := o.Submit(ctx, owner, "https://example.com/file.bin", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := o.Cancel(ctx, job.ID, "someone-else"); apperrors.Code(err) != apperrors.CodeNotOwner {
		t.Errorf("Expected NOT_OWNER, got %v", err)
	}
	if _, err := o.Cancel(ctx, "missing-job", owner); apperrors.Code(err) != apperrors.CodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}

	cancelled, err := o.Cancel(ctx, job.ID, owner)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.State != queue.StateCancelled {
		t.Errorf("Expected state %s, got %s", queue.StateCancelled, cancelled.State)
	}
}

func TestGetJob_Ownership(t *testing.T) {
	q := newTestQueue(t)
	o := newTestOrchestrator(t, q, nil, nil)
	ctx := context.Background()

	owner := uniqueOwner("owner-get")
	job, err := o.Submit(ctx, owner, "https://example.com/file.bin", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	defer q.Cancel(ctx, job.ID, owner)

	got, err := o.GetJob(ctx, job.ID, owner)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.ID != job.ID {
		t.Errorf("Expected job %s, got %s", job.ID, got.ID)
	}

	if _, err := o.GetJob(ctx, job.ID, "stranger"); apperrors.Code(err) != apperrors.CodeNotOwner {
		t.Errorf("Expected NOT_OWNER for stranger, got %v", err)
	}
}

func TestRecover_ReadmitsPendingJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	owner := uniqueOwner("owner-recover")
	lost := &queue.Job{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		Source:    "https://example.com/lost.bin",
		State:     queue.StateFetching,
		Attempt:   1,
		CreatedAt: time.Now().Add(-time.Hour),
	}

	o := newTestOrchestrator(t, q, nil, &fakeRecovery{jobs: []*queue.Job{lost}})

	n, err := o.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 readmitted job, got %d", n)
	}

	got, err := q.GetJob(ctx, lost.ID)
	if err != nil {
		t.Fatalf("Recovered job should exist in Redis: %v", err)
	}
	if got.State != queue.StateQueued {
		t.Errorf("Expected state %s, got %s", queue.StateQueued, got.State)
	}
	if got.Attempt != 1 {
		t.Errorf("Attempt should survive recovery, got %d", got.Attempt)
	}

	q.Cancel(ctx, lost.ID, owner)
}

func TestStatus(t *testing.T) {
	q := newTestQueue(t)
	o := newTestOrchestrator(t, q, nil, nil)

	status, err := o.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.QueueDepth < 0 {
		t.Errorf("Queue depth should be non-negative, got %d", status.QueueDepth)
	}
}
