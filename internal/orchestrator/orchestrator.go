// Package orchestrator is the admission front door: every job submission
// passes its gate chain before reaching the queue, and startup recovery
// readmits work that survived a restart.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fetchrelay/backend/internal/breaker"
	apperrors "github.com/fetchrelay/backend/internal/errors"
	"github.com/fetchrelay/backend/internal/logger"
	"github.com/fetchrelay/backend/internal/monitor"
	"github.com/fetchrelay/backend/internal/queue"
	"github.com/fetchrelay/backend/internal/ratelimit"
	"github.com/fetchrelay/backend/internal/validate"
)

const keyQuotaPrefix = "quota:daily:"

// Blocklist answers whether an owner may submit at all.
type Blocklist interface {
	IsBlocked(ctx context.Context, ownerID string) (bool, error)
}

// RecoverySource lists the non-terminal jobs persisted before a restart.
type RecoverySource interface {
	LoadPending(ctx context.Context) ([]*queue.Job, error)
}

// Config holds the admission policy knobs.
type Config struct {
	DailyQuota int
}

// Orchestrator chains the admission gates in a fixed order: blocklist,
// validation, rate limits, daily quota, queue depth. The first failing
// gate rejects the submission synchronously; nothing is enqueued for a
// rejected request. Resource pressure does not reject, it only delays
// scheduling.
type Orchestrator struct {
	cfg       Config
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	blocklist Blocklist
	mon       *monitor.Monitor
	breakers  *breaker.Registry
	recovery  RecoverySource
	log       *logger.Logger
}

// New creates an orchestrator. blocklist, mon, and recovery may be nil.
func New(cfg Config, q *queue.Queue, limiter *ratelimit.Limiter, blocklist Blocklist,
	mon *monitor.Monitor, breakers *breaker.Registry, recovery RecoverySource,
	log *logger.Logger) *Orchestrator {

	if cfg.DailyQuota <= 0 {
		cfg.DailyQuota = 50
	}
	return &Orchestrator{
		cfg:       cfg,
		queue:     q,
		limiter:   limiter,
		blocklist: blocklist,
		mon:       mon,
		breakers:  breakers,
		recovery:  recovery,
		log:       log,
	}
}

// Submit runs the gate chain and enqueues the job on success.
func (o *Orchestrator) Submit(ctx context.Context, ownerID, source, requestID string) (*queue.Job, error) {
	if o.blocklist != nil {
		blocked, err := o.blocklist.IsBlocked(ctx, ownerID)
		if err != nil {
			return nil, apperrors.DatabaseError("failed to check blocklist").WithCause(err)
		}
		if blocked {
			return nil, apperrors.OwnerBlocked()
		}
	}

	canonical, err := validate.ValidateSource(source)
	if err != nil {
		return nil, err
	}

	if decision := o.limiter.Allow(ownerID); !decision.Allowed {
		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		o.log.Info(ctx, "submission rate limited", map[string]interface{}{
			"owner": ownerID,
			"scope": decision.Scope,
		})
		return nil, apperrors.Denied(retryAfter)
	}

	if err := o.checkDailyQuota(ctx, ownerID); err != nil {
		return nil, err
	}

	// Resource pressure is backpressure, not rejection: the job is admitted
	// and waits in the queue until workers see capacity again. Only queue
	// depth rejects.
	if o.mon != nil && !o.mon.HasCapacity() {
		o.log.Warn(ctx, "admitting under resource pressure", map[string]interface{}{
			"owner":  ownerID,
			"reason": o.mon.CapacityReason(),
		})
	}

	job, err := o.queue.Enqueue(ctx, ownerID, canonical, requestID)
	if err != nil {
		return nil, err
	}

	o.log.Info(ctx, "job admitted", map[string]interface{}{
		"job_id": job.ID,
		"owner":  ownerID,
	})
	return job, nil
}

// checkDailyQuota counts admissions per owner per UTC day in Redis. The
// counter is incremented only when the quota has room, so rejected
// submissions do not consume quota.
func (o *Orchestrator) checkDailyQuota(ctx context.Context, ownerID string) error {
	key := fmt.Sprintf("%s%s:%s", keyQuotaPrefix, ownerID, time.Now().UTC().Format("2006-01-02"))
	client := o.queue.Client()

	used, err := client.Get(ctx, key).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		// quota check is advisory, a Redis hiccup must not block admission
		o.log.Warn(ctx, "daily quota check failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if used >= o.cfg.DailyQuota {
		return apperrors.Denied(secondsUntilMidnightUTC()).
			WithDetails(map[string]any{"reason": "daily_quota", "quota": o.cfg.DailyQuota})
	}

	pipe := client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		o.log.Warn(ctx, "daily quota increment failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

func secondsUntilMidnightUTC() int {
	now := time.Now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int(midnight.Sub(now).Seconds())
}

// QuotaUsed reports the owner's admissions today.
func (o *Orchestrator) QuotaUsed(ctx context.Context, ownerID string) int {
	key := fmt.Sprintf("%s%s:%s", keyQuotaPrefix, ownerID, time.Now().UTC().Format("2006-01-02"))
	used, err := o.queue.Client().Get(ctx, key).Int()
	if err != nil {
		return 0
	}
	return used
}

// Cancel cancels the owner's job.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, ownerID string) (*queue.Job, error) {
	job, err := o.queue.Cancel(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	o.log.Info(ctx, "job cancelled", map[string]interface{}{
		"job_id": jobID,
		"owner":  ownerID,
	})
	return job, nil
}

// GetJob returns the job if the caller owns it.
func (o *Orchestrator) GetJob(ctx context.Context, jobID, ownerID string) (*queue.Job, error) {
	job, err := o.queue.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return nil, apperrors.JobNotFound()
		}
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, apperrors.NotOwner()
	}
	return job, nil
}

// ListJobs returns the owner's live jobs.
func (o *Orchestrator) ListJobs(ctx context.Context, ownerID string) ([]*queue.Job, error) {
	return o.queue.GetOwnerJobs(ctx, ownerID)
}

// Recover readmits jobs that were queued or in flight when the previous
// process died. Active counts are reset first so stale counters from the
// dead process cannot starve dequeues.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if err := o.queue.ResetActiveCounts(ctx); err != nil {
		return 0, err
	}
	if o.recovery == nil {
		return 0, nil
	}

	pending, err := o.recovery.LoadPending(ctx)
	if err != nil {
		return 0, err
	}

	readmitted := 0
	for _, job := range pending {
		// skip jobs already sitting in the Redis queue
		if existing, err := o.queue.GetJob(ctx, job.ID); err == nil && existing.State == queue.StateQueued {
			continue
		}
		if err := o.queue.Readmit(ctx, job); err != nil {
			o.log.Error(ctx, "failed to readmit job", err, map[string]interface{}{
				"job_id": job.ID,
			})
			continue
		}
		readmitted++
	}

	if readmitted > 0 {
		o.log.Info(ctx, "recovered pending jobs", map[string]interface{}{
			"count": readmitted,
		})
	}
	return readmitted, nil
}

// SystemStatus is the operator-facing view of the orchestration core.
type SystemStatus struct {
	QueueDepth      int64              `json:"queue_depth"`
	GlobalPerMinute int                `json:"global_requests_this_minute"`
	Resources       monitor.Snapshot   `json:"resources"`
	Breakers        []breaker.Snapshot `json:"breakers"`
}

// Status assembles the system status surface.
func (o *Orchestrator) Status(ctx context.Context) (*SystemStatus, error) {
	depth, err := o.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}

	status := &SystemStatus{
		QueueDepth:      depth,
		GlobalPerMinute: o.limiter.Count(ratelimit.ScopeGlobalMinute, ratelimit.GlobalSubject),
	}
	if o.mon != nil {
		status.Resources = o.mon.Latest()
	}
	if o.breakers != nil {
		status.Breakers = o.breakers.Snapshots()
	}
	return status, nil
}
