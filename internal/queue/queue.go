// Package queue implements the Redis-backed job queue with per-owner
// fairness and durable job records.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/fetchrelay/backend/internal/errors"
	"github.com/fetchrelay/backend/internal/logger"
)

const (
	// Redis key layout
	keyPending      = "jobs:pending"
	keyJobRecord    = "jobs:record:"
	keyActiveOwners = "jobs:active_owners"
	keyProgress     = "jobs:progress"

	// Terminal job records are kept this long for status queries
	recordTTL = 24 * time.Hour

	// Default timeout for blocking dequeues
	defaultBlockTimeout = 5 * time.Second
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueEmpty  = errors.New("queue is empty")
)

// Store mirrors job records to durable storage. The Redis copy is the
// working set; the store copy survives Redis restarts and feeds recovery.
type Store interface {
	PersistJob(ctx context.Context, job *Job) error
}

// Config bounds the queue.
type Config struct {
	MaxQueueDepth  int
	PerOwnerActive int
}

// Queue manages pending jobs in a Redis list with JSON records per job.
// Dequeue applies per-owner fairness: a job whose owner already has the
// maximum number of active jobs is rotated to the back of the queue instead
// of being handed to a worker.
type Queue struct {
	client *redis.Client
	cfg    Config
	store  Store
	log    *logger.Logger
}

// NewQueue connects to Redis and verifies the connection. store may be nil
// to disable durable mirroring.
func NewQueue(redisURL string, cfg Config, store Store, log *logger.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newQueueWithClient(client, cfg, store, log), nil
}

func newQueueWithClient(client *redis.Client, cfg Config, store Store, log *logger.Logger) *Queue {
	if cfg.PerOwnerActive <= 0 {
		cfg.PerOwnerActive = 1
	}
	return &Queue{client: client, cfg: cfg, store: store, log: log}
}

// Client returns the underlying Redis client for pub/sub and counters.
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue admits a new job. Returns QUEUE_FULL when the pending list is at
// the configured depth.
func (q *Queue) Enqueue(ctx context.Context, ownerID, source, requestID string) (*Job, error) {
	depth, err := q.client.LLen(ctx, keyPending).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check queue depth: %w", err)
	}
	if q.cfg.MaxQueueDepth > 0 && depth >= int64(q.cfg.MaxQueueDepth) {
		return nil, apperrors.QueueFull(int(depth))
	}

	now := time.Now()
	job := &Job{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		Source:        source,
		State:         StateQueued,
		Attempt:       0,
		RequestID:     requestID,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}

	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}

	if err := q.client.LPush(ctx, keyPending, job.ID).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.mirror(ctx, job)
	return job, nil
}

// DequeueNext hands the oldest eligible job to a worker. Jobs whose owner is
// at the active cap are pushed back to the head of the list (the back of the
// FIFO); cancelled jobs found in the list are dropped. Returns ErrQueueEmpty
// when nothing is eligible within the timeout.
//
// The eligible job is marked fetching and its owner's active count is
// incremented before it is returned, so a crash between dequeue and worker
// start leaves a recoverable record rather than a lost slot.
func (q *Queue) DequeueNext(ctx context.Context, timeout time.Duration) (*Job, error) {
	if timeout == 0 {
		timeout = defaultBlockTimeout
	}

	depth, err := q.client.LLen(ctx, keyPending).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check queue depth: %w", err)
	}

	// one full rotation at most, plus the blocking first pop
	for i := int64(0); i <= depth; i++ {
		var jobID string
		if i == 0 {
			result, err := q.client.BRPop(ctx, timeout, keyPending).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return nil, ErrQueueEmpty
				}
				return nil, fmt.Errorf("failed to dequeue job: %w", err)
			}
			if len(result) < 2 {
				return nil, ErrQueueEmpty
			}
			jobID = result[1]
		} else {
			id, err := q.client.RPop(ctx, keyPending).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return nil, ErrQueueEmpty
				}
				return nil, fmt.Errorf("failed to dequeue job: %w", err)
			}
			jobID = id
		}

		job, err := q.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				// record expired or was purged, drop the dangling ID
				continue
			}
			return nil, err
		}

		if job.IsTerminal() {
			// cancelled while queued, drop it
			continue
		}

		// reserve the owner's slot with a single atomic increment; a
		// concurrent dequeue for the same owner sees the reservation and
		// backs off instead of both passing a stale read
		active, err := q.client.HIncrBy(ctx, keyActiveOwners, job.OwnerID, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to reserve active slot: %w", err)
		}
		if active > int64(q.cfg.PerOwnerActive) {
			// owner at cap, give the slot back and rotate to the back of
			// the queue
			if err := q.Release(ctx, job.OwnerID); err != nil {
				return nil, err
			}
			if err := q.client.LPush(ctx, keyPending, jobID).Err(); err != nil {
				return nil, fmt.Errorf("failed to rotate job: %w", err)
			}
			continue
		}

		now := time.Now()
		job.State = StateFetching
		job.StartedAt = &now
		job.LastUpdatedAt = now
		if err := q.saveJob(ctx, job); err != nil {
			return nil, err
		}
		q.mirror(ctx, job)
		q.publishProgress(ctx, job)

		return job, nil
	}

	return nil, ErrQueueEmpty
}

// Release decrements the owner's active count after a job leaves a worker.
func (q *Queue) Release(ctx context.Context, ownerID string) error {
	n, err := q.client.HIncrBy(ctx, keyActiveOwners, ownerID, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to release active owner: %w", err)
	}
	if n <= 0 {
		q.client.HDel(ctx, keyActiveOwners, ownerID)
	}
	return nil
}

// ActiveCount reports how many jobs the owner has in flight.
func (q *Queue) ActiveCount(ctx context.Context, ownerID string) (int, error) {
	n, err := q.client.HGet(ctx, keyActiveOwners, ownerID).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read active count: %w", err)
	}
	return n, nil
}

// GetJob retrieves a job record by ID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.Get(ctx, keyJobRecord+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// errSkipUpdate is returned by a mutation callback to leave the record as
// read, without failing the caller.
var errSkipUpdate = errors.New("skip update")

// maxTxRetries bounds optimistic retries when a watched record keeps
// changing under a transaction.
const maxTxRetries = 10

// updateJob applies mutate to a job record inside a WATCH transaction so a
// concurrent writer invalidates the whole read-modify-write cycle instead
// of being silently overwritten. Returns the resulting record and whether
// it was rewritten.
func (q *Queue) updateJob(ctx context.Context, jobID string, mutate func(*Job) error) (*Job, bool, error) {
	key := keyJobRecord + jobID

	var (
		result  *Job
		changed bool
	)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return fmt.Errorf("failed to get job: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}

		if err := mutate(&job); err != nil {
			if errors.Is(err, errSkipUpdate) {
				result, changed = &job, false
				return nil
			}
			return err
		}

		payload, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		ttl := time.Duration(0)
		if job.IsTerminal() {
			ttl = recordTTL
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if err != nil {
			return err
		}

		result, changed = &job, true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := q.client.Watch(ctx, txn, key)
		if err == nil {
			return result, changed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}
	return nil, false, fmt.Errorf("job %s update kept conflicting with concurrent writers", jobID)
}

// MarkState transitions a job and publishes progress. Terminal states stamp
// CompletedAt and shorten the record TTL.
func (q *Queue) MarkState(ctx context.Context, jobID, state string, progress int, errMsg string) (*Job, error) {
	job, changed, err := q.updateJob(ctx, jobID, func(j *Job) error {
		if j.IsTerminal() {
			// terminal states are sticky, a late worker update must not
			// resurrect a cancelled job
			return errSkipUpdate
		}

		j.State = state
		j.Progress = progress
		j.LastError = errMsg
		j.LastUpdatedAt = time.Now()

		if j.IsTerminal() {
			now := time.Now()
			j.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		q.mirror(ctx, job)
		q.publishProgress(ctx, job)
	}
	return job, nil
}

// UpdateArtifact records where the fetched artifact lives.
func (q *Queue) UpdateArtifact(ctx context.Context, jobID, localPath, objectKey string) error {
	job, changed, err := q.updateJob(ctx, jobID, func(j *Job) error {
		j.ArtifactPath = localPath
		j.ArtifactKey = objectKey
		j.LastUpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		q.mirror(ctx, job)
	}
	return nil
}

// Requeue increments the attempt counter and puts the job back in the
// pending list for another try.
func (q *Queue) Requeue(ctx context.Context, jobID string) (*Job, error) {
	job, changed, err := q.updateJob(ctx, jobID, func(j *Job) error {
		if j.IsTerminal() {
			return errSkipUpdate
		}

		j.Attempt++
		j.State = StateQueued
		j.LastUpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return job, nil
	}

	if err := q.client.LPush(ctx, keyPending, jobID).Err(); err != nil {
		return nil, fmt.Errorf("failed to requeue job: %w", err)
	}
	q.mirror(ctx, job)
	q.publishProgress(ctx, job)

	return job, nil
}

// Cancel marks a job cancelled if the caller owns it. Queued jobs are
// dropped lazily at dequeue; running jobs observe the state at their next
// checkpoint.
func (q *Queue) Cancel(ctx context.Context, jobID, ownerID string) (*Job, error) {
	job, changed, err := q.updateJob(ctx, jobID, func(j *Job) error {
		if j.OwnerID != ownerID {
			return apperrors.NotOwner()
		}
		if j.IsTerminal() {
			return errSkipUpdate
		}

		now := time.Now()
		j.State = StateCancelled
		j.CompletedAt = &now
		j.LastUpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, apperrors.JobNotFound()
		}
		return nil, err
	}
	if changed {
		q.mirror(ctx, job)
		q.publishProgress(ctx, job)
	}
	return job, nil
}

// Readmit puts a recovered job back into the pending list, preserving its
// identity and attempt count. Used at startup after loading non-terminal
// jobs from the durable store.
func (q *Queue) Readmit(ctx context.Context, job *Job) error {
	job.State = StateQueued
	job.StartedAt = nil
	job.LastUpdatedAt = time.Now()

	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.client.LPush(ctx, keyPending, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to readmit job: %w", err)
	}
	q.mirror(ctx, job)
	return nil
}

// GetOwnerJobs retrieves all live job records for one owner.
func (q *Queue) GetOwnerJobs(ctx context.Context, ownerID string) ([]*Job, error) {
	var jobs []*Job

	iter := q.client.Scan(ctx, 0, keyJobRecord+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := q.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			continue
		}

		if job.OwnerID == ownerID {
			jobs = append(jobs, &job)
		}
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan jobs: %w", err)
	}

	return jobs, nil
}

// Depth returns the number of jobs waiting in the pending list.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, keyPending).Result()
}

// ResetActiveCounts clears the active-owner hash. Called on startup before
// recovery so counts from a previous process do not block dequeues forever.
func (q *Queue) ResetActiveCounts(ctx context.Context) error {
	return q.client.Del(ctx, keyActiveOwners).Err()
}

// saveJob saves a job record. Terminal records expire so completed jobs do
// not accumulate in Redis; the durable store keeps the long-term copy.
func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ttl := time.Duration(0)
	if job.IsTerminal() {
		ttl = recordTTL
	}

	return q.client.Set(ctx, keyJobRecord+job.ID, data, ttl).Err()
}

// mirror writes the job to the durable store, best effort with retries.
func (q *Queue) mirror(ctx context.Context, job *Job) {
	if q.store == nil {
		return
	}
	err := apperrors.Retry(ctx, apperrors.PersistRetryConfig(), func(ctx context.Context) error {
		return q.store.PersistJob(ctx, job)
	})
	if err != nil && q.log != nil {
		q.log.Warn(ctx, "failed to mirror job to store", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
}

// publishProgress publishes the job state via Redis pub/sub for the
// notification hub.
func (q *Queue) publishProgress(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	channel := fmt.Sprintf("%s:%s", keyProgress, job.OwnerID)
	q.client.Publish(ctx, channel, data)
}

// SubscribeProgress subscribes to progress events for one owner.
func (q *Queue) SubscribeProgress(ctx context.Context, ownerID string) *redis.PubSub {
	channel := fmt.Sprintf("%s:%s", keyProgress, ownerID)
	return q.client.Subscribe(ctx, channel)
}

// SubscribeAllProgress subscribes to progress events for every owner. The
// notification hub uses a single pattern subscription and routes messages by
// the owner carried in the payload.
func (q *Queue) SubscribeAllProgress(ctx context.Context) *redis.PubSub {
	return q.client.PSubscribe(ctx, keyProgress+":*")
}
