// Package worker runs the fetch-process-deliver pipeline over queued jobs.
package worker

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fetchrelay/backend/internal/breaker"
	apperrors "github.com/fetchrelay/backend/internal/errors"
	"github.com/fetchrelay/backend/internal/logger"
	"github.com/fetchrelay/backend/internal/queue"
)

const (
	DefaultWorkerCount = 3
	DefaultMaxAttempts = 3
	DefaultStepTimeout = 10 * time.Minute

	// Exponential backoff parameters for retry scheduling
	baseBackoff = 1 * time.Second
	maxBackoff  = 5 * time.Minute

	// How long a worker waits before rechecking a saturated host
	capacityWait = 2 * time.Second

	// Breaker dependency names
	DepFetch    = "fetch"
	DepDelivery = "delivery"
)

// Fetcher retrieves the source into local staging.
type Fetcher interface {
	Fetch(ctx context.Context, job *queue.Job, progress func(int)) (localPath string, err error)
}

// Processor validates and normalizes a fetched artifact.
type Processor interface {
	Process(ctx context.Context, job *queue.Job, localPath string) (processedPath string, err error)
}

// Deliverer moves the processed artifact to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, job *queue.Job, localPath string) (objectKey string, err error)
}

// Notifier tells the owner about a terminal outcome. Best effort; a notify
// failure never changes the job outcome.
type Notifier interface {
	Notify(ctx context.Context, job *queue.Job) error
}

// HistoryRecorder records terminal jobs for auditing and quota accounting.
type HistoryRecorder interface {
	Append(ctx context.Context, job *queue.Job) error
}

// CapacityGate reports whether the host can take another job.
type CapacityGate interface {
	HasCapacity() bool
}

// Config holds pool configuration.
type Config struct {
	WorkerCount int
	MaxAttempts int
	StepTimeout time.Duration
}

// Pool manages workers that drain the job queue. Retries are scheduled with
// a timer instead of sleeping in the worker, so a backing-off job never
// occupies a worker slot.
type Pool struct {
	queue    *queue.Queue
	breakers *breaker.Registry
	fetcher  Fetcher
	proc     Processor
	deliver  Deliverer
	notifier Notifier
	history  HistoryRecorder
	capacity CapacityGate
	log      *logger.Logger

	workerCount int
	maxAttempts int
	stepTimeout time.Duration

	active int64

	wg       sync.WaitGroup
	timersWG sync.WaitGroup
	stopChan chan struct{}
	mu       sync.RWMutex
	running  bool
}

// New creates a worker pool. notifier, history, and capacity may be nil.
func New(q *queue.Queue, breakers *breaker.Registry, fetcher Fetcher, proc Processor,
	deliver Deliverer, notifier Notifier, history HistoryRecorder,
	capacity CapacityGate, log *logger.Logger, cfg Config) *Pool {

	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerCount
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}

	return &Pool{
		queue:       q,
		breakers:    breakers,
		fetcher:     fetcher,
		proc:        proc,
		deliver:     deliver,
		notifier:    notifier,
		history:     history,
		capacity:    capacity,
		log:         log,
		workerCount: cfg.WorkerCount,
		maxAttempts: cfg.MaxAttempts,
		stepTimeout: cfg.StepTimeout,
		stopChan:    make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.stopChan = make(chan struct{})

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.log.Info(context.Background(), "worker pool started", map[string]interface{}{
		"workers": p.workerCount,
	})
}

// Stop drains the pool, waiting for in-flight jobs and pending retry timers.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.timersWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info(ctx, "worker pool stopped", nil)
		return nil
	case <-ctx.Done():
		p.log.Warn(ctx, "worker pool shutdown timed out", nil)
		return ctx.Err()
	}
}

// IsRunning reports whether the pool is accepting work.
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// ActiveJobs reports the number of jobs currently inside a worker. Feeds the
// resource monitor's job cap.
func (p *Pool) ActiveJobs() int {
	return int(atomic.LoadInt64(&p.active))
}

// worker is the main loop for one worker.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		if p.capacity != nil && !p.capacity.HasCapacity() {
			select {
			case <-p.stopChan:
				return
			case <-time.After(capacityWait):
			}
			continue
		}

		p.processNextJob(id)
	}
}

// processNextJob dequeues and runs one job through the pipeline.
func (p *Pool) processNextJob(workerID int) {
	ctx := context.Background()

	job, err := p.queue.DequeueNext(ctx, 5*time.Second)
	if err != nil {
		if errors.Is(err, queue.ErrQueueEmpty) {
			return
		}
		p.log.Error(ctx, "failed to dequeue job", err, map[string]interface{}{
			"worker": workerID,
		})
		return
	}

	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	if job.RequestID != "" {
		ctx = logger.WithRequestID(ctx, job.RequestID)
	}

	p.log.Info(ctx, "job started", map[string]interface{}{
		"worker":  workerID,
		"job_id":  job.ID,
		"owner":   job.OwnerID,
		"attempt": job.Attempt,
	})

	p.runPipeline(ctx, job)

	if err := p.queue.Release(ctx, job.OwnerID); err != nil {
		p.log.Error(ctx, "failed to release owner slot", err, map[string]interface{}{
			"job_id": job.ID,
		})
	}
}

// runPipeline executes fetch, process, deliver with a cancellation check
// between steps.
func (p *Pool) runPipeline(ctx context.Context, job *queue.Job) {
	// fetch
	localPath, err := p.fetchStep(ctx, job)
	if err != nil {
		p.handleFailure(ctx, job, DepFetch, err)
		return
	}
	if p.cancelled(ctx, job) {
		return
	}

	// process
	if _, err := p.queue.MarkState(ctx, job.ID, queue.StateProcessing, 60, ""); err != nil {
		p.log.Error(ctx, "failed to mark processing", err, map[string]interface{}{"job_id": job.ID})
	}
	processedPath, err := p.processStep(ctx, job, localPath)
	if err != nil {
		p.finalize(ctx, job, apperrors.ProcessingError("artifact processing failed").WithCause(err))
		return
	}
	if p.cancelled(ctx, job) {
		return
	}

	// deliver
	if _, err := p.queue.MarkState(ctx, job.ID, queue.StateDelivering, 80, ""); err != nil {
		p.log.Error(ctx, "failed to mark delivering", err, map[string]interface{}{"job_id": job.ID})
	}
	objectKey, err := p.deliverStep(ctx, job, processedPath)
	if err != nil {
		p.handleFailure(ctx, job, DepDelivery, err)
		return
	}

	if err := p.queue.UpdateArtifact(ctx, job.ID, processedPath, objectKey); err != nil {
		p.log.Error(ctx, "failed to record artifact", err, map[string]interface{}{"job_id": job.ID})
	}

	p.finalize(ctx, job, nil)
}

func (p *Pool) fetchStep(ctx context.Context, job *queue.Job) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	progressFn := func(progress int) {
		// fetch progress maps to the 0-60 band of the overall job
		scaled := progress * 60 / 100
		if _, err := p.queue.MarkState(ctx, job.ID, queue.StateFetching, scaled, ""); err != nil {
			p.log.Debug(ctx, "failed to publish progress", map[string]interface{}{"job_id": job.ID})
		}
	}

	var localPath string
	err := p.breakers.Get(DepFetch).Execute(stepCtx, func(ctx context.Context) error {
		var ferr error
		localPath, ferr = p.fetcher.Fetch(ctx, job, progressFn)
		return ferr
	})
	return localPath, err
}

func (p *Pool) processStep(ctx context.Context, job *queue.Job, localPath string) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()
	return p.proc.Process(stepCtx, job, localPath)
}

func (p *Pool) deliverStep(ctx context.Context, job *queue.Job, localPath string) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	var objectKey string
	err := p.breakers.Get(DepDelivery).Execute(stepCtx, func(ctx context.Context) error {
		var derr error
		objectKey, derr = p.deliver.Deliver(ctx, job, localPath)
		return derr
	})
	return objectKey, err
}

// cancelled re-reads the job and reports whether it was cancelled since the
// last checkpoint. A cancelled job is finalized without further steps.
func (p *Pool) cancelled(ctx context.Context, job *queue.Job) bool {
	current, err := p.queue.GetJob(ctx, job.ID)
	if err != nil {
		return false
	}
	if current.State != queue.StateCancelled {
		return false
	}
	p.recordTerminal(ctx, current)
	return true
}

// handleFailure classifies a fetch or delivery error: schedule a retry when
// attempts remain and the error is transient, otherwise finalize.
func (p *Pool) handleFailure(ctx context.Context, job *queue.Job, step string, stepErr error) {
	current, err := p.queue.GetJob(ctx, job.ID)
	if err != nil {
		current = job
	}
	if current.State == queue.StateCancelled {
		p.recordTerminal(ctx, current)
		return
	}

	retryable := apperrors.IsRetryable(stepErr)
	if retryable && current.CanRetry(p.maxAttempts) {
		p.scheduleRetry(ctx, current, step, stepErr)
		return
	}

	// transient errors that ran out of attempts get the exhausted code;
	// anything else keeps its underlying cause
	terminal := stepErr
	if retryable {
		if step == DepFetch {
			terminal = apperrors.FetchExhausted(current.Attempt + 1)
		} else {
			terminal = apperrors.DeliveryExhausted(current.Attempt + 1)
		}
	}
	p.finalize(ctx, job, terminal)
}

// scheduleRetry requeues the job after an exponential backoff without
// holding the worker. The timer is tracked so Stop can wait for it.
func (p *Pool) scheduleRetry(ctx context.Context, job *queue.Job, step string, stepErr error) {
	backoff := calculateBackoff(job.Attempt)

	p.log.Warn(ctx, "job step failed, scheduling retry", map[string]interface{}{
		"job_id":  job.ID,
		"step":    step,
		"attempt": job.Attempt + 1,
		"max":     p.maxAttempts,
		"backoff": backoff.String(),
		"error":   stepErr.Error(),
	})

	if _, err := p.queue.MarkState(ctx, job.ID, queue.StateQueued, job.Progress, stepErr.Error()); err != nil {
		p.log.Error(ctx, "failed to mark job for retry", err, map[string]interface{}{"job_id": job.ID})
	}

	p.timersWG.Add(1)
	timer := time.AfterFunc(backoff, func() {
		defer p.timersWG.Done()
		rctx := context.Background()
		if _, err := p.queue.Requeue(rctx, job.ID); err != nil {
			p.log.Error(rctx, "failed to requeue job", err, map[string]interface{}{"job_id": job.ID})
		}
	})

	// stop the timer and requeue immediately on shutdown so the job is not
	// lost in a fired-after-exit timer
	go func() {
		select {
		case <-p.stopChan:
			if timer.Stop() {
				defer p.timersWG.Done()
				rctx := context.Background()
				if _, err := p.queue.Requeue(rctx, job.ID); err != nil {
					p.log.Error(rctx, "failed to requeue job during shutdown", err, map[string]interface{}{"job_id": job.ID})
				}
			}
		case <-time.After(backoff + time.Second):
		}
	}()
}

// finalize marks the job terminal, records history, and notifies the owner.
func (p *Pool) finalize(ctx context.Context, job *queue.Job, terminalErr error) {
	var updated *queue.Job
	var err error

	if terminalErr == nil {
		updated, err = p.queue.MarkState(ctx, job.ID, queue.StateSucceeded, 100, "")
	} else {
		updated, err = p.queue.MarkState(ctx, job.ID, queue.StateFailed, job.Progress, terminalErr.Error())
	}
	if err != nil {
		p.log.Error(ctx, "failed to finalize job", err, map[string]interface{}{"job_id": job.ID})
		return
	}

	p.recordTerminal(ctx, updated)
}

// recordTerminal appends history and notifies, both best effort.
func (p *Pool) recordTerminal(ctx context.Context, job *queue.Job) {
	if p.history != nil {
		if err := p.history.Append(ctx, job); err != nil {
			p.log.Error(ctx, "failed to record job history", err, map[string]interface{}{"job_id": job.ID})
		}
	}
	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, job); err != nil {
			p.log.Warn(ctx, "failed to notify owner", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
	}

	fields := map[string]interface{}{
		"job_id": job.ID,
		"owner":  job.OwnerID,
		"state":  job.State,
	}
	if job.LastError != "" {
		fields["last_error"] = job.LastError
	}
	p.log.Info(ctx, "job finished", fields)
}

// calculateBackoff returns the exponential backoff for a given attempt.
func calculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
