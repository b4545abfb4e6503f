package queue

import (
	"time"
)

// Job state constants representing the job lifecycle
const (
	StateQueued     = "queued"
	StateFetching   = "fetching"
	StateProcessing = "processing"
	StateDelivering = "delivering"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
	StateCancelled  = "cancelled"
)

// Job represents one unit of fetch-process-deliver work
type Job struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Source        string     `json:"source"`
	State         string     `json:"state"`
	Attempt       int        `json:"attempt"`
	Progress      int        `json:"progress"`
	LastError     string     `json:"last_error,omitempty"`
	ArtifactPath  string     `json:"artifact_path,omitempty"`
	ArtifactKey   string     `json:"artifact_key,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job reached a state it cannot leave
func (j *Job) IsTerminal() bool {
	return j.State == StateSucceeded || j.State == StateFailed || j.State == StateCancelled
}

// IsActive returns true while the job occupies a worker
func (j *Job) IsActive() bool {
	return j.State == StateFetching || j.State == StateProcessing || j.State == StateDelivering
}

// CanRetry returns true if another attempt is allowed. Attempt counts
// requeues already consumed, so a job on attempt N has executed N+1 times;
// a retry is allowed only while the next execution stays within maxAttempts.
func (j *Job) CanRetry(maxAttempts int) bool {
	return !j.IsTerminal() && j.Attempt+1 < maxAttempts
}
