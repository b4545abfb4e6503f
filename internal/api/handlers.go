// Package api exposes the job orchestration core over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fetchrelay/backend/internal/auth"
	"github.com/fetchrelay/backend/internal/db"
	apperrors "github.com/fetchrelay/backend/internal/errors"
	"github.com/fetchrelay/backend/internal/orchestrator"
	"github.com/fetchrelay/backend/internal/queue"
)

// JobService is the admission and lifecycle surface the handlers call.
type JobService interface {
	Submit(ctx context.Context, ownerID, source, requestID string) (*queue.Job, error)
	Cancel(ctx context.Context, jobID, ownerID string) (*queue.Job, error)
	GetJob(ctx context.Context, jobID, ownerID string) (*queue.Job, error)
	ListJobs(ctx context.Context, ownerID string) ([]*queue.Job, error)
	Status(ctx context.Context) (*orchestrator.SystemStatus, error)
	QuotaUsed(ctx context.Context, ownerID string) int
}

// HistoryLister reads an owner's terminal job history.
type HistoryLister interface {
	ListForOwner(ctx context.Context, ownerID string, limit int) ([]*db.HistoryEntry, error)
}

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest struct {
	Source string `json:"source"`
}

// JobListResponse wraps the owner's live jobs.
type JobListResponse struct {
	Jobs []*queue.Job `json:"jobs"`
}

// HistoryItem is one terminal outcome in the history listing.
type HistoryItem struct {
	JobID       string `json:"job_id"`
	Source      string `json:"source"`
	State       string `json:"state"`
	Attempt     int    `json:"attempt"`
	Error       string `json:"error,omitempty"`
	CompletedAt string `json:"completed_at"`
}

// HistoryResponse wraps the owner's terminal job history.
type HistoryResponse struct {
	Items []HistoryItem `json:"items"`
}

// QuotaResponse reports the owner's daily quota usage.
type QuotaResponse struct {
	Used int `json:"used"`
}

// JobHandlers provides HTTP handlers for job operations.
type JobHandlers struct {
	service JobService
	history HistoryLister
}

// NewJobHandlers creates the job handler set. history may be nil when no
// durable store is configured.
func NewJobHandlers(service JobService, history HistoryLister) *JobHandlers {
	return &JobHandlers{service: service, history: history}
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerCtx := auth.OwnerFromContext(r.Context())
	if ownerCtx == nil {
		apperrors.WriteError(w, requestID(r), apperrors.Unauthorized("not authenticated"))
		return "", false
	}
	return ownerCtx.OwnerID, true
}

// Submit handles POST /api/jobs
func (h *JobHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, requestID(r), apperrors.BadRequest("invalid request body"))
		return
	}

	job, err := h.service.Submit(r.Context(), ownerID, req.Source, requestID(r))
	if err != nil {
		apperrors.WriteError(w, requestID(r), err)
		return
	}

	apperrors.WriteJSON(w, requestID(r), http.StatusAccepted, job)
}

// List handles GET /api/jobs
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	jobs, err := h.service.ListJobs(r.Context(), ownerID)
	if err != nil {
		apperrors.WriteError(w, requestID(r), err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}

	apperrors.WriteJSON(w, requestID(r), http.StatusOK, JobListResponse{Jobs: jobs})
}

// Get handles GET /api/jobs/{id}
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	job, err := h.service.GetJob(r.Context(), r.PathValue("id"), ownerID)
	if err != nil {
		apperrors.WriteError(w, requestID(r), err)
		return
	}

	apperrors.WriteJSON(w, requestID(r), http.StatusOK, job)
}

// Cancel handles DELETE /api/jobs/{id}
func (h *JobHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	job, err := h.service.Cancel(r.Context(), r.PathValue("id"), ownerID)
	if err != nil {
		apperrors.WriteError(w, requestID(r), err)
		return
	}

	apperrors.WriteJSON(w, requestID(r), http.StatusOK, job)
}

// History handles GET /api/history
func (h *JobHandlers) History(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	if h.history == nil {
		apperrors.WriteJSON(w, requestID(r), http.StatusOK, HistoryResponse{Items: []HistoryItem{}})
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			apperrors.WriteError(w, requestID(r), apperrors.ValidationError("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	entries, err := h.history.ListForOwner(r.Context(), ownerID, limit)
	if err != nil {
		apperrors.WriteError(w, requestID(r), apperrors.DatabaseError("failed to load history").WithCause(err))
		return
	}

	items := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, HistoryItem{
			JobID:       e.JobID,
			Source:      e.Source,
			State:       e.State,
			Attempt:     e.Attempt,
			Error:       e.LastError,
			CompletedAt: e.CompletedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	apperrors.WriteJSON(w, requestID(r), http.StatusOK, HistoryResponse{Items: items})
}

// Quota handles GET /api/quota
func (h *JobHandlers) Quota(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	apperrors.WriteJSON(w, requestID(r), http.StatusOK, QuotaResponse{
		Used: h.service.QuotaUsed(r.Context(), ownerID),
	})
}

// Status handles GET /api/status
func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	if _, ok := owner(w, r); !ok {
		return
	}

	status, err := h.service.Status(r.Context())
	if err != nil {
		apperrors.WriteError(w, requestID(r), err)
		return
	}

	apperrors.WriteJSON(w, requestID(r), http.StatusOK, status)
}
