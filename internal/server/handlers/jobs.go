package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/3leaps/gopds/pkg/pdsjob"
)

// JobService is the part of the job lifecycle exposed over HTTP.
type JobService interface {
	Create(ctx context.Context, owner string, configuration string) (*pdsjob.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*pdsjob.Job, error)
	MarkReadyToStart(ctx context.Context, id uuid.UUID) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
}

// JobHandler serves /api/job.
type JobHandler struct {
	jobs JobService
}

func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

type createJobRequest struct {
	Owner         string `json:"owner"`
	Configuration string `json:"configuration,omitempty"`
}

type createJobResponse struct {
	JobUUID uuid.UUID `json:"jobUUID"`
}

type jobStateResponse struct {
	JobUUID uuid.UUID    `json:"jobUUID"`
	State   pdsjob.State `json:"state"`
}

// Create handles POST /api/job/create.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if req.Owner == "" {
		respondWithError(w, r, fmt.Errorf("%w: owner is required", ErrBadRequest))
		return
	}
	job, err := h.jobs.Create(r.Context(), req.Owner, req.Configuration)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createJobResponse{JobUUID: job.UUID})
}

// Status handles GET /api/job/{jobUUID}/status.
func (h *JobHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// MarkReadyToStart handles PUT /api/job/{jobUUID}/mark-ready-to-start.
func (h *JobHandler) MarkReadyToStart(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.jobs.MarkReadyToStart)
}

// Cancel handles PUT /api/job/{jobUUID}/cancel. The running node picks the
// request up asynchronously.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.jobs.RequestCancel)
}

func (h *JobHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) error) {
	id, err := jobID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := fn(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStateResponse{JobUUID: job.UUID, State: job.State})
}

func jobID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "jobUUID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid job uuid %q", ErrBadRequest, raw)
	}
	return id, nil
}
