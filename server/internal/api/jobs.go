package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/server/internal/db"
	"github.com/coldvault/coldvault/server/internal/orchestrator"
	"github.com/coldvault/coldvault/server/internal/repository"
	"github.com/coldvault/coldvault/server/internal/scheduler"
	"github.com/coldvault/coldvault/shared/types"
)

// JobHandler groups all job-related HTTP handlers. A Job is persistent
// recurring-backup configuration (what the teacher's repo called a Policy);
// each run of a job produces a Snapshot, served by SnapshotHandler.
type JobHandler struct {
	repo         repository.JobRepository
	snapshots    repository.SnapshotRepository
	scheduler    *scheduler.Scheduler
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(repo repository.JobRepository, snapshots repository.SnapshotRepository, sched *scheduler.Scheduler, orch *orchestrator.Orchestrator, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		repo:         repo,
		snapshots:    snapshots,
		scheduler:    sched,
		orchestrator: orch,
		logger:       logger.Named("job_handler"),
	}
}

// jobResponse is the JSON representation of a job.
type jobResponse struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	AgentID         string   `json:"agent_id"`
	SourceRoots     []string `json:"source_roots"`
	Excludes        []string `json:"excludes"`
	Schedule        string   `json:"schedule"`
	Enabled         bool     `json:"enabled"`
	Compression     bool     `json:"compression"`
	ParallelismHint int      `json:"parallelism_hint"`
	MaxVersions     int      `json:"max_versions"`
	LastRunAt       *string  `json:"last_run_at"`
	NextRunAt       *string  `json:"next_run_at"`
	CreatedAt       string   `json:"created_at"`
}

func jobToResponse(j *db.Job) jobResponse {
	var roots, excludes []string
	_ = json.Unmarshal([]byte(j.SourceRoots), &roots)
	_ = json.Unmarshal([]byte(j.Excludes), &excludes)

	resp := jobResponse{
		ID:              j.ID.String(),
		Name:            j.Name,
		AgentID:         j.AgentID.String(),
		SourceRoots:     roots,
		Excludes:        excludes,
		Schedule:        j.Schedule,
		Enabled:         j.Enabled,
		Compression:     j.Compression,
		ParallelismHint: j.ParallelismHint,
		MaxVersions:     j.MaxVersions,
		CreatedAt:       j.CreatedAt.UTC().String(),
	}
	if j.LastRunAt != nil {
		s := j.LastRunAt.UTC().String()
		resp.LastRunAt = &s
	}
	if j.NextRunAt != nil {
		s := j.NextRunAt.UTC().String()
		resp.NextRunAt = &s
	}
	return resp
}

// listJobsResponse wraps a paginated list of jobs.
type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /api/v1/jobs. Supports an optional agent_id query filter.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		id, err := uuid.Parse(agentID)
		if err != nil {
			ErrBadRequest(w, "invalid agent_id: must be a valid UUID")
			return
		}
		jobs, err := h.repo.ListByAgent(r.Context(), id)
		if err != nil {
			h.logger.Error("failed to list jobs by agent", zap.Error(err))
			ErrInternal(w)
			return
		}
		items := make([]jobResponse, len(jobs))
		for i := range jobs {
			items[i] = jobToResponse(&jobs[i])
		}
		Ok(w, listJobsResponse{Items: items, Total: int64(len(items))})
		return
	}

	jobs, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// createJobRequest is the JSON body expected by POST /api/v1/jobs.
type createJobRequest struct {
	Name            string   `json:"name"`
	AgentID         string   `json:"agent_id"`
	SourceRoots     []string `json:"source_roots"`
	Excludes        []string `json:"excludes"`
	Schedule        string   `json:"schedule"`
	Compression     *bool    `json:"compression"`
	ParallelismHint int      `json:"parallelism_hint"`
	MaxVersions     int      `json:"max_versions"`
}

// Create handles POST /api/v1/jobs and registers the job with the scheduler
// if it carries a non-empty cron schedule.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if len(req.SourceRoots) == 0 {
		ErrBadRequest(w, "source_roots must contain at least one path")
		return
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		ErrBadRequest(w, "agent_id must be a valid UUID")
		return
	}

	roots, _ := json.Marshal(req.SourceRoots)
	excludes, _ := json.Marshal(req.Excludes)
	if req.MaxVersions <= 0 {
		req.MaxVersions = 7
	}
	if req.ParallelismHint <= 0 {
		req.ParallelismHint = 8
	}
	compression := true
	if req.Compression != nil {
		compression = *req.Compression
	}

	job := &db.Job{
		Name:            req.Name,
		AgentID:         agentID,
		SourceRoots:     string(roots),
		Excludes:        string(excludes),
		Schedule:        req.Schedule,
		Enabled:         true,
		Compression:     compression,
		ParallelismHint: req.ParallelismHint,
		MaxVersions:     req.MaxVersions,
	}
	if err := h.repo.Create(r.Context(), job); err != nil {
		h.logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}

	if job.Schedule != "" {
		if err := h.scheduler.AddJob(job); err != nil {
			h.logger.Error("failed to schedule job after create", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	Created(w, jobToResponse(job))
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(job))
}

// updateJobRequest is the JSON body expected by PATCH /api/v1/jobs/{id}.
// All fields are optional — only non-nil values are applied.
type updateJobRequest struct {
	Name            *string   `json:"name"`
	SourceRoots     *[]string `json:"source_roots"`
	Excludes        *[]string `json:"excludes"`
	Schedule        *string   `json:"schedule"`
	Enabled         *bool     `json:"enabled"`
	Compression     *bool     `json:"compression"`
	ParallelismHint *int      `json:"parallelism_hint"`
	MaxVersions     *int      `json:"max_versions"`
}

// Update handles PATCH /api/v1/jobs/{id} and resyncs the scheduler entry.
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.SourceRoots != nil {
		raw, _ := json.Marshal(*req.SourceRoots)
		job.SourceRoots = string(raw)
	}
	if req.Excludes != nil {
		raw, _ := json.Marshal(*req.Excludes)
		job.Excludes = string(raw)
	}
	if req.Schedule != nil {
		job.Schedule = *req.Schedule
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.Compression != nil {
		job.Compression = *req.Compression
	}
	if req.ParallelismHint != nil {
		job.ParallelismHint = *req.ParallelismHint
	}
	if req.MaxVersions != nil {
		job.MaxVersions = *req.MaxVersions
	}

	if err := h.repo.Update(r.Context(), job); err != nil {
		h.logger.Error("failed to update job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.scheduler.RemoveJob(job.ID.String())
	if job.Enabled && job.Schedule != "" {
		if err := h.scheduler.AddJob(job); err != nil {
			h.logger.Error("failed to reschedule job after update", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	Ok(w, jobToResponse(job))
}

// Delete handles DELETE /api/v1/jobs/{id}. Cascades to the job's snapshots
// per the persistent-configuration invariant ("destroyed only by explicit
// delete, which cascades to logs and snapshots").
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	h.scheduler.RemoveJob(id.String())

	snaps, _, err := h.snapshots.ListByJob(r.Context(), id, repository.ListOptions{Limit: 10000})
	if err == nil {
		for _, s := range snaps {
			_ = h.snapshots.Delete(r.Context(), s.ID)
		}
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Trigger handles POST /api/v1/jobs/{id}/trigger, starting a manual backup
// run through the orchestrator without waiting for the schedule to fire.
func (h *JobHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if h.orchestrator.IsRunning(id.String()) {
		ErrConflict(w, "job is already running")
		return
	}

	go func() {
		if err := h.orchestrator.Start(context.Background(), id.String(), types.JobTriggerManual); err != nil {
			h.logger.Warn("manual trigger ended with error", zap.String("job_id", id.String()), zap.Error(err))
		}
	}()

	JSON(w, http.StatusAccepted, envelope{"data": envelope{"status": "triggered"}})
}
