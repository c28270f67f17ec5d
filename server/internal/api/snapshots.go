package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/server/internal/db"
	"github.com/coldvault/coldvault/server/internal/orchestrator"
	"github.com/coldvault/coldvault/server/internal/repository"
)

// SnapshotHandler groups all snapshot-related HTTP handlers. A snapshot is
// one run of a job, created by the orchestrator when the run enters the
// preparing state and updated as it progresses through running to a
// terminal status. The REST surface here is read-only plus cancel and
// delete — snapshots are never created or edited directly by API callers.
type SnapshotHandler struct {
	repo         repository.SnapshotRepository
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// NewSnapshotHandler creates a new SnapshotHandler.
func NewSnapshotHandler(repo repository.SnapshotRepository, orch *orchestrator.Orchestrator, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		repo:         repo,
		orchestrator: orch,
		logger:       logger.Named("snapshot_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// snapshotResponse is the JSON representation of a snapshot.
type snapshotResponse struct {
	ID             string  `json:"id"`
	JobID          string  `json:"job_id"`
	AgentID        string  `json:"agent_id"`
	Status         string  `json:"status"`
	Trigger        string  `json:"trigger"`
	VersionDir     string  `json:"version_dir"`
	FilesTotal     int     `json:"files_total"`
	FilesNew       int     `json:"files_new"`
	FilesChanged   int     `json:"files_changed"`
	FilesUnchanged int     `json:"files_unchanged"`
	BytesUploaded  int64   `json:"bytes_uploaded"`
	BytesTotal     int64   `json:"bytes_total"`
	Error          string  `json:"error,omitempty"`
	StartedAt      *string `json:"started_at"`
	EndedAt        *string `json:"ended_at"`
	CreatedAt      string  `json:"created_at"`
}

// snapshotToResponse converts a db.Snapshot to a snapshotResponse.
func snapshotToResponse(s *db.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		ID:             s.ID.String(),
		JobID:          s.JobID.String(),
		AgentID:        s.AgentID.String(),
		Status:         s.Status,
		Trigger:        s.Trigger,
		VersionDir:     s.VersionDir,
		FilesTotal:     s.FilesTotal,
		FilesNew:       s.FilesNew,
		FilesChanged:   s.FilesChanged,
		FilesUnchanged: s.FilesUnchanged,
		BytesUploaded:  s.BytesUploaded,
		BytesTotal:     s.BytesTotal,
		Error:          s.Error,
		CreatedAt:      s.CreatedAt.UTC().String(),
	}
	if s.StartedAt != nil {
		v := s.StartedAt.UTC().String()
		resp.StartedAt = &v
	}
	if s.EndedAt != nil {
		v := s.EndedAt.UTC().String()
		resp.EndedAt = &v
	}
	return resp
}

// listSnapshotsResponse wraps a paginated list of snapshots.
type listSnapshotsResponse struct {
	Items []snapshotResponse `json:"items"`
	Total int64              `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /api/v1/snapshots. Supports an optional job_id filter.
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		id, err := uuid.Parse(jobID)
		if err != nil {
			ErrBadRequest(w, "invalid job_id: must be a valid UUID")
			return
		}
		snapshots, total, err := h.repo.ListByJob(r.Context(), id, opts)
		if err != nil {
			h.logger.Error("failed to list snapshots by job", zap.Error(err))
			ErrInternal(w)
			return
		}
		h.writeSnapshotList(w, snapshots, total)
		return
	}

	snapshots, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list snapshots", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.writeSnapshotList(w, snapshots, total)
}

// GetByID handles GET /api/v1/snapshots/{id}.
func (h *SnapshotHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	snapshot, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get snapshot", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, snapshotToResponse(snapshot))
}

// logResponse is the JSON representation of one line of a snapshot's log.
type logResponse struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// GetLogs handles GET /api/v1/snapshots/{id}/logs.
func (h *SnapshotHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	logs, err := h.repo.GetLogs(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get snapshot logs", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]logResponse, len(logs))
	for i, l := range logs {
		items[i] = logResponse{Level: l.Level, Message: l.Message, Timestamp: l.Timestamp.UTC().String()}
	}
	Ok(w, envelope{"items": items})
}

// Cancel handles POST /api/v1/snapshots/{id}/cancel. Requests cancellation
// of the snapshot's job run; the orchestrator observes the request on its
// next poll tick and sends backup:cancel to the agent.
func (h *SnapshotHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	snapshot, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get snapshot for cancel", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.orchestrator.Cancel(snapshot.JobID.String()); err != nil {
		ErrConflict(w, "job is not currently running")
		return
	}

	Ok(w, envelope{"status": "cancelling"})
}

// Delete handles DELETE /api/v1/snapshots/{id}. Removes the database record
// only; the on-disk version directory is left in place, and retention
// enforcement in the orchestrator does not remove it either, since retention
// only walks snapshots that still have a record.
func (h *SnapshotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete snapshot", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Internal helpers
// -----------------------------------------------------------------------------

// writeSnapshotList converts a slice of db.Snapshot and writes the response.
func (h *SnapshotHandler) writeSnapshotList(w http.ResponseWriter, snapshots []db.Snapshot, total int64) {
	items := make([]snapshotResponse, len(snapshots))
	for i := range snapshots {
		items[i] = snapshotToResponse(&snapshots[i])
	}
	Ok(w, listSnapshotsResponse{Items: items, Total: total})
}