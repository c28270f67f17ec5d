// Package intake implements the file-transfer ingress used by the agent
// backup executor: the upload endpoint that receives file bodies (and the
// per-version manifest) as a raw streamed body, the hardlink endpoint that
// splices unchanged files from the previous version, and the manifest
// endpoint an agent fetches before an incremental run. These sit outside
// /api/v1 — they carry raw bytes and high-frequency small requests, not JSON
// resource CRUD, so they get their own simpler handler set.
package intake

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/server/internal/metrics"
	"github.com/coldvault/coldvault/server/internal/orchestrator"
	"github.com/coldvault/coldvault/server/internal/repository"
	"github.com/coldvault/coldvault/server/internal/snapshotstore"
)

const manifestRelPath = ".backup-manifest.json"

// Handler groups the file-transfer HTTP handlers.
type Handler struct {
	store        *snapshotstore.Store
	snapshots    repository.SnapshotRepository
	orchestrator *orchestrator.Orchestrator
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// New creates an intake Handler.
func New(store *snapshotstore.Store, snapshots repository.SnapshotRepository, orch *orchestrator.Orchestrator, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		store:        store,
		snapshots:    snapshots,
		orchestrator: orch,
		metrics:      m,
		logger:       logger.Named("intake"),
	}
}

// countingReader tracks how many bytes have been read through it, used to
// observe upload size metrics without needing the store to report back a
// count of its own.
type countingReader struct {
	io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	c.n += int64(n)
	return n, err
}

// Upload handles POST /api/files/upload. The request body is the raw file
// content (optionally zstd-compressed, indicated by Content-Encoding: zstd);
// the job id and destination path travel as headers since the body is a pure
// byte stream. This is also the single ingress for a version's manifest,
// identified by X-Relative-Path: .backup-manifest.json.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	jobID := r.Header.Get("X-Job-Id")
	relPath := r.Header.Get("X-Relative-Path")
	if jobID == "" || relPath == "" {
		http.Error(w, "X-Job-Id and X-Relative-Path headers are required", http.StatusBadRequest)
		return
	}

	snapshotID, ok := h.orchestrator.CurrentSnapshotID(jobID)
	if !ok {
		http.Error(w, "job has no in-flight run", http.StatusConflict)
		return
	}

	defer r.Body.Close()

	if relPath == manifestRelPath {
		if _, err := h.store.SaveManifest(jobID, snapshotID, r.Body); err != nil {
			h.logger.Error("upload: save manifest failed", zap.String("job_id", jobID), zap.Error(err))
			http.Error(w, "failed to save manifest", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	encoding := r.Header.Get("Content-Encoding")
	counted := &countingReader{Reader: r.Body}
	if err := h.store.WriteFile(jobID, snapshotID, relPath, encoding, counted); err != nil {
		h.logger.Error("upload: write file failed",
			zap.String("job_id", jobID), zap.String("rel_path", relPath), zap.Error(err))
		http.Error(w, "failed to write file", http.StatusInternalServerError)
		return
	}

	if wantSize := totalSizeHeader(r); wantSize > 0 {
		gotSize, err := h.store.StatFile(jobID, snapshotID, relPath)
		if err != nil {
			h.logger.Error("upload: failed to stat written file",
				zap.String("job_id", jobID), zap.String("rel_path", relPath), zap.Error(err))
			http.Error(w, "failed to verify uploaded file", http.StatusInternalServerError)
			return
		}
		if gotSize != wantSize {
			h.logger.Error("upload: size mismatch after write",
				zap.String("job_id", jobID), zap.String("rel_path", relPath),
				zap.Int64("want_size", wantSize), zap.Int64("got_size", gotSize))
			http.Error(w, fmt.Sprintf("uploaded file size %d does not match x-total-size %d", gotSize, wantSize), http.StatusBadRequest)
			return
		}
	}

	if h.metrics != nil {
		h.metrics.FilesUploaded.Inc()
		h.metrics.BytesUploaded.Add(float64(counted.n))
	}
	h.logger.Debug("upload: file written",
		zap.String("job_id", jobID), zap.String("rel_path", relPath), zap.Int64("total_size", totalSizeHeader(r)))

	w.WriteHeader(http.StatusNoContent)
}

// hardlinkRequest is the JSON body of POST /api/files/hardlink.
type hardlinkRequest struct {
	JobID string   `json:"job_id"`
	Files []string `json:"files"`
}

// hardlinkResponse reports the outcome of each requested path.
type hardlinkResponse struct {
	Linked []string `json:"linked"`
	Failed []string `json:"failed"`
}

// Hardlink handles POST /api/files/hardlink. Unchanged files are spliced
// into the running snapshot's version directory from the most recent
// completed version via a filesystem hardlink, avoiding a re-upload.
func (h *Handler) Hardlink(w http.ResponseWriter, r *http.Request) {
	var req hardlinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.JobID == "" {
		http.Error(w, "job_id is required", http.StatusBadRequest)
		return
	}

	snapshotID, ok := h.orchestrator.CurrentSnapshotID(req.JobID)
	if !ok {
		http.Error(w, "job has no in-flight run", http.StatusConflict)
		return
	}

	prevID, err := h.previousCompletedSnapshot(r, req.JobID)
	if err != nil {
		h.logger.Error("hardlink: failed to resolve previous snapshot", zap.String("job_id", req.JobID), zap.Error(err))
		http.Error(w, "failed to resolve previous snapshot", http.StatusInternalServerError)
		return
	}

	linked, failed, err := h.store.Hardlink(req.JobID, prevID, snapshotID, req.Files)
	if err != nil {
		h.logger.Error("hardlink: failed", zap.String("job_id", req.JobID), zap.Error(err))
		http.Error(w, "hardlink failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, hardlinkResponse{Linked: linked, Failed: failed})
}

// Manifest handles GET /api/files/manifest/{job_id}, returning the manifest
// of the latest completed snapshot so an agent can plan its next incremental
// run. 404 when the job has no completed snapshot with a readable manifest.
func (h *Handler) Manifest(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	jid, err := parseUUID(jobID)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	completed, err := h.snapshots.ListCompletedByJob(r.Context(), jid)
	if err != nil {
		h.logger.Error("manifest: list completed snapshots failed", zap.String("job_id", jobID), zap.Error(err))
		http.Error(w, "failed to load manifest", http.StatusInternalServerError)
		return
	}
	if len(completed) == 0 {
		http.NotFound(w, r)
		return
	}
	latest := completed[len(completed)-1]

	rc, err := h.store.LoadManifest(jobID, latest.ID.String())
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/json")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("manifest: failed to stream response", zap.String("job_id", jobID), zap.Error(err))
	}
}

// previousCompletedSnapshot returns the id of jobID's most recent completed
// snapshot, or "" if none exists yet (a full, non-incremental first run).
func (h *Handler) previousCompletedSnapshot(r *http.Request, jobID string) (string, error) {
	jid, err := parseUUID(jobID)
	if err != nil {
		return "", err
	}
	completed, err := h.snapshots.ListCompletedByJob(r.Context(), jid)
	if err != nil {
		return "", err
	}
	if len(completed) == 0 {
		return "", nil
	}
	return completed[len(completed)-1].ID.String(), nil
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// totalSizeHeader parses the optional X-Total-Size header. Upload compares a
// positive value against the size of the written file and logs it; 0 is
// returned when the header is absent or malformed.
func totalSizeHeader(r *http.Request) int64 {
	n, _ := strconv.ParseInt(r.Header.Get("X-Total-Size"), 10, 64)
	return n
}
