// Package executor runs one backup job at a time end to end: walk the source
// roots, diff against the previous manifest, ask the server to splice
// unchanged files via hardlink, upload new/changed files, then upload the new
// manifest. It sits between the connection manager (which receives job
// assignments from the server over the control-plane WebSocket) and the
// walker/manifest/uploader packages that do the actual work.
//
// The executor runs one job at a time (sequential execution) to avoid
// concurrent uploads competing for I/O on the same machine. The server may
// dispatch more than one job to the same agent (its per-agent limit defaults
// to 2); extra jobs wait in the queue until the current one finishes.
//
// Interfaces:
//   - LogSink: implemented by the connection manager, receives log lines
//     produced during execution and forwards them to the server.
//   - StatusReporter: implemented by the connection manager, receives job
//     lifecycle transitions (progress, completion, failure) and forwards
//     them to the server.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/agent/internal/manifest"
	"github.com/coldvault/coldvault/agent/internal/progress"
	"github.com/coldvault/coldvault/agent/internal/uploader"
	"github.com/coldvault/coldvault/agent/internal/walker"
	"github.com/coldvault/coldvault/shared/types"
)

// LogSink receives log lines produced during job execution and forwards them
// to the server. Implemented by the connection manager.
type LogSink interface {
	SendLog(jobID, level, message string)
}

// StatusReporter receives job lifecycle transitions and forwards them to the
// server. Implemented by the connection manager.
type StatusReporter interface {
	ReportStarted(jobID string)
	ReportProgress(types.JobProgress)
	ReportComplete(jobID string, counters types.SnapshotCounters)
	ReportFailed(jobID, errMsg string)
}

// queueSize is the maximum number of jobs that can be buffered in the channel
// while waiting to be executed. Jobs beyond this limit are rejected; nothing
// is reported back to the server for a rejected job.
const queueSize = 16

// JobAssignment is the internal representation of a job received from the
// server's control-plane socket.
type JobAssignment = types.JobAssignment

// Executor receives job assignments, queues them, and executes them one at a
// time: walk, diff, hardlink-splice, upload, manifest.
type Executor struct {
	httpClient *http.Client
	baseURL    string
	token      string

	queue  chan JobAssignment
	logger *zap.Logger

	mu            sync.Mutex
	currentJobID  string
	currentCancel context.CancelFunc
}

// New creates a new Executor. baseURL/token are used to reach the server's
// HTTP upload/manifest endpoints directly (the control-plane WebSocket
// carries only small JSON messages, not file bytes).
func New(httpClient *http.Client, baseURL, token string, logger *zap.Logger) *Executor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Executor{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		queue:      make(chan JobAssignment, queueSize),
		logger:     logger.Named("executor"),
	}
}

// Run starts the worker loop. It blocks until ctx is cancelled, processing
// one job at a time from the queue. sink/reporter are provided here
// (not at construction) because they are implemented by the connection
// manager, which is created after the executor.
func (e *Executor) Run(ctx context.Context, sink LogSink, reporter StatusReporter) {
	e.logger.Info("executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return
		case job := <-e.queue:
			e.execute(ctx, job, sink, reporter)
		}
	}
}

// Enqueue adds a job to the queue. Returns an error if the queue is full.
// Non-blocking — the caller should log and discard rejected jobs; the job is
// not redispatched, and the server's run for it ends only at its own timeout.
func (e *Executor) Enqueue(job JobAssignment) error {
	select {
	case e.queue <- job:
		e.logger.Info("job enqueued", zap.String("job_id", job.JobID), zap.String("snapshot_id", job.SnapshotID))
		return nil
	default:
		return fmt.Errorf("executor: job queue full, rejecting job %s", job.JobID)
	}
}

// Cancel aborts jobID if it is the job currently executing. Returns false if
// no job with that id is running (it may have already finished, or never
// reached this agent — both are treated as a no-op by the caller).
func (e *Executor) Cancel(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentJobID != jobID || e.currentCancel == nil {
		return false
	}
	e.currentCancel()
	return true
}

// execute runs a single job to completion.
//
// Stages:
//  1. Walk the source roots, building the current manifest.
//  2. Load the previous manifest (if any) and diff.
//  3. Ask the server to hardlink-splice unchanged files into the new version.
//  4. Upload new and changed files, reporting progress as they complete.
//  5. Upload the new manifest, marking the snapshot complete.
func (e *Executor) execute(ctx context.Context, job JobAssignment, sink LogSink, reporter StatusReporter) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.currentJobID = job.JobID
	e.currentCancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.currentJobID = ""
		e.currentCancel = nil
		e.mu.Unlock()
	}()

	log := func(level, msg string) {
		sink.SendLog(job.JobID, level, msg)
		switch level {
		case "error":
			e.logger.Error(msg, zap.String("job_id", job.JobID))
		case "warn":
			e.logger.Warn(msg, zap.String("job_id", job.JobID))
		default:
			e.logger.Info(msg, zap.String("job_id", job.JobID))
		}
	}

	fail := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log("error", msg)
		reporter.ReportFailed(job.JobID, msg)
	}

	log("info", "backup started")
	reporter.ReportStarted(job.JobID)

	// --- 1. Walk ---
	walkResult, err := walker.Walk(ctx, walker.Options{Roots: job.SourceRoots, Excludes: job.Excludes})
	if err != nil {
		fail("walk failed: %v", err)
		return
	}
	curManifest := manifest.New(job.SnapshotID, job.JobID, walkResult.Files)
	log("info", fmt.Sprintf("walked %d file(s)", len(walkResult.Files)))

	// --- 2. Diff against previous manifest ---
	backupType := "full"
	if job.PrevManifestURL != "" {
		backupType = "incremental"
	}
	var prevManifest types.Manifest
	if job.PrevManifestURL != "" {
		prevManifest, err = e.fetchPrevManifest(ctx, e.baseURL+job.PrevManifestURL)
		if err != nil {
			log("warn", fmt.Sprintf("failed to fetch previous manifest, treating as full backup: %v", err))
			prevManifest = types.Manifest{Files: map[string]types.FileStat{}}
			backupType = "full"
		}
	} else {
		prevManifest = types.Manifest{Files: map[string]types.FileStat{}}
	}
	diff := manifest.Diff(prevManifest, curManifest)
	log("info", fmt.Sprintf("diff: %d new, %d changed, %d unchanged, %d removed",
		len(diff.New), len(diff.Changed), len(diff.Unchanged), len(diff.Removed)))

	// --- 3. Hardlink-splice unchanged files ---
	skipped := append([]string{}, diff.Unchanged...)
	if len(diff.Unchanged) > 0 {
		linked, failed, err := e.requestHardlink(ctx, job.JobID, diff.Unchanged)
		if err != nil {
			fail("hardlink splice failed: %v", err)
			return
		}
		if len(failed) > 0 {
			log("warn", fmt.Sprintf("%d file(s) failed to hardlink-splice, re-uploading them instead", len(failed)))
			diff.Changed = append(diff.Changed, failed...)
			skipped = linked
		}
		log("info", fmt.Sprintf("hardlinked %d unchanged file(s)", len(linked)))
	}
	var skippedBytes int64
	for _, key := range skipped {
		skippedBytes += walkResult.Files[key].Size
	}

	// --- 4. Upload new + changed files ---
	toUpload := buildUploadList(job.SourceRoots, append(append([]string{}, diff.New...), diff.Changed...), walkResult.Files)
	var bytesTotal int64
	for _, f := range toUpload {
		bytesTotal += f.Size
	}

	agg := progress.New(job.JobID, len(toUpload), bytesTotal)
	agg.SetBackupType(backupType)
	agg.SetSkipped(len(skipped), skippedBytes)
	progCtx, cancelProg := context.WithCancel(ctx)
	go agg.Run(progCtx, reporter.ReportProgress)

	pool := uploader.New(e.httpClient, e.baseURL, e.token, job.JobID, agg)
	uploadErr := pool.UploadAll(ctx, job.Compression, toUpload)
	cancelProg()

	if uploadErr != nil {
		fail("upload failed: %v", uploadErr)
		return
	}
	log("info", fmt.Sprintf("uploaded %d file(s)", len(toUpload)))

	// --- 5. Upload manifest, mark complete ---
	if err := e.uploadManifest(ctx, job.JobID, curManifest); err != nil {
		fail("manifest upload failed: %v", err)
		return
	}

	counters := types.SnapshotCounters{
		FilesTotal:     len(curManifest.Files),
		FilesNew:       len(diff.New),
		FilesChanged:   len(diff.Changed),
		FilesUnchanged: len(diff.Unchanged),
		FilesDeleted:   len(diff.Removed),
		BackupType:     backupType,
		BytesUploaded:  bytesTotal,
		BytesTotal:     sumSizes(curManifest.Files),
	}

	log("info", "backup completed successfully")
	reporter.ReportComplete(job.JobID, counters)
}

// buildUploadList resolves each diffed manifest key back to an absolute path
// on disk. Manifest keys are "<root-index>/<relative-path>" as produced by
// the walker.
func buildUploadList(roots []string, keys []string, files map[string]types.FileStat) []uploader.File {
	out := make([]uploader.File, 0, len(keys))
	for _, key := range keys {
		idx, rel, ok := splitKey(key)
		if !ok || idx >= len(roots) {
			continue
		}
		out = append(out, uploader.File{
			AbsPath: filepath.Join(roots[idx], rel),
			RelPath: key,
			Size:    files[key].Size,
		})
	}
	return out
}

func splitKey(key string) (int, string, bool) {
	for i, r := range key {
		if r == '/' {
			idx := 0
			for _, c := range key[:i] {
				if c < '0' || c > '9' {
					return 0, "", false
				}
				idx = idx*10 + int(c-'0')
			}
			return idx, key[i+1:], true
		}
	}
	return 0, "", false
}

func sumSizes(files map[string]types.FileStat) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// requestHardlink asks the server to splice relPaths from the previous
// version into the running snapshot via filesystem hardlink, avoiding a
// re-upload of files that did not change. Per-path failures are reported
// back to the caller rather than failing the whole batch, since the server
// itself does not abort on a single failed link (e.g. the previous version
// directory was pruned by retention between runs).
func (e *Executor) requestHardlink(ctx context.Context, jobID string, relPaths []string) (linked, failed []string, err error) {
	body, err := json.Marshal(struct {
		JobID string   `json:"job_id"`
		Files []string `json:"files"`
	}{JobID: jobID, Files: relPaths})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/files/hardlink", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var result struct {
		Linked []string `json:"linked"`
		Failed []string `json:"failed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, nil, fmt.Errorf("decode hardlink response: %w", err)
	}
	return result.Linked, result.Failed, nil
}

// fetchPrevManifest downloads the previous version's manifest from the
// server so the diff has something to compare against. Agents do not keep
// their own local manifest cache — the server is the durable source of
// truth for what was last uploaded.
func (e *Executor) fetchPrevManifest(ctx context.Context, url string) (types.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.Manifest{}, err
	}
	req.Header.Set("Authorization", "Bearer "+e.token)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return types.Manifest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return types.Manifest{Files: map[string]types.FileStat{}}, nil
	}
	if resp.StatusCode >= 300 {
		return types.Manifest{}, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	return manifest.DecodeResponse(resp.Body)
}

// uploadManifest uploads the new version's manifest through the same upload
// endpoint used for file bodies, identified by the reserved relative path
// manifest.FileName so the server knows to store it as the version manifest
// rather than a regular file.
func (e *Executor) uploadManifest(ctx context.Context, jobID string, m types.Manifest) error {
	tmp, err := os.CreateTemp("", "manifest-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := manifest.EncodeTo(tmp, m); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return err
	}

	url := e.baseURL + "/api/files/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, tmp)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("X-Job-Id", jobID)
	req.Header.Set("X-Relative-Path", manifest.FileName)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
