// Package progress aggregates upload counters from many concurrent workers
// into periodic progress events, so the executor does not have to emit one
// message per completed file.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/coldvault/coldvault/shared/types"
)

// emitInterval is the tick period between progress emissions.
const emitInterval = 250 * time.Millisecond

// Emitter receives a JobProgress event on every tick while work remains.
type Emitter func(types.JobProgress)

// activeFile tracks one file currently mid-transfer through the upload pool.
type activeFile struct {
	path        string
	totalBytes  int64
	transferred int64
}

// Aggregator accumulates file/byte counters and a per-file in-flight map
// under a single mutex, and periodically drains the totals to an Emitter
// from one goroutine. Upload workers call StartFile/UpdateFile/FinishFile as
// a transfer progresses, so a single multi-gigabyte file reports intra-file
// progress instead of appearing frozen until it completes.
type Aggregator struct {
	jobID string

	mu           sync.Mutex
	backupType   string
	filesDone    int
	filesTotal   int
	bytesDone    int64
	bytesTotal   int64
	skippedFiles int
	skippedBytes int64
	inFlight     map[string]*activeFile

	lastSampleAt    time.Time
	lastSampleBytes int64
}

// New creates an Aggregator for jobID with the known total file/byte counts
// (computed up front from the diff before uploads start).
func New(jobID string, filesTotal int, bytesTotal int64) *Aggregator {
	return &Aggregator{
		jobID:      jobID,
		filesTotal: filesTotal,
		bytesTotal: bytesTotal,
		inFlight:   make(map[string]*activeFile),
	}
}

// SetBackupType records whether this run is a "full" or "incremental" backup,
// carried through to every emitted JobProgress.
func (a *Aggregator) SetBackupType(backupType string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backupType = backupType
}

// SetSkipped records the files/bytes that were hardlink-spliced from the
// previous version and therefore never pass through the upload pool.
func (a *Aggregator) SetSkipped(files int, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skippedFiles = files
	a.skippedBytes = bytes
}

// StartFile registers a file as in flight, to appear in the next Snapshot's
// ActiveFiles list.
func (a *Aggregator) StartFile(fileID, path string, totalBytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlight[fileID] = &activeFile{path: path, totalBytes: totalBytes}
}

// UpdateFile records transferred bytes for an in-flight file. Called by the
// upload worker's streaming reader wrapper, batched to roughly emitInterval
// so it does not lock on every read.
func (a *Aggregator) UpdateFile(fileID string, transferred int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.inFlight[fileID]; ok {
		f.transferred = transferred
	}
}

// FinishFile removes fileID from the in-flight map and credits n bytes and
// one file to the completed counters.
func (a *Aggregator) FinishFile(fileID string, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, fileID)
	a.filesDone++
	a.bytesDone += n
}

// FailFile removes fileID from the in-flight map and counts it as processed
// without crediting its bytes, since the transfer did not complete.
func (a *Aggregator) FailFile(fileID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, fileID)
	a.filesDone++
}

// AddFile records one completed file upload of n bytes directly, without
// having gone through StartFile first. Used for transfers too small to
// bother streaming progress for (e.g. the manifest itself).
func (a *Aggregator) AddFile(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filesDone++
	a.bytesDone += n
}

// Snapshot returns the current counters as a JobProgress event, including
// instantaneous throughput and ETA derived from the delta since the previous
// Snapshot call.
func (a *Aggregator) Snapshot() types.JobProgress {
	a.mu.Lock()
	defer a.mu.Unlock()

	totalTransferred := a.bytesDone
	active := make([]types.ActiveFileProgress, 0, len(a.inFlight))
	for _, f := range a.inFlight {
		totalTransferred += f.transferred
		var pct float64
		if f.totalBytes > 0 {
			pct = float64(f.transferred) / float64(f.totalBytes) * 100
		}
		active = append(active, types.ActiveFileProgress{
			Path:             f.path,
			TransferredBytes: f.transferred,
			TotalBytes:       f.totalBytes,
			Percent:          pct,
		})
	}

	now := time.Now()
	var bytesPerSecond, etaSeconds float64
	if !a.lastSampleAt.IsZero() {
		elapsed := now.Sub(a.lastSampleAt).Seconds()
		if elapsed > 0 {
			bytesPerSecond = float64(totalTransferred-a.lastSampleBytes) / elapsed
		}
	}
	if bytesPerSecond > 0 {
		remaining := a.bytesTotal - totalTransferred
		if remaining > 0 {
			etaSeconds = float64(remaining) / bytesPerSecond
		}
	}
	a.lastSampleAt = now
	a.lastSampleBytes = totalTransferred

	return types.JobProgress{
		JobID:          a.jobID,
		BackupType:     a.backupType,
		FilesDone:      a.filesDone,
		FilesTotal:     a.filesTotal,
		BytesDone:      totalTransferred,
		BytesTotal:     a.bytesTotal,
		BytesPerSecond: bytesPerSecond,
		ETASeconds:     etaSeconds,
		ActiveFiles:    active,
		SkippedFiles:   a.skippedFiles,
		SkippedBytes:   a.skippedBytes,
	}
}

// Run ticks every emitInterval, calling emit with the current snapshot, until
// ctx is cancelled. Call it in its own goroutine for the lifetime of a single
// backup run; a final emit happens immediately before returning so the caller
// always observes the terminal counters.
func (a *Aggregator) Run(ctx context.Context, emit Emitter) {
	ticker := time.NewTicker(emitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			emit(a.Snapshot())
			return
		case <-ticker.C:
			emit(a.Snapshot())
		}
	}
}
