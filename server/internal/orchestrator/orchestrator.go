// Package orchestrator drives one backup job from idle through preparing,
// running, and a terminal state (completed, failed, cancelled). It is the
// server-side counterpart of the agent's executor: it reserves capacity,
// dispatches the start command over the control-plane registry, waits for a
// terminal event or timeout, and finalizes the snapshot (manifest guarantee,
// retention) on completion — grounded on the same load/dispatch/persist shape
// as a gocron-driven scheduler tick, generalized into an explicit state
// machine with global and per-agent concurrency gates.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/coldvault/coldvault/server/internal/agentregistry"
	"github.com/coldvault/coldvault/server/internal/db"
	"github.com/coldvault/coldvault/server/internal/metrics"
	"github.com/coldvault/coldvault/server/internal/repository"
	"github.com/coldvault/coldvault/server/internal/snapshotstore"
	"github.com/coldvault/coldvault/shared/types"
)

// terminalTimeout bounds how long a single backup may run before the
// orchestrator gives up and marks it failed.
const terminalTimeout = 1 * time.Hour

// manifestGracePeriod is how long the orchestrator waits for the agent's
// manifest upload to land before falling back to server-side regeneration.
const manifestGracePeriod = 2 * time.Second

// pollInterval is how often the state machine checks whether an out-of-band
// API call has flipped the job to cancelled.
const pollInterval = 1 * time.Second

// Config bounds orchestrator concurrency.
type Config struct {
	MaxGlobal    int64 // total concurrent backups across all agents
	MaxPerAgent  int64 // concurrent backups dispatched to the same agent
}

// Orchestrator owns the running-jobs gate and the capacity semaphores, and
// drives each job's state machine.
type Orchestrator struct {
	jobs      repository.JobRepository
	snapshots repository.SnapshotRepository
	agents    repository.AgentRepository
	registry  *agentregistry.Registry
	store     *snapshotstore.Store
	metrics   *metrics.Metrics
	logger    *zap.Logger

	global     *semaphore.Weighted
	perAgent   map[string]*semaphore.Weighted
	perAgentN  int64
	mu         sync.Mutex

	running map[string]*runningJob // jobID.String() -> state

	waitersMu sync.Mutex
	waiters   map[string]chan error // snapshotID.String() -> terminal outcome
}

type runningJob struct {
	snapshotID string
	cancelled  bool
}

// New creates an Orchestrator. cfg's zero value is replaced with sane
// defaults (global=8, per-agent=2).
func New(cfg Config, jobs repository.JobRepository, snapshots repository.SnapshotRepository, agents repository.AgentRepository, registry *agentregistry.Registry, store *snapshotstore.Store, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if cfg.MaxGlobal <= 0 {
		cfg.MaxGlobal = 8
	}
	if cfg.MaxPerAgent <= 0 {
		cfg.MaxPerAgent = 2
	}
	return &Orchestrator{
		jobs:      jobs,
		snapshots: snapshots,
		agents:    agents,
		registry:  registry,
		store:     store,
		metrics:   m,
		logger:    logger.Named("orchestrator"),
		global:    semaphore.NewWeighted(cfg.MaxGlobal),
		perAgent:  make(map[string]*semaphore.Weighted),
		perAgentN: cfg.MaxPerAgent,
		running:   make(map[string]*runningJob),
		waiters:   make(map[string]chan error),
	}
}

func (o *Orchestrator) agentSemaphore(agentID string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	sem, ok := o.perAgent[agentID]
	if !ok {
		sem = semaphore.NewWeighted(o.perAgentN)
		o.perAgent[agentID] = sem
	}
	return sem
}

// tryEnter is the atomic gate for preparing: it fails if the job is already
// running, otherwise it reserves the slot.
func (o *Orchestrator) tryEnter(jobID, snapshotID string) (release func(), ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[jobID]; busy {
		return nil, false
	}
	o.running[jobID] = &runningJob{snapshotID: snapshotID}
	if o.metrics != nil {
		o.metrics.JobsRunning.Inc()
	}
	return func() {
		o.mu.Lock()
		delete(o.running, jobID)
		o.mu.Unlock()
		if o.metrics != nil {
			o.metrics.JobsRunning.Dec()
		}
	}, true
}

// IsRunning reports whether jobID currently has a running snapshot.
func (o *Orchestrator) IsRunning(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[jobID]
	return ok
}

// CurrentSnapshotID returns the snapshot id of jobID's in-flight run, if any.
// Used by the control-plane message dispatcher to resolve a job-scoped
// progress or log event (which only carries the job id) to the snapshot
// record it belongs to.
func (o *Orchestrator) CurrentSnapshotID(jobID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rj, ok := o.running[jobID]
	if !ok {
		return "", false
	}
	return rj.snapshotID, true
}

// Cancel marks a running job's snapshot cancelled. The state machine's poll
// loop picks this up and forwards backup:cancel to the agent.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rj, ok := o.running[jobID]
	if !ok {
		return fmt.Errorf("orchestrator: job %s is not running", jobID)
	}
	rj.cancelled = true
	return nil
}

func (o *Orchestrator) isCancelled(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	rj, ok := o.running[jobID]
	return ok && rj.cancelled
}

// Start runs one job through idle → preparing → running → terminal. It
// blocks until the backup reaches a terminal state; callers (the scheduler,
// or a manual-trigger HTTP handler) should invoke it in its own goroutine.
func (o *Orchestrator) Start(ctx context.Context, jobID string, trigger types.JobTrigger) error {
	log := o.logger.With(zap.String("job_id", jobID))

	jid, err := uuid.Parse(jobID)
	if err != nil {
		return fmt.Errorf("orchestrator: invalid job id %s: %w", jobID, err)
	}

	// --- idle -> preparing ---
	job, err := o.jobs.GetByID(ctx, jid)
	if err != nil {
		return fmt.Errorf("orchestrator: load job: %w", err)
	}
	if !job.Enabled {
		return fmt.Errorf("orchestrator: job %s is disabled", jobID)
	}
	agent, err := o.agents.GetByID(ctx, job.AgentID)
	if err != nil {
		return fmt.Errorf("orchestrator: load agent: %w", err)
	}
	agentID := agent.ID.String()
	if !o.registry.IsConnected(agentID) {
		return fmt.Errorf("orchestrator: agent %s is not connected", agentID)
	}
	roots, err := decodeStringSlice(job.SourceRoots)
	if err != nil || len(roots) == 0 {
		return fmt.Errorf("orchestrator: job %s has no source roots", jobID)
	}
	excludes, _ := decodeStringSlice(job.Excludes)

	snapshot := &db.Snapshot{
		JobID:   job.ID,
		AgentID: job.AgentID,
		Status:  string(types.JobStatusPreparing),
		Trigger: string(trigger),
	}
	if err := o.snapshots.Create(ctx, snapshot); err != nil {
		return fmt.Errorf("orchestrator: create snapshot: %w", err)
	}
	snapshotID := snapshot.ID.String()
	snapshot.VersionDir = snapshotID

	release, ok := o.tryEnter(jobID, snapshotID)
	if !ok {
		o.failSnapshot(ctx, snapshot, "another run of this job is already in progress")
		return fmt.Errorf("orchestrator: job %s already running", jobID)
	}
	defer release()

	// --- preparing -> running ---
	if err := o.store.PrepareVersion(jobID, snapshotID); err != nil {
		o.failSnapshot(ctx, snapshot, err.Error())
		return err
	}
	if err := o.global.Acquire(ctx, 1); err != nil {
		o.failSnapshot(ctx, snapshot, "timed out waiting for global backup capacity")
		return err
	}
	defer o.global.Release(1)

	agentSem := o.agentSemaphore(agentID)
	if err := agentSem.Acquire(ctx, 1); err != nil {
		o.failSnapshot(ctx, snapshot, "timed out waiting for agent capacity")
		return err
	}
	defer agentSem.Release(1)

	now := time.Now()
	snapshot.Status = string(types.JobStatusRunning)
	snapshot.StartedAt = &now
	if err := o.snapshots.Update(ctx, snapshot); err != nil {
		log.Warn("failed to persist running transition", zap.Error(err))
	}

	assignment := types.JobAssignment{
		JobID:           jobID,
		SnapshotID:      snapshotID,
		SourceRoots:     roots,
		Excludes:        excludes,
		Compression:     job.Compression,
		ParallelismHint: job.ParallelismHint,
	}
	if prevID, err := o.latestManifestSnapshot(ctx, jid); err == nil && prevID != "" {
		assignment.PrevManifestURL = fmt.Sprintf("/api/files/manifest/%s", jobID)
	}

	env, err := types.Encode(types.MsgBackupStart, snapshotID, assignment)
	if err != nil {
		o.failSnapshot(ctx, snapshot, err.Error())
		return err
	}
	if err := o.registry.Dispatch(agentID, env); err != nil {
		o.failSnapshot(ctx, snapshot, fmt.Sprintf("dispatch failed: %v", err))
		return err
	}
	log.Info("backup dispatched", zap.String("snapshot_id", snapshotID))

	// --- running -> terminal ---
	return o.awaitTerminal(ctx, jobID, agentID, snapshot)
}

// awaitTerminal blocks until Complete or Fail resolves this snapshot's
// waiter channel, or the job is cancelled out of band, or the 1-hour timeout
// elapses.
func (o *Orchestrator) awaitTerminal(ctx context.Context, jobID, agentID string, snapshot *db.Snapshot) error {
	snapshotID := snapshot.ID.String()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(terminalTimeout)
	defer deadline.Stop()

	done := o.registerWaiter(snapshotID)
	defer o.clearWaiter(snapshotID)

	for {
		select {
		case outcome := <-done:
			return outcome
		case <-deadline.C:
			o.failSnapshot(ctx, snapshot, "backup timed out after 1 hour")
			o.sendCancel(agentID, jobID)
			return fmt.Errorf("orchestrator: job %s timed out", jobID)
		case <-ticker.C:
			if o.isCancelled(jobID) {
				o.sendCancel(agentID, jobID)
				o.cancelSnapshot(ctx, snapshot)
				return fmt.Errorf("orchestrator: job %s cancelled", jobID)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) sendCancel(agentID, jobID string) {
	env, err := types.Encode(types.MsgBackupCancel, "", types.JobCancel{JobID: jobID})
	if err != nil {
		return
	}
	_ = o.registry.Dispatch(agentID, env)
}

// --- terminal event plumbing -------------------------------------------------
//
// The websocket message dispatcher calls Complete/Fail when it observes a
// backup:completed or backup:failed envelope; awaitTerminal above is blocked reading
// from the channel registered here under the snapshot id.

func (o *Orchestrator) registerWaiter(snapshotID string) chan error {
	o.waitersMu.Lock()
	defer o.waitersMu.Unlock()
	ch := make(chan error, 1)
	o.waiters[snapshotID] = ch
	return ch
}

func (o *Orchestrator) clearWaiter(snapshotID string) {
	o.waitersMu.Lock()
	defer o.waitersMu.Unlock()
	delete(o.waiters, snapshotID)
}

func (o *Orchestrator) resolveWaiter(snapshotID string, err error) bool {
	o.waitersMu.Lock()
	ch, ok := o.waiters[snapshotID]
	o.waitersMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- err:
	default:
	}
	return true
}

// Complete handles a backup:completed event from the agent: persists counters,
// guarantees a manifest exists (waiting briefly, then regenerating
// server-side), applies retention, and resolves the state machine's wait.
func (o *Orchestrator) Complete(ctx context.Context, jobID, snapshotID string, counters types.SnapshotCounters) {
	sid, err := uuid.Parse(snapshotID)
	if err != nil {
		o.logger.Error("complete: invalid snapshot id", zap.String("snapshot_id", snapshotID), zap.Error(err))
		return
	}
	snapshot, err := o.snapshots.GetByID(ctx, sid)
	if err != nil {
		o.logger.Error("complete: snapshot not found", zap.String("snapshot_id", snapshotID), zap.Error(err))
		return
	}

	if !o.manifestPresent(jobID, snapshotID) {
		time.Sleep(manifestGracePeriod)
		if !o.manifestPresent(jobID, snapshotID) {
			o.logger.Warn("manifest missing after grace period, regenerating from destination mtime",
				zap.String("snapshot_id", snapshotID))
			if err := o.regenerateManifest(jobID, snapshotID); err != nil {
				o.logger.Error("manifest regeneration failed", zap.Error(err))
			}
		}
	}

	now := time.Now()
	snapshot.Status = string(types.JobStatusCompleted)
	snapshot.EndedAt = &now
	snapshot.FilesTotal = counters.FilesTotal
	snapshot.FilesNew = counters.FilesNew
	snapshot.FilesChanged = counters.FilesChanged
	snapshot.FilesUnchanged = counters.FilesUnchanged
	snapshot.FilesDeleted = counters.FilesDeleted
	snapshot.BackupType = counters.BackupType
	snapshot.BytesUploaded = counters.BytesUploaded
	snapshot.BytesTotal = counters.BytesTotal
	if err := o.snapshots.Update(ctx, snapshot); err != nil {
		o.logger.Error("failed to persist completed snapshot", zap.Error(err))
	}

	o.applyRetention(ctx, jobID)
	o.recordTerminal("completed", snapshot.StartedAt)
	o.resolveWaiter(snapshotID, nil)
}

// recordTerminal observes the job-duration histogram and increments the
// terminal-result counter. No-op if metrics were not configured.
func (o *Orchestrator) recordTerminal(result string, startedAt *time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.JobsCompleted.WithLabelValues(result).Inc()
	if startedAt != nil {
		o.metrics.JobDuration.WithLabelValues(result).Observe(time.Since(*startedAt).Seconds())
	}
}

// Fail handles a backup:failed event or an internally detected failure.
func (o *Orchestrator) Fail(ctx context.Context, snapshotID, errMsg string) {
	sid, err := uuid.Parse(snapshotID)
	if err != nil {
		o.logger.Error("fail: invalid snapshot id", zap.String("snapshot_id", snapshotID), zap.Error(err))
		return
	}
	snapshot, err := o.snapshots.GetByID(ctx, sid)
	if err != nil {
		o.logger.Error("fail: snapshot not found", zap.String("snapshot_id", snapshotID), zap.Error(err))
		return
	}
	o.failSnapshot(ctx, snapshot, errMsg)
	o.recordTerminal("failed", snapshot.StartedAt)
	o.resolveWaiter(snapshotID, fmt.Errorf("orchestrator: %s", errMsg))
}

func (o *Orchestrator) failSnapshot(ctx context.Context, snapshot *db.Snapshot, errMsg string) {
	now := time.Now()
	snapshot.Status = string(types.JobStatusFailed)
	snapshot.EndedAt = &now
	snapshot.Error = errMsg
	if err := o.snapshots.Update(ctx, snapshot); err != nil {
		o.logger.Error("failed to persist failed snapshot", zap.Error(err))
	}
}

func (o *Orchestrator) cancelSnapshot(ctx context.Context, snapshot *db.Snapshot) {
	now := time.Now()
	snapshot.Status = string(types.JobStatusCancelled)
	snapshot.EndedAt = &now
	snapshot.Error = "cancelled"
	if err := o.snapshots.Update(ctx, snapshot); err != nil {
		o.logger.Error("failed to persist cancelled snapshot", zap.Error(err))
	}
	o.recordTerminal("cancelled", snapshot.StartedAt)
}

// applyRetention removes completed snapshots beyond the job's max_versions,
// oldest first, per the bounded-retention invariant.
func (o *Orchestrator) applyRetention(ctx context.Context, jobID string) {
	jid, err := uuid.Parse(jobID)
	if err != nil {
		return
	}
	job, err := o.jobs.GetByID(ctx, jid)
	if err != nil || job.MaxVersions <= 0 {
		return
	}
	completed, err := o.snapshots.ListCompletedByJob(ctx, jid)
	if err != nil {
		o.logger.Error("retention: list completed snapshots failed", zap.Error(err))
		return
	}
	if len(completed) <= job.MaxVersions {
		return
	}
	excess := completed[:len(completed)-job.MaxVersions]
	for _, snap := range excess {
		if err := o.store.DeleteVersion(jobID, snap.ID.String()); err != nil {
			o.logger.Error("retention: failed to delete version directory", zap.String("snapshot_id", snap.ID.String()), zap.Error(err))
			continue
		}
		if err := o.snapshots.Delete(ctx, snap.ID); err != nil {
			o.logger.Error("retention: failed to delete snapshot record", zap.String("snapshot_id", snap.ID.String()), zap.Error(err))
		}
	}
}

func (o *Orchestrator) manifestPresent(jobID, snapshotID string) bool {
	r, err := o.store.LoadManifest(jobID, snapshotID)
	if err != nil {
		return false
	}
	r.Close()
	return true
}

func (o *Orchestrator) latestManifestSnapshot(ctx context.Context, jobID uuid.UUID) (string, error) {
	completed, err := o.snapshots.ListCompletedByJob(ctx, jobID)
	if err != nil || len(completed) == 0 {
		return "", fmt.Errorf("no completed snapshot")
	}
	latest := completed[len(completed)-1]
	if !o.manifestPresent(jobID.String(), latest.ID.String()) {
		return "", fmt.Errorf("latest completed snapshot has no manifest")
	}
	return latest.ID.String(), nil
}
