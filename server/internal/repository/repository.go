// Package repository defines the persistence interfaces and GORM-backed
// implementations for every domain entity. Earlier iterations of this
// codebase split interfaces and implementations across two packages
// (repository/repositories); they have been merged here into one coherent
// package so interface and implementation never drift apart.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/coldvault/coldvault/server/internal/db"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
var ErrNotFound = errors.New("record not found")

// ListOptions carries pagination parameters for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// AgentRepository persists and queries Agent records.
type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByHostname(ctx context.Context, hostname string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
}

// JobRepository persists and queries Job records.
type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	ListEnabled(ctx context.Context) ([]db.Job, error)
	ListByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Job, error)
	UpdateSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time) error
}

// SnapshotRepository persists and queries Snapshot records.
type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *db.Snapshot) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Snapshot, error)
	Update(ctx context.Context, snapshot *db.Snapshot) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Snapshot, int64, error)
	ListByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]db.Snapshot, int64, error)
	// ListCompletedByJob returns completed snapshots for a job ordered oldest
	// first — used by retention sweeps to find versions beyond MaxVersions.
	ListCompletedByJob(ctx context.Context, jobID uuid.UUID) ([]db.Snapshot, error)
	BulkCreateLogs(ctx context.Context, logs []db.SnapshotLog) error
	GetLogs(ctx context.Context, snapshotID uuid.UUID) ([]db.SnapshotLog, error)
}

// NotificationRepository persists and queries Notification records.
type NotificationRepository interface {
	Create(ctx context.Context, n *db.Notification) error
	List(ctx context.Context, opts ListOptions) ([]db.Notification, int64, error)
	MarkAsRead(ctx context.Context, id uuid.UUID) error
	DeleteReadOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// SettingsRepository persists generic key-value configuration.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
