package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent represents a registered backup agent running on a remote machine.
// Agents dial the server over a persistent WebSocket (reverse connection, pull
// pattern) and do not expose any listening port of their own.
type Agent struct {
	softDelete
	Name       string `gorm:"not null"`
	Hostname   string `gorm:"not null"`
	IPAddress  string `gorm:"not null;default:''"`
	OS         string `gorm:"not null;default:''"`
	Arch       string `gorm:"not null;default:''"`
	Version    string `gorm:"not null;default:''"`
	Status     string `gorm:"not null;default:'offline'"` // "online", "offline", "error"
	LastSeenAt *time.Time
	Labels     string `gorm:"type:text;default:'{}'"` // JSON key-value pairs for filtering
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job defines what to back up, on which agent, on what schedule, and with what
// retention. Exactly one implicit local destination exists per job (no
// multi-destination fan-out) — see DESIGN.md for the rationale.
//
// Association fields are intentionally absent from this struct. GORM cannot
// resolve foreign keys when the primary key is uuid.UUID (a custom type).
// Related records (Snapshots) are loaded via explicit queries in the
// repository layer.
type Job struct {
	softDelete
	Name            string    `gorm:"not null"`
	AgentID         uuid.UUID `gorm:"type:text;not null;index"`
	SourceRoots     string    `gorm:"type:text;not null"` // JSON array of absolute paths
	Excludes        string    `gorm:"type:text;default:'[]'"` // JSON array of substring patterns
	Schedule        string    `gorm:"default:''"` // cron expression; empty = manual trigger only
	Enabled         bool      `gorm:"not null;default:true"`
	Compression     bool      `gorm:"not null;default:true"`
	ParallelismHint int       `gorm:"not null;default:8"`
	MaxVersions     int       `gorm:"not null;default:7"` // count-based retention
	LastRunAt       *time.Time
	NextRunAt       *time.Time
}

// -----------------------------------------------------------------------------
// Snapshots
// -----------------------------------------------------------------------------

// Snapshot represents one backup run of a Job: its outcome, counters, and the
// on-disk version directory it produced. This absorbs what the upstream
// pattern split into a job-execution row and a per-destination row, because
// this system has exactly one implicit destination per job.
type Snapshot struct {
	base
	JobID     uuid.UUID  `gorm:"type:text;not null;index"`
	AgentID   uuid.UUID  `gorm:"type:text;not null;index"`
	Status    string     `gorm:"not null;default:'preparing'"` // preparing, running, completed, failed, cancelled
	Trigger   string     `gorm:"not null;default:'scheduler'"` // scheduler, manual
	VersionDir string    `gorm:"not null;default:''"` // directory name under the job's local path
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     string `gorm:"type:text;default:''"`

	FilesTotal     int    `gorm:"default:0"`
	FilesNew       int    `gorm:"default:0"`
	FilesChanged   int    `gorm:"default:0"`
	FilesUnchanged int    `gorm:"default:0"`
	FilesDeleted   int    `gorm:"default:0"`
	BackupType     string `gorm:"not null;default:'full'"` // "full", "incremental"
	BytesUploaded  int64  `gorm:"default:0"`
	BytesTotal     int64  `gorm:"default:0"`
}

// SnapshotLog stores structured log lines emitted during a snapshot's
// execution. Rows are written only through SnapshotRepository.BulkCreateLogs,
// which nothing in the server calls; agent log lines are pushed to the UI
// live and are not stored here.
type SnapshotLog struct {
	base
	SnapshotID uuid.UUID `gorm:"type:text;not null;index"`
	Level      string    `gorm:"not null"` // "info", "warn", "error"
	Message    string    `gorm:"type:text;not null"`
	Timestamp  time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// Notification stores in-app notifications broadcast to UI clients via the
// WebSocket hub. There is no per-user scoping since this system has no User
// entity — every connected UI subscriber receives every notification.
type Notification struct {
	base
	Type    string `gorm:"not null"` // "backup.success", "backup.failed", "agent.offline", ...
	Title   string `gorm:"not null"`
	Body    string `gorm:"type:text;not null"`
	ReadAt  *time.Time
	Payload string `gorm:"type:text;default:'{}'"` // JSON, extra context for the frontend
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the database,
// namespaced by convention (e.g. "retention.sweep_interval").
type Setting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}
