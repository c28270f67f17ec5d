package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coldvault/coldvault/server/internal/db"
)

type gormSnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository returns a SnapshotRepository backed by the provided *gorm.DB.
func NewSnapshotRepository(database *gorm.DB) SnapshotRepository {
	return &gormSnapshotRepository{db: database}
}

func (r *gormSnapshotRepository) Create(ctx context.Context, snapshot *db.Snapshot) error {
	if err := r.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("snapshots: create: %w", err)
	}
	return nil
}

func (r *gormSnapshotRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Snapshot, error) {
	var snap db.Snapshot
	err := r.db.WithContext(ctx).First(&snap, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshots: get by id: %w", err)
	}
	return &snap, nil
}

func (r *gormSnapshotRepository) Update(ctx context.Context, snapshot *db.Snapshot) error {
	result := r.db.WithContext(ctx).Save(snapshot)
	if result.Error != nil {
		return fmt.Errorf("snapshots: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSnapshotRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Snapshot{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("snapshots: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormSnapshotRepository) List(ctx context.Context, opts ListOptions) ([]db.Snapshot, int64, error) {
	var snaps []db.Snapshot
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Snapshot{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&snaps).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list: %w", err)
	}
	return snaps, total, nil
}

func (r *gormSnapshotRepository) ListByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]db.Snapshot, int64, error) {
	var snaps []db.Snapshot
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Snapshot{}).
		Where("job_id = ?", jobID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list by job count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&snaps).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list by job: %w", err)
	}
	return snaps, total, nil
}

// ListCompletedByJob returns completed snapshots for a job ordered oldest
// first, for use by retention sweeps deciding which versions to prune.
func (r *gormSnapshotRepository) ListCompletedByJob(ctx context.Context, jobID uuid.UUID) ([]db.Snapshot, error) {
	var snaps []db.Snapshot
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, "completed").
		Order("created_at ASC").
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("snapshots: list completed by job: %w", err)
	}
	return snaps, nil
}

// BulkCreateLogs inserts all log lines for a snapshot in a single statement,
// avoiding row-by-row write pressure during a backup run.
func (r *gormSnapshotRepository) BulkCreateLogs(ctx context.Context, logs []db.SnapshotLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("snapshots: bulk create logs: %w", err)
	}
	return nil
}

func (r *gormSnapshotRepository) GetLogs(ctx context.Context, snapshotID uuid.UUID) ([]db.SnapshotLog, error) {
	var logs []db.SnapshotLog
	err := r.db.WithContext(ctx).
		Where("snapshot_id = ?", snapshotID).
		Order("timestamp ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("snapshots: get logs: %w", err)
	}
	return logs, nil
}
