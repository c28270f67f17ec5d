package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coldvault/coldvault/server/internal/db"
)

type gormNotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository returns a NotificationRepository backed by the provided *gorm.DB.
func NewNotificationRepository(database *gorm.DB) NotificationRepository {
	return &gormNotificationRepository{db: database}
}

func (r *gormNotificationRepository) Create(ctx context.Context, n *db.Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("notifications: create: %w", err)
	}
	return nil
}

func (r *gormNotificationRepository) List(ctx context.Context, opts ListOptions) ([]db.Notification, int64, error) {
	var items []db.Notification
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Notification{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("notifications: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).Offset(opts.Offset).
		Order("created_at DESC").
		Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("notifications: list: %w", err)
	}
	return items, total, nil
}

func (r *gormNotificationRepository) MarkAsRead(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&db.Notification{}).
		Where("id = ? AND read_at IS NULL", id).
		Update("read_at", now)
	if result.Error != nil {
		return fmt.Errorf("notifications: mark as read: %w", result.Error)
	}
	return nil
}

// DeleteReadOlderThan purges read notifications older than age, returning the
// number of rows removed.
func (r *gormNotificationRepository) DeleteReadOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	result := r.db.WithContext(ctx).
		Where("read_at IS NOT NULL AND read_at < ?", cutoff).
		Delete(&db.Notification{})
	if result.Error != nil {
		return 0, fmt.Errorf("notifications: delete read older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
