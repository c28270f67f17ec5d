package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/coldvault/coldvault/server/internal/db"
)

type gormSettingsRepository struct {
	database *gorm.DB
}

// NewSettingsRepository creates a new SettingsRepository backed by GORM.
func NewSettingsRepository(database *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{database: database}
}

func (r *gormSettingsRepository) Get(ctx context.Context, key string) (*db.Setting, error) {
	var s db.Setting
	err := r.database.WithContext(ctx).First(&s, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Set upserts a setting. On conflict (key already exists) the value and
// updated_at are overwritten, avoiding a read-before-write on every save.
func (r *gormSettingsRepository) Set(ctx context.Context, key, value string) error {
	s := db.Setting{Key: key, Value: value}
	return r.database.WithContext(ctx).Save(&s).Error
}

// Delete removes a setting by key. Silently succeeds if the key is absent —
// delete is idempotent for configuration cleanup.
func (r *gormSettingsRepository) Delete(ctx context.Context, key string) error {
	return r.database.WithContext(ctx).Delete(&db.Setting{}, "key = ?", key).Error
}
