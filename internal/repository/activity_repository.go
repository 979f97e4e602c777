package repository

import (
	"context"
	"fmt"

	"github.com/mailfold/mailfold-backend/internal/models"
	"gorm.io/gorm"
)

// ActivityRepository is the append-only store for terminal forwarding
// outcomes. The reporting collaborator reads; the core only appends.
type ActivityRepository interface {
	Append(ctx context.Context, record *models.ActivityRecord) error
	ListRecent(ctx context.Context, limit int) ([]models.ActivityRecord, error)
	CountByEventType(ctx context.Context, eventType string) (int64, error)
}

// activityRepository implements ActivityRepository using GORM
type activityRepository struct {
	db *gorm.DB
}

// NewActivityRepository creates a new ActivityRepository instance
func NewActivityRepository(db *gorm.DB) ActivityRepository {
	return &activityRepository{db: db}
}

// Append inserts one audit record
func (r *activityRepository) Append(ctx context.Context, record *models.ActivityRecord) error {
	if result := r.db.WithContext(ctx).Create(record); result.Error != nil {
		return fmt.Errorf("failed to append activity record: %w", result.Error)
	}
	return nil
}

// ListRecent retrieves the most recent records, newest first
func (r *activityRepository) ListRecent(ctx context.Context, limit int) ([]models.ActivityRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []models.ActivityRecord
	result := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list activity records: %w", result.Error)
	}
	return records, nil
}

// CountByEventType counts records of one event type
func (r *activityRepository) CountByEventType(ctx context.Context, eventType string) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).
		Model(&models.ActivityRecord{}).
		Where("event_type = ?", eventType).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count activity records: %w", result.Error)
	}
	return count, nil
}
