package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecordStats aggregates the audit trail over a time range.
type RecordStats struct {
	Notifications int64 `json:"notifications"`
	Sent          int64 `json:"sent"`
	Failed        int64 `json:"failed"`
}

// RecordStore persists the append-only notification audit trail.
type RecordStore struct {
	db *gorm.DB
}

func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Create inserts a record. Records are never updated afterwards.
func (s *RecordStore) Create(ctx context.Context, rec *models.NotificationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert notification record: %w", err)
	}
	return nil
}

// Recent returns the newest records first.
func (s *RecordStore) Recent(ctx context.Context, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []models.NotificationRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list notification records: %w", err)
	}
	return recs, nil
}

// StatsSince sums sent and failed counts for records created at or after since.
func (s *RecordStore) StatsSince(ctx context.Context, since time.Time) (RecordStats, error) {
	var stats RecordStats
	err := s.db.WithContext(ctx).Model(&models.NotificationRecord{}).
		Select("count(*) as notifications, coalesce(sum(sent_count), 0) as sent, coalesce(sum(failed_count), 0) as failed").
		Where("created_at >= ?", since).
		Scan(&stats).Error
	if err != nil {
		return RecordStats{}, fmt.Errorf("notification stats: %w", err)
	}
	return stats, nil
}
