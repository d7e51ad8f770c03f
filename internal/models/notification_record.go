package models

import (
	"time"

	"gorm.io/datatypes"
)

// RecordStatus is the overall outcome persisted in the audit trail.
type RecordStatus string

const (
	RecordSent          RecordStatus = "sent"
	RecordPartiallySent RecordStatus = "partially-sent"
	RecordFailed        RecordStatus = "failed"
)

// StatusFor derives the audit status from a dispatch summary.
// An empty audience is recorded as sent.
func StatusFor(s DispatchSummary) RecordStatus {
	switch {
	case s.SentCount > 0 && s.FailedCount == 0 && s.Abandoned() == 0:
		return RecordSent
	case s.SentCount > 0:
		return RecordPartiallySent
	case s.TotalTokens == 0:
		return RecordSent
	default:
		return RecordFailed
	}
}

// NotificationRecord is the append-only audit entry written once per completed dispatch.
type NotificationRecord struct {
	ID             string            `json:"id" gorm:"primaryKey;size:36"`
	EventID        string            `json:"event_id" gorm:"index"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Type           EventType         `json:"type" gorm:"size:32;index"`
	PlatformScope  string            `json:"platform_scope" gorm:"size:32"`
	RecipientCount int               `json:"recipient_count"`
	TotalTokens    int               `json:"total_tokens"`
	SentCount      int               `json:"sent_count"`
	FailedCount    int               `json:"failed_count"`
	Data           datatypes.JSONMap `json:"data"`
	Status         RecordStatus      `json:"status" gorm:"size:16;index"`
	CreatedAt      time.Time         `json:"created_at" gorm:"index"`
}
