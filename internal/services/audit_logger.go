package services

import (
	"context"
	"log/slog"

	"gorm.io/datatypes"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/metrics"
)

// RecordWriter persists notification records.
type RecordWriter interface {
	Create(ctx context.Context, rec *models.NotificationRecord) error
}

// AuditLogger writes one NotificationRecord per completed dispatch. Failures are
// logged and never returned: the dispatch has already happened.
type AuditLogger struct {
	store   RecordWriter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewAuditLogger(store RecordWriter, m *metrics.Metrics, logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "audit_logger"),
	}
}

// Record returns the persisted record, or nil if the store rejected it.
func (a *AuditLogger) Record(ctx context.Context, event *models.NotificationEvent, payload ComposedPayload, summary models.DispatchSummary) *models.NotificationRecord {
	snapshot := make(datatypes.JSONMap, len(payload.Data))
	for k, v := range payload.Data {
		snapshot[k] = v
	}
	recipients := len(event.RecipientIDs())
	if event.Recipients.Mode == models.RecipientsBroadcastAll {
		recipients = summary.TotalTokens
	}
	rec := &models.NotificationRecord{
		EventID:        event.ID,
		Title:          payload.Title,
		Body:           payload.Body,
		Type:           event.Type,
		PlatformScope:  event.PlatformScope(),
		RecipientCount: recipients,
		TotalTokens:    summary.TotalTokens,
		SentCount:      summary.SentCount,
		FailedCount:    summary.FailedCount,
		Data:           snapshot,
		Status:         models.StatusFor(summary),
	}

	// The dispatch may have run out its deadline; the record still gets written.
	if err := a.store.Create(context.WithoutCancel(ctx), rec); err != nil {
		a.metrics.IncAuditFailure()
		a.logger.Error("failed to persist notification record",
			slog.String("event_id", event.ID),
			slog.String("type", string(event.Type)),
			slog.Any("error", err))
		return nil
	}
	return rec
}
