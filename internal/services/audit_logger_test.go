package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository/repotest"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/services"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/logger"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/pkg/metrics"
)

type brokenWriter struct{}

func (brokenWriter) Create(context.Context, *models.NotificationRecord) error {
	return errors.New("connection refused")
}

func TestAuditLogger_Record(t *testing.T) {
	t.Parallel()

	store := repository.NewRecordStore(repotest.NewDB(t))
	a := services.NewAuditLogger(store, nil, logger.Discard())

	event := &models.NotificationEvent{
		ID:         "evt-1",
		Type:       models.EventGeneric,
		Recipients: models.Broadcast(),
		Platforms:  []models.Platform{models.PlatformIOS, models.PlatformWeb},
	}
	payload := services.ComposedPayload{Title: "T", Body: "B", Data: map[string]string{"type": "generic", "k": "v"}}
	summary := models.DispatchSummary{TotalTokens: 3, SentCount: 2, FailedCount: 1}

	rec := a.Record(context.Background(), event, payload, summary)
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "evt-1", rec.EventID)
	assert.Equal(t, "ios,web", rec.PlatformScope)
	assert.Equal(t, 3, rec.RecipientCount)
	assert.Equal(t, models.RecordPartiallySent, rec.Status)
	assert.Equal(t, "v", rec.Data["k"])
}

func TestAuditLogger_StoreFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	a := services.NewAuditLogger(brokenWriter{}, m, logger.Discard())

	var rec *models.NotificationRecord
	require.NotPanics(t, func() {
		rec = a.Record(context.Background(), &models.NotificationEvent{Type: models.EventTest}, testPayload, models.DispatchSummary{})
	})
	assert.Nil(t, rec)
}

func TestAuditLogger_WritesAfterCancellation(t *testing.T) {
	t.Parallel()

	store := repository.NewRecordStore(repotest.NewDB(t))
	a := services.NewAuditLogger(store, nil, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := a.Record(ctx, &models.NotificationEvent{Type: models.EventTest}, testPayload, models.DispatchSummary{TotalTokens: 5, SentCount: 2})
	require.NotNil(t, rec)
	assert.Equal(t, models.RecordPartiallySent, rec.Status)
}
