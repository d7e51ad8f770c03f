package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStore_CreateAndStats(t *testing.T) {
	t.Parallel()

	store := repository.NewRecordStore(repotest.NewDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	old := &models.NotificationRecord{
		Title: "old", Body: "b", Type: models.EventTest,
		SentCount: 5, FailedCount: 5, Status: models.RecordPartiallySent,
		CreatedAt: now.Add(-48 * time.Hour),
	}
	fresh := &models.NotificationRecord{
		Title: "fresh", Body: "b", Type: models.EventFollow,
		SentCount: 2, FailedCount: 1, Status: models.RecordPartiallySent,
		Data: map[string]interface{}{"type": "follow"},
	}
	require.NoError(t, store.Create(ctx, old))
	require.NoError(t, store.Create(ctx, fresh))
	assert.NotEmpty(t, fresh.ID)
	assert.False(t, fresh.CreatedAt.IsZero())

	stats, err := store.StatsSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, repository.RecordStats{Notifications: 1, Sent: 2, Failed: 1}, stats)

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "fresh", recent[0].Title)
	assert.Equal(t, "follow", recent[0].Data["type"])
}

func TestUserStore_FindUser(t *testing.T) {
	t.Parallel()

	db := repotest.NewDB(t)
	require.NoError(t, db.Create(&models.User{ID: "user-1", Email: "a@example.com"}).Error)
	store := repository.NewUserStore(db, "")

	u, err := store.FindUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)

	_, err = store.FindUser(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
