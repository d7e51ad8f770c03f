// Package repotest provides isolated in-memory databases for tests.
package repotest

import (
	"testing"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a private in-memory SQLite database with the engine schema and a users table.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection serialises writers and keeps the shared-cache database alive.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repository.Migrate(db))
	require.NoError(t, db.AutoMigrate(&models.User{}))
	return db
}
