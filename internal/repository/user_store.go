package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"gorm.io/gorm"
)

// UserStore reads user identity from the content store. The engine never writes to it.
type UserStore struct {
	db        *gorm.DB
	tableName string
}

func NewUserStore(db *gorm.DB, tableName string) *UserStore {
	if tableName == "" {
		tableName = "users"
	}
	return &UserStore{db: db, tableName: tableName}
}

// FindUser returns the user with the given id or models.ErrNotFound.
func (s *UserStore) FindUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).Table(s.tableName).Select("id, email").Where("id = ?", id).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}
