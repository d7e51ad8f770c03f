package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPageSize = 500

// TokenStore is the durable registry of device tokens.
type TokenStore struct {
	db       *gorm.DB
	pageSize int
	now      func() time.Time
}

func NewTokenStore(db *gorm.DB, pageSize int) *TokenStore {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &TokenStore{
		db:       db,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// RegisterOrRefresh upserts a token. An existing token string is re-activated,
// has its lastSeen refreshed and is re-owned by userID, so a token never belongs
// to two users at once.
func (s *TokenStore) RegisterOrRefresh(ctx context.Context, userID string, platform models.Platform, token string) (*models.DeviceToken, error) {
	userID = strings.TrimSpace(userID)
	token = strings.TrimSpace(token)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", models.ErrValidation)
	}
	p, err := models.ParsePlatform(string(platform))
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rec := models.DeviceToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Platform:  p,
		Token:     token,
		IsActive:  true,
		LastSeen:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "platform", "is_active", "last_seen", "updated_at"}),
		}).Create(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("upsert device token: %w", err)
	}

	var stored models.DeviceToken
	if err := s.db.WithContext(ctx).Where("token = ?", token).Take(&stored).Error; err != nil {
		return nil, fmt.Errorf("reload device token: %w", err)
	}
	return &stored, nil
}

// ActiveTokensFor returns a user's active tokens, optionally restricted to platforms.
func (s *TokenStore) ActiveTokensFor(ctx context.Context, userID string, platforms ...models.Platform) ([]models.DeviceToken, error) {
	q := s.db.WithContext(ctx).Where("user_id = ? AND is_active = ?", userID, true)
	if len(platforms) > 0 {
		q = q.Where("platform IN ?", platforms)
	}
	var tokens []models.DeviceToken
	if err := q.Order("id").Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("query active tokens: %w", err)
	}
	return tokens, nil
}

// ActiveTokensForAll streams every active token of a platform in id order.
// Tokens are read page by page, so a broadcast never holds the full table in memory.
// Each call to the returned sequence starts again from the first page.
func (s *TokenStore) ActiveTokensForAll(ctx context.Context, platform models.Platform) iter.Seq2[models.DeviceToken, error] {
	return func(yield func(models.DeviceToken, error) bool) {
		after := ""
		for {
			var page []models.DeviceToken
			err := s.db.WithContext(ctx).
				Where("platform = ? AND is_active = ? AND id > ?", platform, true, after).
				Order("id").
				Limit(s.pageSize).
				Find(&page).Error
			if err != nil {
				yield(models.DeviceToken{}, fmt.Errorf("page active tokens: %w", err))
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// CountActive returns the number of active tokens on the given platforms.
func (s *TokenStore) CountActive(ctx context.Context, platforms ...models.Platform) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.DeviceToken{}).Where("is_active = ?", true)
	if len(platforms) > 0 {
		q = q.Where("platform IN ?", platforms)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count active tokens: %w", err)
	}
	return n, nil
}

// CountActiveByPlatform returns active token counts keyed by platform.
func (s *TokenStore) CountActiveByPlatform(ctx context.Context) (map[models.Platform]int64, error) {
	var rows []struct {
		Platform models.Platform
		Count    int64
	}
	err := s.db.WithContext(ctx).Model(&models.DeviceToken{}).
		Select("platform, count(*) as count").
		Where("is_active = ?", true).
		Group("platform").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count tokens by platform: %w", err)
	}
	out := make(map[models.Platform]int64, len(models.AllPlatforms))
	for _, p := range models.AllPlatforms {
		out[p] = 0
	}
	for _, r := range rows {
		out[r.Platform] = r.Count
	}
	return out, nil
}

// Deactivate flips a token to inactive with a conditional update. It reports whether
// this call performed the transition; deactivating an inactive or unknown token is a no-op.
func (s *TokenStore) Deactivate(ctx context.Context, tokenID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.DeviceToken{}).
		Where("id = ? AND is_active = ?", tokenID, true).
		Updates(map[string]any{"is_active": false, "updated_at": s.now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("deactivate token: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Touch refreshes lastSeen for an active token after a successful send.
func (s *TokenStore) Touch(ctx context.Context, tokenID string) error {
	err := s.db.WithContext(ctx).Model(&models.DeviceToken{}).
		Where("id = ? AND is_active = ?", tokenID, true).
		Update("last_seen", s.now().UTC()).Error
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}

// Get returns a token by id regardless of its state.
func (s *TokenStore) Get(ctx context.Context, tokenID string) (*models.DeviceToken, error) {
	var t models.DeviceToken
	err := s.db.WithContext(ctx).Where("id = ?", tokenID).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("token %s: %w", tokenID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}
