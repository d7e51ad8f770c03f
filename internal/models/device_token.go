package models

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies the operating environment a device token was issued for.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// APNsReservedKey is the top-level APNs payload key that carries the alert.
// Custom data may not use it.
const APNsReservedKey = "aps"

// AllPlatforms lists every platform in dispatch order.
var AllPlatforms = []Platform{PlatformIOS, PlatformAndroid, PlatformWeb}

// ParsePlatform normalizes a platform string to one of the supported values.
func ParsePlatform(raw string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(raw))); p {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown platform %q", ErrValidation, raw)
	}
}

// Valid reports whether p is one of the enumerated platforms.
func (p Platform) Valid() bool {
	_, err := ParsePlatform(string(p))
	return err == nil
}

// DeviceToken represents one app installation that can receive push notifications.
// Rows are soft-deactivated, never deleted, by the delivery engine.
type DeviceToken struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"index;not null"`
	Platform  Platform  `json:"platform" gorm:"size:16;index;not null"`
	Token     string    `json:"-" gorm:"uniqueIndex;not null"`
	IsActive  bool      `json:"is_active" gorm:"index;not null;default:true"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenPrefix returns a short, log-safe prefix of the token string.
func (t DeviceToken) TokenPrefix() string {
	const n = 8
	if len(t.Token) <= n {
		return t.Token
	}
	return t.Token[:n] + "..."
}
