package services

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Deduplicator claims a key for a period. Claim returns false when the key was
// already claimed and has not expired. Release drops a claim so the key can be
// sent again.
type Deduplicator interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryDeduplicator keeps claims in process memory. Claims are not shared between
// engine instances; use the Redis repository for that.
type MemoryDeduplicator struct {
	cache *cache.Cache
}

func NewMemoryDeduplicator(defaultTTL time.Duration) *MemoryDeduplicator {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &MemoryDeduplicator{cache: cache.New(defaultTTL, defaultTTL/2)}
}

func (d *MemoryDeduplicator) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	// Add fails when a live entry exists, which makes the claim atomic.
	if err := d.cache.Add(key, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (d *MemoryDeduplicator) Release(_ context.Context, key string) error {
	d.cache.Delete(key)
	return nil
}
