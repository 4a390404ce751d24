// Package storage implements the Redis-backed hot and warm tiers and the
// S3 document archive.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// UpdateFunc receives the current value (found=false when absent) and
// returns the value to store.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// HotCache is Tier A: a key-value cache with TTL and tag-based
// invalidation. Implementations apply each write, including its tag
// bookkeeping, atomically per key.
type HotCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	InvalidateTag(ctx context.Context, tag string) (int64, error)
}

// ItemTag is the tag carried by every cache entry derived from an item.
func ItemTag(itemID string) string {
	return "item:" + itemID
}

// HotItemKey is the Tier A key of an item materialised by promotion.
func HotItemKey(itemID string) string {
	return "item:" + itemID
}

// SourceTag is carried by cache entries derived from items of source.
func SourceTag(source string) string {
	return "source:" + source
}
