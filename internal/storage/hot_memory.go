package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	tags      []string
	expiresAt time.Time
}

// MemoryHotCache is an in-process HotCache. Its clock is injectable so
// TTL behaviour can be tested without sleeping.
type MemoryHotCache struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	tags    map[string]map[string]struct{}
	now     func() time.Time
}

// NewMemoryHotCache creates an empty cache. A nil clock uses time.Now.
func NewMemoryHotCache(now func() time.Time) *MemoryHotCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryHotCache{
		entries: make(map[string]*memoryEntry),
		tags:    make(map[string]map[string]struct{}),
		now:     now,
	}
}

// live returns the entry if present and unexpired. Caller holds mu.
func (c *MemoryHotCache) live(key string) (*memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	return e, true
}

func (c *MemoryHotCache) removeLocked(key string) bool {
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	for _, tag := range e.tags {
		if members := c.tags[tag]; members != nil {
			delete(members, key)
			if len(members) == 0 {
				delete(c.tags, tag)
			}
		}
	}
	delete(c.entries, key)
	return true
}

func (c *MemoryHotCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.live(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (c *MemoryHotCache) Set(_ context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("hot cache set %q: ttl must be positive", key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	c.storeLocked(key, value, dedupe(tags), c.now().Add(ttl))
	return nil
}

func (c *MemoryHotCache) storeLocked(key string, value []byte, tags []string, expiresAt time.Time) {
	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries[key] = &memoryEntry{value: stored, tags: tags, expiresAt: expiresAt}
	for _, tag := range tags {
		members := c.tags[tag]
		if members == nil {
			members = make(map[string]struct{})
			c.tags[tag] = members
		}
		members[key] = struct{}{}
	}
}

func (c *MemoryHotCache) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.live(key)
	var current []byte
	var tags []string
	expiresAt := c.now().Add(ttl)
	if found {
		current = e.value
		tags = e.tags
		if ttl <= 0 {
			expiresAt = e.expiresAt
		}
	} else if ttl <= 0 {
		return nil, fmt.Errorf("hot cache update %q: ttl required for new key: %w", key, ErrCacheMiss)
	}

	next, err := fn(current, found)
	if err != nil {
		return nil, err
	}

	c.removeLocked(key)
	c.storeLocked(key, next, tags, expiresAt)
	return next, nil
}

func (c *MemoryHotCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		c.removeLocked(key)
	}
	return nil
}

func (c *MemoryHotCache) InvalidateTag(_ context.Context, tag string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int64
	for key := range c.tags[tag] {
		if _, ok := c.live(key); ok {
			c.removeLocked(key)
			removed++
		}
	}
	delete(c.tags, tag)
	return removed, nil
}

// Len reports the number of unexpired entries.
func (c *MemoryHotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if _, ok := c.live(key); ok {
			n++
		}
	}
	return n
}
