package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "strata:"
	maxCASRetries    = 5
)

// setWithTags stores the value and adds the key to every tag set. A tag
// set's expiry is only ever extended so it outlives all of its members.
var setWithTags = redis.NewScript(`
local ttl = tonumber(ARGV[2])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
for i = 2, #KEYS do
  redis.call('SADD', KEYS[i], KEYS[1])
  local cur = redis.call('PTTL', KEYS[i])
  if cur < ttl then
    redis.call('PEXPIRE', KEYS[i], ARGV[2])
  end
end
return 1
`)

// invalidateTag deletes every member of a tag set and the set itself,
// returning how many live entries were removed.
var invalidateTag = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local removed = 0
for _, k in ipairs(members) do
  removed = removed + redis.call('DEL', k)
end
redis.call('DEL', KEYS[1])
return removed
`)

// RedisHotCache is the Redis implementation of HotCache.
type RedisHotCache struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisHotCache wraps an existing client. prefix defaults to "strata:".
func NewRedisHotCache(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisHotCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisHotCache{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "hot_cache")),
	}
}

func (c *RedisHotCache) entryKey(key string) string { return c.prefix + "hot:" + key }
func (c *RedisHotCache) tagKey(tag string) string   { return c.prefix + "tag:" + tag }

func (c *RedisHotCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("hot cache get: %w", err)
	}
	return val, nil
}

func (c *RedisHotCache) Set(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("hot cache set %q: ttl must be positive", key)
	}
	keys := make([]string, 0, len(tags)+1)
	keys = append(keys, c.entryKey(key))
	for _, tag := range dedupe(tags) {
		keys = append(keys, c.tagKey(tag))
	}
	if err := setWithTags.Run(ctx, c.client, keys, value, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("hot cache set: %w", err)
	}
	return nil
}

// Update performs an optimistic read-modify-write on one key, retrying
// when a concurrent writer touches the key between read and write. A
// non-positive ttl keeps the key's current expiry.
func (c *RedisHotCache) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error) {
	k := c.entryKey(key)
	var result []byte

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			found = false
		} else if err != nil {
			return err
		}
		if !found && ttl <= 0 {
			return fmt.Errorf("ttl required for new key %q: %w", key, ErrCacheMiss)
		}

		next, err := fn(current, found)
		if err != nil {
			return err
		}

		keepTTL := ttl <= 0
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if keepTTL {
				pipe.SetArgs(ctx, k, next, redis.SetArgs{KeepTTL: true})
			} else {
				pipe.Set(ctx, k, next, ttl)
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxCASRetries; i++ {
		err := c.client.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			c.logger.Debug("hot cache update conflict, retrying", zap.String("key", key), zap.Int("attempt", i+1))
			continue
		}
		return nil, fmt.Errorf("hot cache update: %w", err)
	}
	return nil, fmt.Errorf("hot cache update %q: too many concurrent writers", key)
}

func (c *RedisHotCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.entryKey(k)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("hot cache delete: %w", err)
	}
	return nil
}

func (c *RedisHotCache) InvalidateTag(ctx context.Context, tag string) (int64, error) {
	n, err := invalidateTag.Run(ctx, c.client, []string{c.tagKey(tag)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("hot cache invalidate tag %q: %w", tag, err)
	}
	c.logger.Debug("invalidated tag", zap.String("tag", tag), zap.Int64("removed", n))
	return n, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
