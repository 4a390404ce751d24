// Package cache implements the cache manager in front of Tier A: keyed
// get-or-compute with single-flight, TTLs and tag invalidation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloo-solutions/strata/internal/metrics"
	"github.com/cloo-solutions/strata/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL applies when a call passes a non-positive ttl.
const DefaultTTL = time.Hour

// Value is what a cache entry stores: an opaque payload and the ids of
// the items it was derived from. Tags set by compute are added to the
// entry's tag set alongside the caller's.
type Value struct {
	Data    []byte   `json:"data"`
	ItemIDs []string `json:"item_ids,omitempty"`
	Tags    []string `json:"-"`
}

// ComputeFunc produces the value for a missing key.
type ComputeFunc func(ctx context.Context) (Value, error)

// HitRecorder receives the item ids behind every cache hit. It is the
// promotion signal for the tiering manager and must not fail the lookup.
type HitRecorder interface {
	RecordHits(ctx context.Context, itemIDs []string)
}

// Manager is safe for concurrent use.
type Manager struct {
	hot        storage.HotCache
	flight     singleflight.Group
	defaultTTL time.Duration
	recorder   HitRecorder
	metrics    *metrics.Metrics
	logger     *zap.Logger
	window     *hitWindow
}

type Option func(*Manager)

func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

func WithHitRecorder(r HitRecorder) Option {
	return func(m *Manager) { m.recorder = r }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(hot storage.HotCache, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		hot:        hot,
		defaultTTL: DefaultTTL,
		logger:     logger.With(zap.String("component", "cache")),
		window:     newHitWindow(statsWindow),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHitRecorder wires the recorder after construction; the recorder
// usually depends on services built from this manager.
func (m *Manager) SetHitRecorder(r HitRecorder) {
	m.recorder = r
}

// GetOrCompute returns the cached value for key, or computes, stores and
// returns it. At most one compute per key is in flight; concurrent
// callers share its result. hit reports whether the value came from the
// cache without computing.
func (m *Manager) GetOrCompute(ctx context.Context, key string, tags []string, ttl time.Duration, compute ComputeFunc) (Value, bool, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	if v, ok := m.lookup(ctx, key); ok {
		m.hit(ctx, v)
		return v, true, nil
	}

	for attempt := 0; ; attempt++ {
		ch := m.flight.DoChan(key, func() (any, error) {
			return m.fill(ctx, key, tags, ttl, compute)
		})

		select {
		case <-ctx.Done():
			m.miss()
			return Value{}, false, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				// The flight ran under another caller's context; if that
				// caller went away, try once more under ours.
				if res.Shared && isContextErr(res.Err) && ctx.Err() == nil && attempt == 0 {
					continue
				}
				m.miss()
				return Value{}, false, res.Err
			}
			f := res.Val.(filled)
			if f.cached {
				m.hit(ctx, f.value)
				return f.value, true, nil
			}
			m.miss()
			return f.value, false, nil
		}
	}
}

// Lookup returns the cached value for key without computing on a miss.
// It counts toward Stats and records hits like GetOrCompute.
func (m *Manager) Lookup(ctx context.Context, key string) (Value, bool) {
	if v, ok := m.lookup(ctx, key); ok {
		m.hit(ctx, v)
		return v, true
	}
	m.miss()
	return Value{}, false
}

// filled is the outcome of one flight; cached is set when another
// flight stored the key between our lookup and the fill.
type filled struct {
	value  Value
	cached bool
}

func (m *Manager) fill(ctx context.Context, key string, tags []string, ttl time.Duration, compute ComputeFunc) (filled, error) {
	if v, ok := m.lookup(ctx, key); ok {
		return filled{value: v, cached: true}, nil
	}

	v, err := compute(ctx)
	if err != nil {
		return filled{}, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return filled{}, fmt.Errorf("encode cache value: %w", err)
	}
	allTags := make([]string, 0, len(tags)+len(v.Tags)+len(v.ItemIDs))
	allTags = append(allTags, tags...)
	allTags = append(allTags, v.Tags...)
	for _, id := range v.ItemIDs {
		allTags = append(allTags, storage.ItemTag(id))
	}
	if err := m.hot.Set(ctx, key, data, allTags, ttl); err != nil {
		m.logger.Warn("cache store failed, serving uncached value", zap.String("key", key), zap.Error(err))
	}
	return filled{value: v}, nil
}

func (m *Manager) lookup(ctx context.Context, key string) (Value, bool) {
	data, err := m.hot.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrCacheMiss) {
			m.logger.Warn("cache lookup failed, computing", zap.String("key", key), zap.Error(err))
		}
		return Value{}, false
	}
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		m.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = m.hot.Delete(ctx, key)
		return Value{}, false
	}
	return v, true
}

func (m *Manager) miss() {
	m.window.record(false)
	m.metrics.CacheMiss()
}

func (m *Manager) hit(ctx context.Context, v Value) {
	m.window.record(true)
	m.metrics.CacheHit()
	if m.recorder != nil && len(v.ItemIDs) > 0 {
		m.recorder.RecordHits(ctx, v.ItemIDs)
	}
}

// InvalidateByTag removes every entry carrying tag and returns how many.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) (int64, error) {
	n, err := m.hot.InvalidateTag(ctx, tag)
	if err != nil {
		return 0, fmt.Errorf("invalidate tag %q: %w", tag, err)
	}
	m.metrics.CacheInvalidated(n)
	m.logger.Info("invalidated cache entries", zap.String("tag", tag), zap.Int64("count", n))
	return n, nil
}

// Invalidate removes specific keys.
func (m *Manager) Invalidate(ctx context.Context, keys ...string) error {
	return m.hot.Delete(ctx, keys...)
}

// Stats returns the hit rate over the most recent lookups. ok is false
// until enough lookups have been observed to be meaningful.
func (m *Manager) Stats() (hitRate float64, ok bool) {
	return m.window.rate()
}

// Key derives a deterministic cache key from a request. The query is
// lower-cased with whitespace collapsed; filter pairs are sorted.
func Key(namespace, query string, filter map[string]any, extras ...string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeQuery(query)))
	h.Write([]byte{0})

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v\x00", k, filter[k])
	}
	for _, e := range extras {
		h.Write([]byte(e))
		h.Write([]byte{0})
	}
	return namespace + ":" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeQuery lower-cases text and collapses runs of whitespace.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// GetOrComputeJSON is GetOrCompute for JSON-encodable payloads. compute
// returns the payload and the ids of the items it depends on.
func GetOrComputeJSON[T any](ctx context.Context, m *Manager, key string, tags []string, ttl time.Duration,
	compute func(ctx context.Context) (T, []string, error)) (T, bool, error) {
	var zero T
	v, hit, err := m.GetOrCompute(ctx, key, tags, ttl, func(ctx context.Context) (Value, error) {
		payload, itemIDs, err := compute(ctx)
		if err != nil {
			return Value{}, err
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return Value{}, fmt.Errorf("encode cached payload: %w", err)
		}
		return Value{Data: data, ItemIDs: itemIDs}, nil
	})
	if err != nil {
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal(v.Data, &out); err != nil {
		return zero, false, fmt.Errorf("decode cached payload: %w", err)
	}
	return out, hit, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
