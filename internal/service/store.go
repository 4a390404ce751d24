package service

import (
	"context"
	"errors"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/metrics"
	"github.com/cloo-solutions/strata/internal/repository"
	"github.com/cloo-solutions/strata/internal/retry"
	"github.com/cloo-solutions/strata/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ColdStore is Tier C.
type ColdStore interface {
	Put(ctx context.Context, item *domain.KnowledgeItem) error
	Get(ctx context.Context, id string) (*domain.KnowledgeItem, error)
	Delete(ctx context.Context, id string) error
	QueryVector(ctx context.Context, vector []float32, k int, filter domain.Filter) ([]*domain.SearchResult, error)
	QueryLexical(ctx context.Context, terms []string, k int, filter domain.Filter) ([]*domain.SearchResult, error)
	RecordAccess(ctx context.Context, id string, at time.Time, window time.Duration) (*repository.AccessStats, error)
}

// WarmItems is the item materialisation side of Tier B.
type WarmItems interface {
	GetItem(ctx context.Context, itemID string) (*storage.HotItem, error)
	DeleteItem(ctx context.Context, itemID string) error
}

// TieringQueue accepts item ids for reclassification. Enqueue must not block.
type TieringQueue interface {
	Enqueue(itemID string) bool
}

type TieredStoreConfig struct {
	Window        time.Duration
	WarmThreshold int64
	HotThreshold  int64
}

// TieredStore is the item facade over the three tiers. Writes and
// searches go to Tier C; reads try the materialisations first.
type TieredStore struct {
	cold    ColdStore
	warm    WarmItems
	hot     storage.HotCache
	queue   TieringQueue
	cfg     TieredStoreConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewTieredStore(cold ColdStore, warm WarmItems, hot storage.HotCache, cfg TieredStoreConfig, mt *metrics.Metrics, logger *zap.Logger) *TieredStore {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &TieredStore{
		cold:    cold,
		warm:    warm,
		hot:     hot,
		cfg:     cfg,
		metrics: mt,
		logger:  logger.With(zap.String("component", "tiered_store")),
		now:     time.Now,
	}
}

// SetQueue connects the tiering work queue. Until it is set, accesses
// are recorded but nothing is enqueued.
func (s *TieredStore) SetQueue(q TieringQueue) {
	s.queue = q
}

// Put stores a new item in Tier C and returns its id. The item's id,
// created_at and tier are assigned here.
func (s *TieredStore) Put(ctx context.Context, item *domain.KnowledgeItem) (string, error) {
	if item == nil {
		return "", domain.ErrMissingRequiredField
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
	item.Tier = domain.TierCold
	item.AccessCount = 0
	item.LastAccessedAt = nil

	if err := domain.ValidateKnowledgeItem(item); err != nil {
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid knowledge item", err)
	}

	err := s.withRetry(ctx, "put", func(ctx context.Context) error {
		return s.cold.Put(ctx, item)
	})
	if err != nil {
		return "", err
	}

	if s.hot != nil {
		if _, err := s.hot.InvalidateTag(ctx, storage.SourceTag(item.Source)); err != nil {
			s.logger.Warn("failed to invalidate source tag", zap.String("source", item.Source), zap.Error(err))
		}
	}
	return item.ID, nil
}

// Get returns the item from the fastest tier holding it and records the
// access. Materialised copies carry no embedding.
func (s *TieredStore) Get(ctx context.Context, id string) (*domain.KnowledgeItem, error) {
	item, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, id)
	return item, nil
}

func (s *TieredStore) lookup(ctx context.Context, id string) (*domain.KnowledgeItem, error) {
	if s.hot != nil {
		data, err := s.hot.Get(ctx, storage.HotItemKey(id))
		switch {
		case err == nil:
			if h, derr := storage.DecodeHotItem(data); derr == nil {
				s.countHotHit(ctx, id)
				return h.KnowledgeItem(), nil
			}
		case !errors.Is(err, storage.ErrCacheMiss):
			s.logger.Debug("tier A read failed", zap.String("item_id", id), zap.Error(err))
		}
	}

	if s.warm != nil {
		h, err := s.warm.GetItem(ctx, id)
		switch {
		case err == nil:
			return h.KnowledgeItem(), nil
		case !errors.Is(err, storage.ErrCacheMiss):
			s.logger.Debug("tier B read failed", zap.String("item_id", id), zap.Error(err))
		}
	}

	var item *domain.KnowledgeItem
	err := s.withRetry(ctx, "get", func(ctx context.Context) error {
		var err error
		item, err = s.cold.Get(ctx, id)
		return err
	})
	return item, err
}

// countHotHit bumps the hit counter of a Tier A materialisation in place,
// keeping its expiry. An entry removed since the read is left alone.
func (s *TieredStore) countHotHit(ctx context.Context, id string) {
	_, err := s.hot.Update(ctx, storage.HotItemKey(id), 0, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return nil, storage.ErrCacheMiss
		}
		h, err := storage.DecodeHotItem(current)
		if err != nil {
			return nil, err
		}
		h.Hits++
		return storage.EncodeHotItem(h)
	})
	if err != nil && !errors.Is(err, storage.ErrCacheMiss) {
		s.logger.Debug("failed to count tier A hit", zap.String("item_id", id), zap.Error(err))
	}
}

// RecordHits records an access for every item behind a cache hit.
func (s *TieredStore) RecordHits(ctx context.Context, itemIDs []string) {
	for _, id := range itemIDs {
		s.touch(ctx, id)
	}
}

// touch bumps the access counters and queues the item once its window
// count reaches a promotion threshold.
func (s *TieredStore) touch(ctx context.Context, id string) {
	stats, err := s.cold.RecordAccess(ctx, id, s.now().UTC(), s.cfg.Window)
	if err != nil {
		if !errors.Is(err, domain.ErrItemNotFound) {
			s.logger.Debug("failed to record access", zap.String("item_id", id), zap.Error(err))
		}
		return
	}
	if s.queue == nil {
		return
	}
	if stats.WindowCount == s.cfg.WarmThreshold || stats.WindowCount == s.cfg.HotThreshold {
		if !s.queue.Enqueue(id) {
			s.logger.Debug("tiering queue full", zap.String("item_id", id))
		}
	}
}

// QueryVector and QueryLexical read Tier C only.
func (s *TieredStore) QueryVector(ctx context.Context, vector []float32, k int, filter domain.Filter) ([]*domain.SearchResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var out []*domain.SearchResult
	err := s.withRetry(ctx, "query_vector", func(ctx context.Context) error {
		var err error
		out, err = s.cold.QueryVector(ctx, vector, k, filter)
		return err
	})
	return out, err
}

func (s *TieredStore) QueryLexical(ctx context.Context, terms []string, k int, filter domain.Filter) ([]*domain.SearchResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	var out []*domain.SearchResult
	err := s.withRetry(ctx, "query_lexical", func(ctx context.Context) error {
		var err error
		out, err = s.cold.QueryLexical(ctx, terms, k, filter)
		return err
	})
	return out, err
}

// Delete hard-deletes the item and removes every derived entry: both
// materialisations and all cache entries tagged with the item.
func (s *TieredStore) Delete(ctx context.Context, id string) error {
	err := s.withRetry(ctx, "delete", func(ctx context.Context) error {
		return s.cold.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	if s.hot != nil {
		if _, err := s.hot.InvalidateTag(ctx, storage.ItemTag(id)); err != nil {
			s.logger.Warn("failed to invalidate item tag", zap.String("item_id", id), zap.Error(err))
		}
		if err := s.hot.Delete(ctx, storage.HotItemKey(id)); err != nil {
			s.logger.Warn("failed to drop tier A copy", zap.String("item_id", id), zap.Error(err))
		}
	}
	if s.warm != nil {
		if err := s.warm.DeleteItem(ctx, id); err != nil {
			s.logger.Warn("failed to drop tier B copy", zap.String("item_id", id), zap.Error(err))
		}
	}
	return nil
}

func (s *TieredStore) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, retry.StorePolicy(), isStoreUnavailable, fn, func(err error, attempt int) {
		s.metrics.StoreRetry(op)
		s.logger.Warn("store operation failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	})
}

func isStoreUnavailable(err error) bool {
	return domain.CodeOf(err) == domain.ErrCodeStoreUnavailable
}
