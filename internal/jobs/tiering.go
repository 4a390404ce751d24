package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/metrics"
	"github.com/cloo-solutions/strata/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TieringRules are the promotion and demotion thresholds.
type TieringRules struct {
	HotThreshold  int64
	WarmThreshold int64
	Window        time.Duration
	IdleWindow    time.Duration
}

type TieringConfig struct {
	TieringRules
	HotBaseTTL time.Duration
	HotMaxTTL  time.Duration
	WarmTTL    time.Duration
	QueueSize  int
	BatchSize  int
}

var tierRank = map[domain.Tier]int{domain.TierCold: 0, domain.TierWarm: 1, domain.TierHot: 2}

// TargetTier classifies an item from its access state alone. Promotion
// follows the access count inside the current window; demotion to cold
// happens only after IdleWindow without any access. Applying it to its
// own result changes nothing.
func TargetTier(current domain.Tier, windowCount int64, windowStart, lastAccessed *time.Time, now time.Time, r TieringRules) domain.Tier {
	if !domain.IsValidTier(current) {
		current = domain.TierCold
	}
	count := int64(0)
	if windowStart != nil && now.Sub(*windowStart) < r.Window {
		count = windowCount
	}

	byCount := domain.TierCold
	switch {
	case count >= r.HotThreshold:
		byCount = domain.TierHot
	case count >= r.WarmThreshold:
		byCount = domain.TierWarm
	}

	if tierRank[byCount] > tierRank[current] {
		return byCount
	}
	if current != domain.TierCold && byCount == domain.TierCold &&
		(lastAccessed == nil || now.Sub(*lastAccessed) >= r.IdleWindow) {
		return domain.TierCold
	}
	return current
}

// HotTTL grows with access frequency: base per access in the window,
// capped at maxTTL.
func HotTTL(windowCount int64, base, maxTTL time.Duration) time.Duration {
	if windowCount < 1 {
		windowCount = 1
	}
	ttl := base * time.Duration(windowCount)
	if ttl > maxTTL || ttl <= 0 {
		return maxTTL
	}
	return ttl
}

// TieringItems is the Tier C side of reclassification.
type TieringItems interface {
	Get(ctx context.Context, id string) (*domain.KnowledgeItem, error)
	UpdateTier(ctx context.Context, id string, tier domain.Tier) error
	ListTieringCandidates(ctx context.Context, afterID string, limit int) ([]string, error)
}

// WarmMaterializer is the Tier B side of reclassification.
type WarmMaterializer interface {
	PutItem(ctx context.Context, item *storage.HotItem, ttl time.Duration) error
	DeleteItem(ctx context.Context, itemID string) error
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Promoted  int `json:"promoted"`
	Demoted   int `json:"demoted"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// TieringManager moves items between tiers. Work arrives from periodic
// sweeps and from the access path through Enqueue; both are served one
// item at a time, so no lock is held across items.
type TieringManager struct {
	items   TieringItems
	hot     storage.HotCache
	warm    WarmMaterializer
	cfg     TieringConfig
	queue   chan string
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

func NewTieringManager(items TieringItems, hot storage.HotCache, warm WarmMaterializer, cfg TieringConfig, mt *metrics.Metrics, logger *zap.Logger) *TieringManager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.HotBaseTTL <= 0 {
		cfg.HotBaseTTL = 10 * time.Minute
	}
	if cfg.HotMaxTTL < cfg.HotBaseTTL {
		cfg.HotMaxTTL = cfg.HotBaseTTL
	}
	if cfg.WarmTTL <= 0 {
		cfg.WarmTTL = 24 * time.Hour
	}
	return &TieringManager{
		items:   items,
		hot:     hot,
		warm:    warm,
		cfg:     cfg,
		queue:   make(chan string, cfg.QueueSize),
		metrics: mt,
		logger:  logger.With(zap.String("component", "tiering")),
		now:     time.Now,
	}
}

// Enqueue schedules an item for reclassification. It never blocks; a
// full queue drops the id and the next sweep picks the item up.
func (m *TieringManager) Enqueue(itemID string) bool {
	select {
	case m.queue <- itemID:
		return true
	default:
		m.logger.Debug("tiering queue full, deferring to sweep", zap.String("item_id", itemID))
		return false
	}
}

// Run serves the queue until ctx is done.
func (m *TieringManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			if _, _, err := m.Reclassify(ctx, id); err != nil && ctx.Err() == nil {
				m.logger.Warn("reclassification failed", zap.String("item_id", id), zap.Error(err))
			}
		}
	}
}

// ProcessJobs runs a sweep; it lets a Worker drive the manager.
func (m *TieringManager) ProcessJobs(ctx context.Context) error {
	_, err := m.Sweep(ctx)
	return err
}

// Sweep reclassifies every candidate item. A scanner pages candidate
// ids into a bounded channel; the caller's goroutine works through them.
// Per-item failures are counted and the sweep continues.
func (m *TieringManager) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	ids := make(chan string, m.cfg.BatchSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ids)
		after := ""
		for {
			page, err := m.items.ListTieringCandidates(gctx, after, m.cfg.BatchSize)
			if err != nil {
				return err
			}
			for _, id := range page {
				select {
				case ids <- id:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if len(page) < m.cfg.BatchSize {
				return nil
			}
			after = page[len(page)-1]
		}
	})

	for id := range ids {
		report.Scanned++
		from, to, err := m.Reclassify(gctx, id)
		switch {
		case err != nil:
			report.Failed++
			m.logger.Warn("reclassification failed", zap.String("item_id", id), zap.Error(err))
		case tierRank[to] > tierRank[from]:
			report.Promoted++
		case tierRank[to] < tierRank[from]:
			report.Demoted++
		default:
			report.Unchanged++
		}
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	m.logger.Info("tiering sweep complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("promoted", report.Promoted),
		zap.Int("demoted", report.Demoted),
		zap.Int("failed", report.Failed))
	return report, nil
}

// Reclassify moves one item to its target tier. Materialisations are
// written or removed before the tier column changes, so a failure
// leaves the recorded tier as it was.
func (m *TieringManager) Reclassify(ctx context.Context, id string) (from, to domain.Tier, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.items.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrItemNotFound) {
			m.dematerialize(ctx, id)
		}
		return "", "", err
	}

	now := m.now()
	from = item.Tier
	to = TargetTier(from, item.WindowCount, item.WindowStart, item.LastAccessedAt, now, m.cfg.TieringRules)

	switch to {
	case domain.TierHot:
		err = m.materializeHot(ctx, item, now)
	case domain.TierWarm:
		err = m.materializeWarm(ctx, item, now)
	default:
		err = m.dematerialize(ctx, id)
	}
	if err != nil {
		return from, from, err
	}

	if to != from {
		if err := m.items.UpdateTier(ctx, id, to); err != nil {
			return from, from, err
		}
		m.metrics.TieringMove(string(from), string(to))
		m.logger.Debug("item moved", zap.String("item_id", id), zap.String("from", string(from)), zap.String("to", string(to)))
	}
	return from, to, nil
}

// materializeHot writes the Tier A snapshot. Hits served from a previous
// snapshot carry over and count toward the TTL alongside the window count.
func (m *TieringManager) materializeHot(ctx context.Context, item *domain.KnowledgeItem, now time.Time) error {
	snap := storage.NewHotItem(item, domain.TierHot, now)
	if item.Tier == domain.TierHot {
		if prev, err := m.hot.Get(ctx, storage.HotItemKey(item.ID)); err == nil {
			if h, derr := storage.DecodeHotItem(prev); derr == nil {
				snap.Hits = h.Hits
			}
		}
	}
	data, err := storage.EncodeHotItem(snap)
	if err != nil {
		return err
	}
	count := int64(0)
	if item.WindowStart != nil && now.Sub(*item.WindowStart) < m.cfg.Window {
		count = item.WindowCount
	}
	ttl := HotTTL(max(count, snap.Hits), m.cfg.HotBaseTTL, m.cfg.HotMaxTTL)
	if err := m.hot.Set(ctx, storage.HotItemKey(item.ID), data, []string{storage.ItemTag(item.ID)}, ttl); err != nil {
		return err
	}
	return m.warm.DeleteItem(ctx, item.ID)
}

func (m *TieringManager) materializeWarm(ctx context.Context, item *domain.KnowledgeItem, now time.Time) error {
	if err := m.warm.PutItem(ctx, storage.NewHotItem(item, domain.TierWarm, now), m.cfg.WarmTTL); err != nil {
		return err
	}
	return m.hot.Delete(ctx, storage.HotItemKey(item.ID))
}

func (m *TieringManager) dematerialize(ctx context.Context, id string) error {
	if err := m.hot.Delete(ctx, storage.HotItemKey(id)); err != nil {
		return err
	}
	return m.warm.DeleteItem(ctx, id)
}
