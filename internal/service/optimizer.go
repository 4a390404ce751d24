package service

import (
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
)

// RetrievalStrategy names how a request is answered.
type RetrievalStrategy string

const (
	// StrategyCacheOnly reads Tier A under the same key a hybrid plan
	// would use. A miss runs a lexical-only Tier C query, so no
	// embedding call is spent, and its result is not cached.
	StrategyCacheOnly RetrievalStrategy = "cache_only"
	StrategyHybrid    RetrievalStrategy = "hybrid"
	// StrategyFullScan bypasses the cache and searches deeper.
	StrategyFullScan RetrievalStrategy = "full_scan"
)

// ExecutionPlan is the optimizer's decision for one request. Alpha and
// K shape both the search and the cache key. TiersToScan lists TierHot
// when Tier A may answer and TierCold when Tier C may be queried.
type ExecutionPlan struct {
	Strategy      RetrievalStrategy
	UseCache      bool
	Alpha         float64
	K             int
	TiersToScan   []domain.Tier
	LexicalOnMiss bool
}

// Scans reports whether tier is part of the plan.
func (p ExecutionPlan) Scans(tier domain.Tier) bool {
	for _, t := range p.TiersToScan {
		if t == tier {
			return true
		}
	}
	return false
}

// CacheStats is the recent hit rate of the cache manager. OK is false
// when too few lookups were observed.
type CacheStats struct {
	HitRate float64
	OK      bool
}

type OptimizerConfig struct {
	DefaultK       int
	DefaultAlpha   float64
	TightBudget    time.Duration
	GenerousBudget time.Duration
	HighHitRate    float64
	LowHitRate     float64
	ShortQuery     int
	LongQuery      int
	ShortAlpha     float64
	LongAlpha      float64
}

func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		DefaultK:       defaultSearchK,
		DefaultAlpha:   DefaultAlpha,
		TightBudget:    200 * time.Millisecond,
		GenerousBudget: 3 * time.Second,
		HighHitRate:    0.8,
		LowHitRate:     0.2,
		ShortQuery:     3,
		LongQuery:      12,
		ShortAlpha:     0.3,
		LongAlpha:      0.7,
	}
}

// QueryOptimizer has no state beyond its configuration.
type QueryOptimizer struct {
	cfg OptimizerConfig
}

func NewQueryOptimizer(cfg OptimizerConfig) *QueryOptimizer {
	def := DefaultOptimizerConfig()
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = def.DefaultK
	}
	if cfg.DefaultAlpha < 0 || cfg.DefaultAlpha > 1 {
		cfg.DefaultAlpha = def.DefaultAlpha
	}
	return &QueryOptimizer{cfg: cfg}
}

// Conservative is the plan used when no statistics are available.
func (o *QueryOptimizer) Conservative() ExecutionPlan {
	return ExecutionPlan{
		Strategy:    StrategyHybrid,
		UseCache:    true,
		Alpha:       o.cfg.DefaultAlpha,
		K:           o.cfg.DefaultK,
		TiersToScan: []domain.Tier{domain.TierHot, domain.TierCold},
	}
}

// Plan decides from the query length, the latency budget (zero means
// none declared) and the cache statistics alone.
func (o *QueryOptimizer) Plan(query string, budget time.Duration, stats CacheStats) ExecutionPlan {
	if !stats.OK {
		return o.Conservative()
	}

	plan := o.Conservative()
	plan.Alpha = o.alphaFor(len(terms(query)))

	switch {
	case budget > 0 && budget <= o.cfg.TightBudget && stats.HitRate >= o.cfg.HighHitRate:
		plan.Strategy = StrategyCacheOnly
		plan.LexicalOnMiss = true
	case (budget <= 0 || budget >= o.cfg.GenerousBudget) && stats.HitRate < o.cfg.LowHitRate:
		plan.Strategy = StrategyFullScan
		plan.UseCache = false
		plan.K = o.cfg.DefaultK * 2
		plan.TiersToScan = []domain.Tier{domain.TierCold}
	}
	return plan
}

func (o *QueryOptimizer) alphaFor(termCount int) float64 {
	switch {
	case termCount <= o.cfg.ShortQuery:
		return o.cfg.ShortAlpha
	case termCount >= o.cfg.LongQuery:
		return o.cfg.LongAlpha
	}
	return o.cfg.DefaultAlpha
}
