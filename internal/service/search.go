package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAlpha = 0.6

	defaultSearchK             = 5
	defaultCandidateMultiplier = 4
	defaultMinCandidates       = 20
	defaultVectorTimeout       = 2 * time.Second
)

// Fallback reasons reported when ranking degrades to lexical only.
const (
	FallbackEmbeddingUnavailable = "embedding_unavailable"
	FallbackTimeout              = "timeout"
	FallbackVectorError          = "vector_error"
	FallbackNoVectorResults      = "no_vector_results"
)

// SearchStore is the read side of the tiered store.
type SearchStore interface {
	QueryVector(ctx context.Context, vector []float32, k int, filter domain.Filter) ([]*domain.SearchResult, error)
	QueryLexical(ctx context.Context, terms []string, k int, filter domain.Filter) ([]*domain.SearchResult, error)
}

type SearchConfig struct {
	DefaultK      int
	VectorTimeout time.Duration
}

// HybridSearchEngine ranks items by a weighted blend of normalised
// lexical and vector scores.
type HybridSearchEngine struct {
	store    SearchStore
	embedder EmbeddingClient
	cfg      SearchConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewHybridSearchEngine(store SearchStore, embedder EmbeddingClient, cfg SearchConfig, mt *metrics.Metrics, logger *zap.Logger) *HybridSearchEngine {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = defaultSearchK
	}
	if cfg.VectorTimeout <= 0 {
		cfg.VectorTimeout = defaultVectorTimeout
	}
	return &HybridSearchEngine{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		metrics:  mt,
		logger:   logger.With(zap.String("component", "hybrid_search")),
	}
}

// Search returns at most k results. LexicalScore and VectorScore hold the
// min-max normalised sub-scores. When the vector side yields nothing
// (embedding unavailable, timeout, store error or no hits) the ranking
// is purely lexical.
func (e *HybridSearchEngine) Search(ctx context.Context, query string, k int, filter domain.Filter, alpha float64) ([]*domain.SearchResult, error) {
	if alpha < 0 || alpha > 1 {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "alpha must be within [0,1]")
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = e.cfg.DefaultK
	}

	queryTerms := terms(query)
	if len(queryTerms) == 0 {
		return []*domain.SearchResult{}, nil
	}
	depth := max(k*defaultCandidateMultiplier, defaultMinCandidates)

	var lexical, vector []*domain.SearchResult
	var fallback string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lexical, err = e.store.QueryLexical(gctx, queryTerms, depth, filter)
		return err
	})
	if alpha > 0 && e.embedder != nil {
		g.Go(func() error {
			var err error
			vector, fallback, err = e.vectorCandidates(gctx, query, depth, filter)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if alpha > 0 && len(vector) == 0 {
		if fallback == "" {
			fallback = FallbackNoVectorResults
		}
		e.metrics.SearchFallback(fallback)
		e.logger.Debug("ranking lexical only", zap.String("reason", fallback))
		alpha = 0
	}

	return combine(lexical, vector, alpha, k), nil
}

// vectorCandidates absorbs every failure of the vector side except
// cancellation of the caller's context.
func (e *HybridSearchEngine) vectorCandidates(ctx context.Context, query string, depth int, filter domain.Filter) ([]*domain.SearchResult, string, error) {
	vctx, cancel := context.WithTimeout(ctx, e.cfg.VectorTimeout)
	defer cancel()

	embedding, err := e.embedder.GenerateEmbedding(vctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, FallbackTimeout, nil
		}
		if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
			e.logger.Warn("embedding failed", zap.Error(err))
		}
		return nil, FallbackEmbeddingUnavailable, nil
	}

	results, err := e.store.QueryVector(vctx, embedding, depth, filter)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if domain.IsCallerError(err) {
			return nil, "", err
		}
		if errors.Is(err, context.DeadlineExceeded) || vctx.Err() != nil {
			return nil, FallbackTimeout, nil
		}
		e.logger.Warn("vector query failed", zap.Error(err))
		return nil, FallbackVectorError, nil
	}
	return results, "", nil
}

// combine merges both candidate lists, normalises each to [0,1] and
// ranks by alpha*vector + (1-alpha)*lexical. Ties go to the newer item,
// then to the smaller id.
func combine(lexical, vector []*domain.SearchResult, alpha float64, k int) []*domain.SearchResult {
	merged := make(map[string]*domain.SearchResult, len(lexical)+len(vector))
	get := func(r *domain.SearchResult) *domain.SearchResult {
		if m, ok := merged[r.ItemID]; ok {
			return m
		}
		m := &domain.SearchResult{ItemID: r.ItemID, CreatedAt: r.CreatedAt, Item: r.Item}
		merged[r.ItemID] = m
		return m
	}

	lexNorm := normalize(lexical, func(r *domain.SearchResult) float64 { return r.LexicalScore })
	for i, r := range lexical {
		get(r).LexicalScore = lexNorm[i]
	}
	if alpha > 0 {
		vecNorm := normalize(vector, func(r *domain.SearchResult) float64 { return r.VectorScore })
		for i, r := range vector {
			get(r).VectorScore = vecNorm[i]
		}
	}

	out := make([]*domain.SearchResult, 0, len(merged))
	for _, r := range merged {
		r.CombinedScore = alpha*r.VectorScore + (1-alpha)*r.LexicalScore
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// normalize applies min-max scaling. A list whose scores are all equal
// maps to 1.0.
func normalize(results []*domain.SearchResult, score func(*domain.SearchResult) float64) []float64 {
	out := make([]float64, len(results))
	if len(results) == 0 {
		return out
	}
	lo, hi := score(results[0]), score(results[0])
	for _, r := range results[1:] {
		s := score(r)
		lo = min(lo, s)
		hi = max(hi, s)
	}
	for i, r := range results {
		if hi == lo {
			out[i] = 1
			continue
		}
		out[i] = (score(r) - lo) / (hi - lo)
	}
	return out
}
