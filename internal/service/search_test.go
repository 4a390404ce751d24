package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockSearchStore mocks the Tier C read side
type MockSearchStore struct {
	mock.Mock
}

func (m *MockSearchStore) QueryVector(ctx context.Context, vector []float32, k int, filter domain.Filter) ([]*domain.SearchResult, error) {
	args := m.Called(ctx, vector, k, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SearchResult), args.Error(1)
}

func (m *MockSearchStore) QueryLexical(ctx context.Context, queryTerms []string, k int, filter domain.Filter) ([]*domain.SearchResult, error) {
	args := m.Called(ctx, queryTerms, k, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SearchResult), args.Error(1)
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func lexHit(id string, score float64, age time.Duration) *domain.SearchResult {
	return &domain.SearchResult{ItemID: id, LexicalScore: score, CreatedAt: t0.Add(-age)}
}

func vecHit(id string, score float64, age time.Duration) *domain.SearchResult {
	return &domain.SearchResult{ItemID: id, VectorScore: score, CreatedAt: t0.Add(-age)}
}

func ids(results []*domain.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ItemID
	}
	return out
}

func TestHybridSearchEngine_Search_CombinesNormalisedScores(t *testing.T) {
	store := new(MockSearchStore)
	embedder := new(MockEmbeddingClient)
	engine := NewHybridSearchEngine(store, embedder, SearchConfig{}, nil, zap.NewNop())
	ctx := context.Background()

	embedding := []float32{1, 0}
	embedder.On("GenerateEmbedding", mock.Anything, "Redis cache tier").Return(embedding, nil)
	store.On("QueryLexical", mock.Anything, []string{"redis", "cache", "tier"}, 20, domain.Filter(nil)).
		Return([]*domain.SearchResult{lexHit("a", 0.9, 0), lexHit("b", 0.5, 0), lexHit("c", 0.1, 0)}, nil)
	store.On("QueryVector", mock.Anything, embedding, 20, domain.Filter(nil)).
		Return([]*domain.SearchResult{vecHit("c", 0.95, 0), vecHit("b", 0.9, 0), vecHit("d", 0.2, 0)}, nil)

	results, err := engine.Search(ctx, "Redis cache tier", 3, nil, 0.6)

	require.NoError(t, err)
	// a: 0.4*1; b: 0.6*0.9333+0.4*0.5; c: 0.6*1; d: 0
	assert.Equal(t, []string{"b", "c", "a"}, ids(results))
	assert.InDelta(t, 0.6*(0.7/0.75)+0.4*0.5, results[0].CombinedScore, 1e-9)
	assert.InDelta(t, 0.5, results[0].LexicalScore, 1e-9)
	assert.InDelta(t, 0.6, results[1].CombinedScore, 1e-9)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].CombinedScore, results[i].CombinedScore)
	}
}

func TestHybridSearchEngine_Search_EmbeddingUnavailableFallsBackToLexical(t *testing.T) {
	store := new(MockSearchStore)
	mt := metrics.New()
	engine := NewHybridSearchEngine(store, failingEmbedder{err: domain.ErrEmbeddingUnavailable}, SearchConfig{}, mt, zap.NewNop())

	store.On("QueryLexical", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.SearchResult{lexHit("low", 0.2, 0), lexHit("high", 0.8, 0)}, nil)

	results, err := engine.Search(context.Background(), "query", 5, nil, 0.6)

	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, ids(results))
	assert.InDelta(t, 1.0, results[0].CombinedScore, 1e-9)
	assert.Zero(t, results[0].VectorScore)
	store.AssertNotCalled(t, "QueryVector", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	expected := `
# HELP strata_search_lexical_fallbacks_total Hybrid searches degraded to lexical ranking
# TYPE strata_search_lexical_fallbacks_total counter
strata_search_lexical_fallbacks_total{reason="embedding_unavailable"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(mt.Registry(), strings.NewReader(expected), "strata_search_lexical_fallbacks_total"))
}

func TestHybridSearchEngine_Search_EmptyVectorListIsLexicalOnly(t *testing.T) {
	store := new(MockSearchStore)
	embedder := new(MockEmbeddingClient)
	engine := NewHybridSearchEngine(store, embedder, SearchConfig{}, nil, zap.NewNop())

	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1}, nil)
	store.On("QueryVector", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.SearchResult{}, nil)
	store.On("QueryLexical", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.SearchResult{lexHit("x", 3, 0), lexHit("y", 1, 0), lexHit("z", 2, 0)}, nil)

	results, err := engine.Search(context.Background(), "anything", 2, nil, 0.9)

	require.NoError(t, err)
	assert.Equal(t, []string{"x", "z"}, ids(results))
}

func TestHybridSearchEngine_Search_VectorTimeoutDegrades(t *testing.T) {
	store := new(MockSearchStore)
	embedder := new(MockEmbeddingClient)
	engine := NewHybridSearchEngine(store, embedder, SearchConfig{VectorTimeout: 20 * time.Millisecond}, nil, zap.NewNop())

	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1}, nil)
	store.On("QueryVector", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)
	store.On("QueryLexical", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.SearchResult{lexHit("only", 1, 0)}, nil)

	results, err := engine.Search(context.Background(), "slow vector", 5, nil, 0.6)

	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, ids(results))
}

func TestHybridSearchEngine_Search_VectorStoreErrorDegrades(t *testing.T) {
	store := new(MockSearchStore)
	embedder := new(MockEmbeddingClient)
	engine := NewHybridSearchEngine(store, embedder, SearchConfig{}, nil, zap.NewNop())

	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{1}, nil)
	store.On("QueryVector", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, domain.StoreUnavailable("vector query", assert.AnError))
	store.On("QueryLexical", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.SearchResult{lexHit("l", 1, 0)}, nil)

	results, err := engine.Search(context.Background(), "q", 5, nil, 0.6)

	require.NoError(t, err)
	assert.Equal(t, []string{"l"}, ids(results))
}

func TestHybridSearchEngine_Search_LexicalFailureFails(t *testing.T) {
	store := new(MockSearchStore)
	engine := NewHybridSearchEngine(store, failingEmbedder{err: domain.ErrEmbeddingUnavailable}, SearchConfig{}, nil, zap.NewNop())

	store.On("QueryLexical", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, domain.StoreUnavailable("lexical query", assert.AnError))

	_, err := engine.Search(context.Background(), "q", 5, nil, 0.6)

	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestHybridSearchEngine_Search_CanceledCaller(t *testing.T) {
	store := new(MockSearchStore)
	embedder := new(MockEmbeddingClient)
	engine := NewHybridSearchEngine(store, embedder, SearchConfig{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return(nil, context.Canceled)
	store.On("QueryLexical", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, context.Canceled)

	_, err := engine.Search(ctx, "q", 5, nil, 0.6)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestHybridSearchEngine_Search_TieBreaksOnRecency(t *testing.T) {
	store := new(MockSearchStore)
	engine := NewHybridSearchEngine(store, nil, SearchConfig{}, nil, zap.NewNop())

	store.On("QueryLexical", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.SearchResult{
			lexHit("old", 1, 48*time.Hour),
			lexHit("new", 1, time.Hour),
			lexHit("b-same", 1, 24*time.Hour),
			lexHit("a-same", 1, 24*time.Hour),
		}, nil)

	results, err := engine.Search(context.Background(), "q", 4, nil, 0)

	require.NoError(t, err)
	assert.Equal(t, []string{"new", "a-same", "b-same", "old"}, ids(results))
	for _, r := range results {
		assert.Equal(t, 1.0, r.CombinedScore)
	}
}

func TestHybridSearchEngine_Search_AlphaZeroSkipsEmbedding(t *testing.T) {
	store := new(MockSearchStore)
	embedder := new(MockEmbeddingClient)
	engine := NewHybridSearchEngine(store, embedder, SearchConfig{}, nil, zap.NewNop())

	store.On("QueryLexical", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]*domain.SearchResult{lexHit("a", 1, 0)}, nil)

	_, err := engine.Search(context.Background(), "q", 5, nil, 0)

	require.NoError(t, err)
	embedder.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
}

func TestHybridSearchEngine_Search_Validation(t *testing.T) {
	engine := NewHybridSearchEngine(new(MockSearchStore), nil, SearchConfig{}, nil, zap.NewNop())
	ctx := context.Background()

	_, err := engine.Search(ctx, "q", 5, nil, 1.5)
	assert.Equal(t, domain.ErrCodeValidation, domain.CodeOf(err))

	_, err = engine.Search(ctx, "q", 5, domain.Filter{"k": []string{"nested"}}, 0.5)
	assert.ErrorIs(t, err, domain.ErrFilterInvalid)

	results, err := engine.Search(ctx, "  ?! ", 5, nil, 0.5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestNormalize(t *testing.T) {
	results := []*domain.SearchResult{lexHit("a", 2, 0), lexHit("b", 4, 0), lexHit("c", 3, 0)}
	got := normalize(results, func(r *domain.SearchResult) float64 { return r.LexicalScore })
	assert.Equal(t, []float64{0, 1, 0.5}, got)

	same := []*domain.SearchResult{lexHit("a", 0.3, 0), lexHit("b", 0.3, 0)}
	assert.Equal(t, []float64{1, 1}, normalize(same, func(r *domain.SearchResult) float64 { return r.LexicalScore }))
	assert.Empty(t, normalize(nil, func(r *domain.SearchResult) float64 { return 0 }))
}

func TestHybridSearchEngine_Search_FallbackRanksByLexicalScore(t *testing.T) {
	cold := newMemColdStore()
	ctx := context.Background()
	for i, content := range []string{
		"tier promotion moves hot items",
		"tier demotion drops idle items from the hot tier",
		"unrelated governance text",
	} {
		item := domain.NewKnowledgeItem(string(rune('a'+i)), content, "docs", nil, t0)
		require.NoError(t, cold.Put(ctx, item))
	}
	engine := NewHybridSearchEngine(cold, failingEmbedder{err: domain.ErrEmbeddingUnavailable}, SearchConfig{}, nil, zap.NewNop())

	results, err := engine.Search(ctx, "hot tier", 10, nil, 0.6)

	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, r.LexicalScore, r.CombinedScore)
	}
}
