package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloo-solutions/strata/internal/metrics"
	"github.com/cloo-solutions/strata/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockHitRecorder struct {
	mock.Mock
}

func (m *MockHitRecorder) RecordHits(ctx context.Context, itemIDs []string) {
	m.Called(ctx, itemIDs)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(opts ...Option) (*Manager, *clock) {
	c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewManager(storage.NewMemoryHotCache(c.Now), zap.NewNop(), opts...), c
}

func constant(data string, ids ...string) ComputeFunc {
	return func(context.Context) (Value, error) {
		return Value{Data: []byte(data), ItemIDs: ids}, nil
	}
}

func TestManager_MissThenHit(t *testing.T) {
	recorder := new(MockHitRecorder)
	recorder.On("RecordHits", mock.Anything, []string{"i1"}).Once()
	m, _ := newTestManager(WithHitRecorder(recorder))
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (Value, error) {
		calls++
		return Value{Data: []byte("answer"), ItemIDs: []string{"i1"}}, nil
	}

	v, hit, err := m.GetOrCompute(ctx, "k", nil, time.Minute, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "answer", string(v.Data))

	v, hit, err = m.GetOrCompute(ctx, "k", nil, time.Minute, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "answer", string(v.Data))
	assert.Equal(t, 1, calls)
	recorder.AssertExpectations(t)
}

func TestManager_TTLExpiry(t *testing.T) {
	m, c := newTestManager()
	ctx := context.Background()

	_, _, err := m.GetOrCompute(ctx, "k", nil, time.Minute, constant("v1"))
	require.NoError(t, err)

	c.Advance(time.Minute)
	v, hit, err := m.GetOrCompute(ctx, "k", nil, time.Minute, constant("v2"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "v2", string(v.Data))
}

func TestManager_DefaultTTL(t *testing.T) {
	m, c := newTestManager(WithDefaultTTL(10 * time.Minute))
	ctx := context.Background()

	_, _, err := m.GetOrCompute(ctx, "k", nil, 0, constant("v1"))
	require.NoError(t, err)

	c.Advance(9 * time.Minute)
	_, hit, err := m.GetOrCompute(ctx, "k", nil, 0, constant("v2"))
	require.NoError(t, err)
	assert.True(t, hit)

	c.Advance(time.Minute)
	_, hit, err = m.GetOrCompute(ctx, "k", nil, 0, constant("v2"))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestManager_ComputeErrorIsNotCached(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	boom := errors.New("boom")

	_, _, err := m.GetOrCompute(ctx, "k", nil, time.Minute, func(context.Context) (Value, error) {
		return Value{}, boom
	})
	assert.ErrorIs(t, err, boom)

	v, hit, err := m.GetOrCompute(ctx, "k", nil, time.Minute, constant("ok"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "ok", string(v.Data))
}

func TestManager_SingleFlight(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (Value, error) {
		calls.Add(1)
		<-release
		return Value{Data: []byte("shared")}, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := m.GetOrCompute(ctx, "k", nil, time.Minute, compute)
			assert.NoError(t, err)
			results[i] = string(v.Data)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestManager_InvalidateByTag(t *testing.T) {
	mt := metrics.New()
	m, _ := newTestManager(WithMetrics(mt))
	ctx := context.Background()

	_, _, err := m.GetOrCompute(ctx, "a", []string{"docs"}, time.Hour, constant("1", "item-1"))
	require.NoError(t, err)
	_, _, err = m.GetOrCompute(ctx, "b", nil, time.Hour, constant("2", "item-1", "item-2"))
	require.NoError(t, err)
	_, _, err = m.GetOrCompute(ctx, "c", nil, time.Hour, constant("3", "item-3"))
	require.NoError(t, err)

	n, err := m.InvalidateByTag(ctx, storage.ItemTag("item-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	expected := `
# HELP strata_cache_invalidated_entries_total Cache entries removed by tag invalidation
# TYPE strata_cache_invalidated_entries_total counter
strata_cache_invalidated_entries_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(mt.Registry(), strings.NewReader(expected), "strata_cache_invalidated_entries_total"))

	_, hit, err := m.GetOrCompute(ctx, "a", nil, time.Hour, constant("1"))
	require.NoError(t, err)
	assert.False(t, hit)
	_, hit, err = m.GetOrCompute(ctx, "c", nil, time.Hour, constant("3"))
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestManager_CallerTagsAreInvalidated(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, _, err := m.GetOrCompute(ctx, "a", []string{"docs"}, time.Hour, constant("1"))
	require.NoError(t, err)

	n, err := m.InvalidateByTag(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestManager_Stats(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, ok := m.Stats()
	assert.False(t, ok)

	_, _, err := m.GetOrCompute(ctx, "k", nil, time.Hour, constant("v"))
	require.NoError(t, err)
	for i := 0; i < 19; i++ {
		_, _, err := m.GetOrCompute(ctx, "k", nil, time.Hour, constant("v"))
		require.NoError(t, err)
	}

	rate, ok := m.Stats()
	assert.True(t, ok)
	assert.InDelta(t, 0.95, rate, 1e-9)
}

func TestManager_CanceledCaller(t *testing.T) {
	m, _ := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := m.GetOrCompute(ctx, "k", nil, time.Hour, func(ctx context.Context) (Value, error) {
		return Value{}, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

type failingHot struct {
	storage.HotCache
}

func (failingHot) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (failingHot) Set(context.Context, string, []byte, []string, time.Duration) error {
	return errors.New("connection refused")
}

func TestManager_DegradesWhenTierAUnavailable(t *testing.T) {
	m := NewManager(failingHot{}, zap.NewNop())

	v, hit, err := m.GetOrCompute(context.Background(), "k", nil, time.Hour, constant("fresh"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "fresh", string(v.Data))
}

func TestGetOrComputeJSON(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	type answer struct {
		Text string `json:"text"`
		N    int    `json:"n"`
	}
	compute := func(context.Context) (answer, []string, error) {
		return answer{Text: "hello", N: 3}, []string{"i1"}, nil
	}

	got, hit, err := GetOrComputeJSON(ctx, m, "k", nil, time.Hour, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, answer{Text: "hello", N: 3}, got)

	got, hit, err = GetOrComputeJSON(ctx, m, "k", nil, time.Hour, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "hello", got.Text)

	n, err := m.InvalidateByTag(ctx, storage.ItemTag("i1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestKey(t *testing.T) {
	a := Key("search", "  What IS   tiering? ", map[string]any{"lang": "en", "source": "docs"}, "k=5")
	b := Key("search", "what is tiering?", map[string]any{"source": "docs", "lang": "en"}, "k=5")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "search:"))

	assert.NotEqual(t, a, Key("search", "what is tiering?", map[string]any{"lang": "fr", "source": "docs"}, "k=5"))
	assert.NotEqual(t, a, Key("search", "what is tiering?", map[string]any{"lang": "en", "source": "docs"}, "k=6"))
	assert.NotEqual(t, a, Key("answer", "what is tiering?", map[string]any{"lang": "en", "source": "docs"}, "k=5"))
}

func TestManager_ComputeTagsAreInvalidatable(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	compute := func(context.Context) (Value, error) {
		return Value{Data: []byte("v"), Tags: []string{storage.SourceTag("wiki")}}, nil
	}
	_, _, err := m.GetOrCompute(ctx, "k", nil, time.Minute, compute)
	require.NoError(t, err)

	n, err := m.InvalidateByTag(ctx, storage.SourceTag("wiki"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, hit, err := m.GetOrCompute(ctx, "k", nil, time.Minute, compute)
	require.NoError(t, err)
	assert.False(t, hit)
}

// racingHot stores a value the first time a key is read, as if another
// replica filled it between the manager's lookup and its flight.
type racingHot struct {
	storage.HotCache
	once sync.Once
	data []byte
}

func (h *racingHot) Get(ctx context.Context, key string) ([]byte, error) {
	first := false
	h.once.Do(func() { first = true })
	if first {
		if err := h.HotCache.Set(ctx, key, h.data, nil, time.Hour); err != nil {
			return nil, err
		}
		return nil, storage.ErrCacheMiss
	}
	return h.HotCache.Get(ctx, key)
}

func TestManager_FillFindsValueStoredMeanwhile(t *testing.T) {
	stored, err := json.Marshal(Value{Data: []byte("from elsewhere"), ItemIDs: []string{"i9"}})
	require.NoError(t, err)
	recorder := new(MockHitRecorder)
	recorder.On("RecordHits", mock.Anything, []string{"i9"}).Once()
	hot := &racingHot{HotCache: storage.NewMemoryHotCache(nil), data: stored}
	m := NewManager(hot, zap.NewNop(), WithHitRecorder(recorder))

	v, hit, err := m.GetOrCompute(context.Background(), "k", nil, time.Hour, func(context.Context) (Value, error) {
		t.Fatal("compute must not run when the key is already stored")
		return Value{}, nil
	})

	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "from elsewhere", string(v.Data))
	recorder.AssertExpectations(t)
}

func TestManager_Lookup(t *testing.T) {
	recorder := new(MockHitRecorder)
	recorder.On("RecordHits", mock.Anything, []string{"i1"}).Once()
	m, _ := newTestManager(WithHitRecorder(recorder))
	ctx := context.Background()

	_, ok := m.Lookup(ctx, "k")
	assert.False(t, ok)

	_, _, err := m.GetOrCompute(ctx, "k", nil, time.Hour, constant("v", "i1"))
	require.NoError(t, err)

	v, ok := m.Lookup(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", string(v.Data))
	recorder.AssertExpectations(t)

	for i := 0; i < 14; i++ {
		m.Lookup(ctx, "k")
	}
	rate, ok := m.Stats()
	assert.True(t, ok)
	assert.InDelta(t, 15.0/17.0, rate, 1e-9)
}
