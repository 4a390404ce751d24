package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_CacheLookups(t *testing.T) {
	m := New()

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.CacheInvalidated(3)
	m.CacheInvalidated(0)
	m.TieringMove("cold", "hot")
	m.GovernanceViolation("pii")
	m.PipelineOutcome("done", "", 120*time.Millisecond)
	m.TurnsEvicted(4)
	m.StoreRetry("get")
	m.SearchFallback("vector_empty")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheInvalidations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tieringMoves.WithLabelValues("cold", "hot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.governanceHits.WithLabelValues("pii")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pipelineOutcomes.WithLabelValues("done", "")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.retentionEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeRetries.WithLabelValues("get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searchFallbacks.WithLabelValues("vector_empty")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.CacheHit()
		m.CacheMiss()
		m.CacheInvalidated(1)
		m.PipelineOutcome("error", "timeout", time.Second)
		m.TieringMove("hot", "cold")
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.CacheHit()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "strata_cache_lookups_total"))
}
