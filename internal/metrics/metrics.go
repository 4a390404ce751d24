// Package metrics exposes the Prometheus collectors for the memory tiers,
// the search engine and the pipeline. A nil *Metrics is a valid no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strata"

// Metrics holds every collector registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups       *prometheus.CounterVec
	cacheInvalidations prometheus.Counter
	storeRetries       *prometheus.CounterVec
	searchFallbacks    *prometheus.CounterVec
	pipelineOutcomes   *prometheus.CounterVec
	pipelineDuration   prometheus.Histogram
	tieringMoves       *prometheus.CounterVec
	governanceHits     *prometheus.CounterVec
	retentionEvictions prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Tier A cache lookups by result",
		}, []string{"result"}),
		cacheInvalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidated_entries_total",
			Help:      "Cache entries removed by tag invalidation",
		}),
		storeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Retried store operations by operation",
		}, []string{"op"}),
		searchFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_lexical_fallbacks_total",
			Help:      "Hybrid searches degraded to lexical ranking",
		}, []string{"reason"}),
		pipelineOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_outcomes_total",
			Help:      "RAG pipeline terminal states",
		}, []string{"state", "reason"}),
		pipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "RAG pipeline latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		tieringMoves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiering_moves_total",
			Help:      "Tier reclassifications by source and target tier",
		}, []string{"from", "to"}),
		governanceHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "governance_violations_total",
			Help:      "Governance violations by kind",
		}, []string{"kind"}),
		retentionEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_turns_evicted_total",
			Help:      "Conversation turns removed by the retention sweep",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheLookups.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) CacheInvalidated(n int64) {
	if m != nil && n > 0 {
		m.cacheInvalidations.Add(float64(n))
	}
}

func (m *Metrics) StoreRetry(op string) {
	if m != nil {
		m.storeRetries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SearchFallback(reason string) {
	if m != nil {
		m.searchFallbacks.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) PipelineOutcome(state, reason string, elapsed time.Duration) {
	if m != nil {
		m.pipelineOutcomes.WithLabelValues(state, reason).Inc()
		m.pipelineDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) TieringMove(from, to string) {
	if m != nil {
		m.tieringMoves.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) GovernanceViolation(kind string) {
	if m != nil {
		m.governanceHits.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) TurnsEvicted(n int64) {
	if m != nil && n > 0 {
		m.retentionEvictions.Add(float64(n))
	}
}
