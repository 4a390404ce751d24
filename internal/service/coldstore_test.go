package service

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/repository"
)

// memColdStore is an in-memory Tier C. Lexical scores are term hits
// divided by document length; vector scores are cosine similarity.
type memColdStore struct {
	mu       sync.Mutex
	items    map[string]*domain.KnowledgeItem
	failNext int
	calls    map[string]int
}

func newMemColdStore() *memColdStore {
	return &memColdStore{items: map[string]*domain.KnowledgeItem{}, calls: map[string]int{}}
}

// failWith makes the next n calls return StoreUnavailable.
func (s *memColdStore) failWith(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *memColdStore) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.failNext > 0 {
		s.failNext--
		return domain.StoreUnavailable(op, context.DeadlineExceeded)
	}
	return nil
}

func (s *memColdStore) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *memColdStore) Put(_ context.Context, item *domain.KnowledgeItem) error {
	if err := s.enter("put"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *memColdStore) Get(_ context.Context, id string) (*domain.KnowledgeItem, error) {
	if err := s.enter("get"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *memColdStore) Delete(_ context.Context, id string) error {
	if err := s.enter("delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return domain.ErrItemNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *memColdStore) QueryVector(_ context.Context, vector []float32, k int, filter domain.Filter) ([]*domain.SearchResult, error) {
	if err := s.enter("query_vector"); err != nil {
		return nil, err
	}
	return s.rank(k, filter, func(item *domain.KnowledgeItem) (float64, bool) {
		if !item.HasEmbedding() {
			return 0, false
		}
		return cosine(vector, item.Embedding), true
	}, func(r *domain.SearchResult, score float64) { r.VectorScore = score }), nil
}

func (s *memColdStore) QueryLexical(_ context.Context, queryTerms []string, k int, filter domain.Filter) ([]*domain.SearchResult, error) {
	if err := s.enter("query_lexical"); err != nil {
		return nil, err
	}
	want := map[string]struct{}{}
	for _, t := range queryTerms {
		want[t] = struct{}{}
	}
	return s.rank(k, filter, func(item *domain.KnowledgeItem) (float64, bool) {
		words := terms(item.Content)
		hits := 0
		for _, w := range words {
			if _, ok := want[w]; ok {
				hits++
			}
		}
		if hits == 0 {
			return 0, false
		}
		return float64(hits) / float64(len(words)), true
	}, func(r *domain.SearchResult, score float64) { r.LexicalScore = score }), nil
}

func (s *memColdStore) rank(k int, filter domain.Filter, score func(*domain.KnowledgeItem) (float64, bool), set func(*domain.SearchResult, float64)) []*domain.SearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	type scored struct {
		item  *domain.KnowledgeItem
		score float64
	}
	var all []scored
	for _, item := range s.items {
		if !filter.Matches(item) {
			continue
		}
		if sc, ok := score(item); ok {
			all = append(all, scored{item, sc})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].item.ID < all[j].item.ID
	})
	if len(all) > k {
		all = all[:k]
	}
	out := make([]*domain.SearchResult, 0, len(all))
	for _, sc := range all {
		cp := *sc.item
		r := &domain.SearchResult{ItemID: cp.ID, CreatedAt: cp.CreatedAt, Item: &cp}
		set(r, sc.score)
		out = append(out, r)
	}
	return out
}

func (s *memColdStore) RecordAccess(_ context.Context, id string, at time.Time, window time.Duration) (*repository.AccessStats, error) {
	if err := s.enter("record_access"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	item.AccessCount++
	item.LastAccessedAt = &at
	if item.WindowStart == nil || !item.WindowStart.After(at.Add(-window)) {
		item.WindowStart = &at
		item.WindowCount = 1
	} else {
		item.WindowCount++
	}
	return &repository.AccessStats{
		ItemID:      id,
		Tier:        item.Tier,
		AccessCount: item.AccessCount,
		WindowStart: *item.WindowStart,
		WindowCount: item.WindowCount,
	}, nil
}

func (s *memColdStore) item(id string) *domain.KnowledgeItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok {
		cp := *item
		return &cp
	}
	return nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// bagOfWordsEmbedder hashes words into a fixed number of buckets.
type bagOfWordsEmbedder struct {
	dims int
}

func (e bagOfWordsEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, e.dims)
	for _, w := range terms(text) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(e.dims)]++
	}
	return v, nil
}

type failingEmbedder struct {
	err error
}

func (e failingEmbedder) GenerateEmbedding(context.Context, string) ([]float32, error) {
	return nil, e.err
}
