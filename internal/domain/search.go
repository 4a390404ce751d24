package domain

import "time"

// SearchResult is the per-query ranking of one item. It is never persisted.
type SearchResult struct {
	ItemID        string
	LexicalScore  float64
	VectorScore   float64
	CombinedScore float64
	CreatedAt     time.Time
	Item          *KnowledgeItem
}
