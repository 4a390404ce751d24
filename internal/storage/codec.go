package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
)

// HotItem is the Tier A and Tier B materialisation of a knowledge item.
// Embeddings are left out; search never reads from the faster tiers.
type HotItem struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Source         string         `json:"source"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Tier           domain.Tier    `json:"tier"`
	MaterializedAt time.Time      `json:"materialized_at"`
	Hits           int64          `json:"hits"`
}

// NewHotItem snapshots an item for materialisation in tier.
func NewHotItem(item *domain.KnowledgeItem, tier domain.Tier, now time.Time) *HotItem {
	return &HotItem{
		ID:             item.ID,
		Content:        item.Content,
		Source:         item.Source,
		Metadata:       item.Metadata,
		CreatedAt:      item.CreatedAt,
		Tier:           tier,
		MaterializedAt: now,
	}
}

// KnowledgeItem converts the snapshot back into a domain item.
func (h *HotItem) KnowledgeItem() *domain.KnowledgeItem {
	item := domain.NewKnowledgeItem(h.ID, h.Content, h.Source, h.Metadata, h.CreatedAt)
	item.Tier = h.Tier
	return item
}

func EncodeHotItem(h *HotItem) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode hot item %s: %w", h.ID, err)
	}
	return data, nil
}

func DecodeHotItem(data []byte) (*HotItem, error) {
	var h HotItem
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode hot item: %w", err)
	}
	return &h, nil
}
