package domain

import (
	"fmt"
	"time"
)

// Tier is the physical placement of a knowledge item.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// MetadataDocumentID links chunks produced from the same source document.
const MetadataDocumentID = "document_id"

// KnowledgeItem is an immutable content unit. Only access statistics and
// tier change after it is stored.
type KnowledgeItem struct {
	ID             string
	Content        string
	Embedding      []float32
	Source         string
	Metadata       map[string]any
	CreatedAt      time.Time
	Tier           Tier
	AccessCount    int64
	LastAccessedAt *time.Time
	WindowStart    *time.Time
	WindowCount    int64
}

// NewKnowledgeItem creates a cold item with no access history.
func NewKnowledgeItem(id, content, source string, metadata map[string]any, createdAt time.Time) *KnowledgeItem {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &KnowledgeItem{
		ID:        id,
		Content:   content,
		Source:    source,
		Metadata:  metadata,
		CreatedAt: createdAt,
		Tier:      TierCold,
	}
}

// DocumentID returns metadata.document_id, if present.
func (k *KnowledgeItem) DocumentID() string {
	v, _ := k.Metadata[MetadataDocumentID].(string)
	return v
}

// HasEmbedding reports whether the item is eligible for vector search.
func (k *KnowledgeItem) HasEmbedding() bool {
	return len(k.Embedding) > 0
}

// ValidateKnowledgeItem validates a KnowledgeItem instance
func ValidateKnowledgeItem(k *KnowledgeItem) error {
	if k == nil {
		return fmt.Errorf("knowledge item cannot be nil")
	}

	if k.ID == "" {
		return fmt.Errorf("knowledge item ID is required")
	}

	if k.Content == "" {
		return fmt.Errorf("knowledge item Content is required")
	}

	if k.Source == "" {
		return fmt.Errorf("knowledge item Source is required")
	}

	if !IsValidTier(k.Tier) {
		return fmt.Errorf("knowledge item Tier is invalid: %s", k.Tier)
	}

	if k.CreatedAt.IsZero() {
		return fmt.Errorf("knowledge item CreatedAt is required")
	}

	if err := ValidateMetadata(k.Metadata); err != nil {
		return err
	}

	return nil
}

// IsValidTier checks if a Tier is valid
func IsValidTier(t Tier) bool {
	switch t {
	case TierHot, TierWarm, TierCold:
		return true
	}
	return false
}

// ValidateMetadata checks that every value is a scalar.
func ValidateMetadata(metadata map[string]any) error {
	for key, value := range metadata {
		if !isScalar(value) {
			return fmt.Errorf("metadata %q must be a string, number or bool", key)
		}
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}
