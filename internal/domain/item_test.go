package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKnowledgeItem(t *testing.T) {
	now := time.Now().UTC()
	item := NewKnowledgeItem("i1", "body", "gong", nil, now)

	assert.Equal(t, "i1", item.ID)
	assert.Equal(t, TierCold, item.Tier)
	assert.NotNil(t, item.Metadata)
	assert.Nil(t, item.LastAccessedAt)
	assert.False(t, item.HasEmbedding())
}

func TestKnowledgeItem_DocumentID(t *testing.T) {
	item := NewKnowledgeItem("i1", "body", "upload", map[string]any{MetadataDocumentID: "doc-1"}, time.Now())
	assert.Equal(t, "doc-1", item.DocumentID())

	item.Metadata = map[string]any{}
	assert.Equal(t, "", item.DocumentID())
}

func TestValidateKnowledgeItem(t *testing.T) {
	now := time.Now()
	valid := func() *KnowledgeItem {
		return NewKnowledgeItem("i1", "body", "gong", map[string]any{"lang": "en", "page": 3}, now)
	}

	tests := []struct {
		name    string
		mutate  func(k *KnowledgeItem)
		wantErr string
	}{
		{name: "valid"},
		{name: "missing id", mutate: func(k *KnowledgeItem) { k.ID = "" }, wantErr: "ID is required"},
		{name: "missing content", mutate: func(k *KnowledgeItem) { k.Content = "" }, wantErr: "Content is required"},
		{name: "missing source", mutate: func(k *KnowledgeItem) { k.Source = "" }, wantErr: "Source is required"},
		{name: "bad tier", mutate: func(k *KnowledgeItem) { k.Tier = "lukewarm" }, wantErr: "Tier is invalid"},
		{name: "zero created", mutate: func(k *KnowledgeItem) { k.CreatedAt = time.Time{} }, wantErr: "CreatedAt is required"},
		{name: "nested metadata", mutate: func(k *KnowledgeItem) { k.Metadata["tags"] = []string{"a"} }, wantErr: "must be a string, number or bool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := valid()
			if tt.mutate != nil {
				tt.mutate(item)
			}
			err := ValidateKnowledgeItem(item)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsValidTier(t *testing.T) {
	assert.True(t, IsValidTier(TierHot))
	assert.True(t, IsValidTier(TierWarm))
	assert.True(t, IsValidTier(TierCold))
	assert.False(t, IsValidTier("frozen"))
}
