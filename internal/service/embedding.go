package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloo-solutions/strata/internal/domain"
)

// EmbeddingClient defines the interface for generating embeddings
type EmbeddingClient interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingItemRepository defines the repository interface for embedding operations
type EmbeddingItemRepository interface {
	Get(ctx context.Context, id string) (*domain.KnowledgeItem, error)
	SetEmbedding(ctx context.Context, id string, embedding []float32) error
}

// EmbeddingService backfills embeddings for items stored while the
// provider was unavailable.
type EmbeddingService struct {
	client EmbeddingClient
	repo   EmbeddingItemRepository
}

// NewEmbeddingService creates a new EmbeddingService instance
func NewEmbeddingService(client EmbeddingClient, repo EmbeddingItemRepository) *EmbeddingService {
	return &EmbeddingService{
		client: client,
		repo:   repo,
	}
}

// GenerateEmbedding generates and stores an embedding for the given item.
// This method is called by the background worker
func (s *EmbeddingService) GenerateEmbedding(ctx context.Context, itemID string) error {
	item, err := s.repo.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if item.HasEmbedding() {
		return nil
	}

	embedding, err := s.client.GenerateEmbedding(ctx, buildEmbeddingText(item))
	if err != nil {
		return fmt.Errorf("failed to generate embedding: %w", err)
	}

	if err := s.repo.SetEmbedding(ctx, itemID, embedding); err != nil {
		return fmt.Errorf("failed to update embedding: %w", err)
	}

	return nil
}

// buildEmbeddingText prefixes chunk content with the document title, when
// one was supplied, so short chunks keep their topic.
func buildEmbeddingText(item *domain.KnowledgeItem) string {
	var parts []string
	if title, _ := item.Metadata[MetadataTitle].(string); title != "" {
		parts = append(parts, title)
	}
	parts = append(parts, item.Content)
	return strings.Join(parts, "\n\n")
}
