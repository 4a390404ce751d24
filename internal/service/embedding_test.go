package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockEmbeddingClient mocks the OpenAI client
type MockEmbeddingClient struct {
	mock.Mock
}

func (m *MockEmbeddingClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

// MockEmbeddingItemRepo mocks the item repository for embedding service
type MockEmbeddingItemRepo struct {
	mock.Mock
}

func (m *MockEmbeddingItemRepo) Get(ctx context.Context, id string) (*domain.KnowledgeItem, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KnowledgeItem), args.Error(1)
}

func (m *MockEmbeddingItemRepo) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	args := m.Called(ctx, id, embedding)
	return args.Error(0)
}

func TestEmbeddingService_GenerateEmbedding_Success(t *testing.T) {
	mockClient := new(MockEmbeddingClient)
	mockRepo := new(MockEmbeddingItemRepo)
	service := NewEmbeddingService(mockClient, mockRepo)

	ctx := context.Background()
	item := domain.NewKnowledgeItem("item-123", "Chunk body.", "docs",
		map[string]any{MetadataTitle: "Runbook"}, time.Now())
	embedding := []float32{0.1, 0.2, 0.3}

	mockRepo.On("Get", ctx, "item-123").Return(item, nil)
	mockClient.On("GenerateEmbedding", ctx, "Runbook\n\nChunk body.").Return(embedding, nil)
	mockRepo.On("SetEmbedding", ctx, "item-123", embedding).Return(nil)

	err := service.GenerateEmbedding(ctx, "item-123")

	assert.NoError(t, err)
	mockRepo.AssertExpectations(t)
	mockClient.AssertExpectations(t)
}

func TestEmbeddingService_GenerateEmbedding_AlreadyEmbedded(t *testing.T) {
	mockClient := new(MockEmbeddingClient)
	mockRepo := new(MockEmbeddingItemRepo)
	service := NewEmbeddingService(mockClient, mockRepo)

	ctx := context.Background()
	item := domain.NewKnowledgeItem("item-1", "body", "docs", nil, time.Now())
	item.Embedding = []float32{1}

	mockRepo.On("Get", ctx, "item-1").Return(item, nil)

	assert.NoError(t, service.GenerateEmbedding(ctx, "item-1"))
	mockClient.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
	mockRepo.AssertNotCalled(t, "SetEmbedding", mock.Anything, mock.Anything, mock.Anything)
}

func TestEmbeddingService_GenerateEmbedding_ItemNotFound(t *testing.T) {
	mockClient := new(MockEmbeddingClient)
	mockRepo := new(MockEmbeddingItemRepo)
	service := NewEmbeddingService(mockClient, mockRepo)

	ctx := context.Background()
	mockRepo.On("Get", ctx, "missing").Return(nil, domain.ErrItemNotFound)

	err := service.GenerateEmbedding(ctx, "missing")

	assert.ErrorIs(t, err, domain.ErrItemNotFound)
	mockClient.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
}

func TestEmbeddingService_GenerateEmbedding_ProviderError(t *testing.T) {
	mockClient := new(MockEmbeddingClient)
	mockRepo := new(MockEmbeddingItemRepo)
	service := NewEmbeddingService(mockClient, mockRepo)

	ctx := context.Background()
	item := domain.NewKnowledgeItem("item-1", "body", "docs", nil, time.Now())
	mockRepo.On("Get", ctx, "item-1").Return(item, nil)
	mockClient.On("GenerateEmbedding", ctx, "body").Return(nil, domain.ErrEmbeddingUnavailable)

	err := service.GenerateEmbedding(ctx, "item-1")

	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	mockRepo.AssertNotCalled(t, "SetEmbedding", mock.Anything, mock.Anything, mock.Anything)
}

func TestEmbeddingService_GenerateEmbedding_UpdateError(t *testing.T) {
	mockClient := new(MockEmbeddingClient)
	mockRepo := new(MockEmbeddingItemRepo)
	service := NewEmbeddingService(mockClient, mockRepo)

	ctx := context.Background()
	item := domain.NewKnowledgeItem("item-1", "body", "docs", nil, time.Now())
	embedding := []float32{0.5}
	mockRepo.On("Get", ctx, "item-1").Return(item, nil)
	mockClient.On("GenerateEmbedding", ctx, "body").Return(embedding, nil)
	mockRepo.On("SetEmbedding", ctx, "item-1", embedding).Return(errors.New("database error"))

	err := service.GenerateEmbedding(ctx, "item-1")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to update embedding")
}
