// Package openai adapts an OpenAI-compatible API to the embedding and
// generation capabilities.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultEmbeddingModel      = string(openai.SmallEmbedding3)
	DefaultEmbeddingDimensions = 1536
	DefaultGenerationModel     = openai.GPT4oMini
)

var (
	// ErrEmptyText is returned when text is empty
	ErrEmptyText = domain.NewDomainError(domain.ErrCodeValidation, "text cannot be empty")
	// ErrWrongDimensions is returned when an embedding does not match the configured size
	ErrWrongDimensions = errors.New("embedding has wrong dimensions")
)

// API is the subset of the provider the client needs.
type API interface {
	CreateEmbeddings(ctx context.Context, text string) ([]float32, error)
	CreateChatCompletion(ctx context.Context, messages []domain.Message) (string, error)
}

// Client embeds text and generates completions. Provider failures come
// back as EmbeddingUnavailable or GenerationUnavailable; cancellation of
// the caller's context is returned as is.
type Client struct {
	api               API
	dimensions        int
	embeddingTimeout  time.Duration
	generationTimeout time.Duration
}

type Config struct {
	APIKey              string
	BaseURL             string
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingTimeout    time.Duration
	GenerationModel     string
	GenerationTimeout   time.Duration
	Temperature         float32
}

type OpenAIAdapter struct {
	client          *openai.Client
	embeddingModel  openai.EmbeddingModel
	dimensions      int
	generationModel string
	temperature     float32
}

func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}
	generationModel := cfg.GenerationModel
	if generationModel == "" {
		generationModel = DefaultGenerationModel
	}
	return &OpenAIAdapter{
		client:          openai.NewClientWithConfig(clientCfg),
		embeddingModel:  openai.EmbeddingModel(embeddingModel),
		dimensions:      cfg.EmbeddingDimensions,
		generationModel: generationModel,
		temperature:     cfg.Temperature,
	}
}

// CreateEmbeddings calls the OpenAI API to create embeddings
func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: a.embeddingModel,
	}
	// Only the text-embedding-3 family accepts a dimensions override.
	if strings.HasPrefix(string(a.embeddingModel), "text-embedding-3") && a.dimensions > 0 {
		req.Dimensions = a.dimensions
	}
	resp, err := a.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, errors.New("no embedding data returned")
	}

	return resp.Data[0].Embedding, nil
}

func (a *OpenAIAdapter) CreateChatCompletion(ctx context.Context, messages []domain.Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       a.generationModel,
		Temperature: a.temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// NewClient creates a client against the OpenAI API.
func NewClient(cfg Config) *Client {
	return NewClientWithAPI(NewOpenAIAdapter(cfg), cfg)
}

// NewClientWithAPI creates a client on top of any API implementation.
func NewClientWithAPI(api API, cfg Config) *Client {
	dimensions := cfg.EmbeddingDimensions
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	return &Client{
		api:               api,
		dimensions:        dimensions,
		embeddingTimeout:  cfg.EmbeddingTimeout,
		generationTimeout: cfg.GenerationTimeout,
	}
}

// GenerateEmbedding generates an embedding for the given text
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	callCtx, cancel := withOptionalTimeout(ctx, c.embeddingTimeout)
	defer cancel()

	embedding, err := c.api.CreateEmbeddings(callCtx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeEmbeddingUnavailable, "failed to create embedding", err)
	}

	if len(embedding) != c.dimensions {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeEmbeddingUnavailable,
			fmt.Sprintf("expected %d dimensions, got %d", c.dimensions, len(embedding)), ErrWrongDimensions)
	}

	return embedding, nil
}

// Generate returns the completion for a prompt.
func (c *Client) Generate(ctx context.Context, messages []domain.Message) (string, error) {
	callCtx, cancel := withOptionalTimeout(ctx, c.generationTimeout)
	defer cancel()

	text, err := c.api.CreateChatCompletion(callCtx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeGenerationUnavailable, "failed to generate completion", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", domain.NewDomainError(domain.ErrCodeGenerationUnavailable, "empty completion")
	}
	return text, nil
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
