package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Metadata keys written on every chunk of an ingested document.
const (
	MetadataTitle         = "title"
	MetadataChunkIndex    = "chunk_index"
	MetadataOverlapPrefix = "overlap_prefix"
)

// Document is a source text to be chunked into knowledge items. An empty
// Strategy is chosen from ContentType.
type Document struct {
	ID          string
	Content     string
	ContentType string
	Source      string
	Title       string
	Metadata    map[string]any
	Strategy    ChunkStrategy
}

type IngestResult struct {
	DocumentID        string
	ItemIDs           []string
	PendingEmbeddings int
	Archived          bool
}

type ItemWriter interface {
	Put(ctx context.Context, item *domain.KnowledgeItem) (string, error)
}

type EmbeddingJobCreator interface {
	Create(ctx context.Context, job *domain.EmbeddingJob) error
}

type DocumentArchiver interface {
	Put(ctx context.Context, documentID, contentType string, body []byte) error
}

// IngestionService turns documents into stored, embedded chunks.
type IngestionService struct {
	chunker  *Chunker
	store    ItemWriter
	embedder EmbeddingClient
	jobs     EmbeddingJobCreator
	archive  DocumentArchiver
	logger   *zap.Logger
	now      func() time.Time
}

// NewIngestionService wires ingestion. embedder, jobs and archive are
// optional; without an embedder every chunk is left for the backfill.
func NewIngestionService(chunker *Chunker, store ItemWriter, embedder EmbeddingClient, jobs EmbeddingJobCreator, archive DocumentArchiver, logger *zap.Logger) *IngestionService {
	return &IngestionService{
		chunker:  chunker,
		store:    store,
		embedder: embedder,
		jobs:     jobs,
		archive:  archive,
		logger:   logger.With(zap.String("component", "ingestion")),
		now:      time.Now,
	}
}

// Ingest chunks the document, embeds each chunk when the provider is
// reachable and stores it. Chunks whose embedding failed are stored
// anyway, lexically searchable, with an embedding job queued. Chunks
// stored before a store failure are kept.
func (s *IngestionService) Ingest(ctx context.Context, doc Document) (*IngestResult, error) {
	if strings.TrimSpace(doc.Source) == "" {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "document source is required", domain.ErrMissingRequiredField)
	}
	if err := domain.ValidateMetadata(doc.Metadata); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid document metadata", err)
	}

	strategy := doc.Strategy
	if strategy == "" {
		strategy = StrategyForContentType(doc.ContentType)
	}
	chunks, err := s.chunker.Chunk(doc.Content, strategy)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{DocumentID: doc.ID}
	if result.DocumentID == "" {
		result.DocumentID = uuid.NewString()
	}
	createdAt := s.now().UTC()

	embedding := s.embedder != nil
	for _, chunk := range chunks {
		item := domain.NewKnowledgeItem("", chunk.Text, doc.Source, chunkMetadata(doc, result.DocumentID, chunk), createdAt)

		if embedding {
			vec, err := s.embedder.GenerateEmbedding(ctx, buildEmbeddingText(item))
			switch {
			case err == nil:
				item.Embedding = vec
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				// Stop calling a failing provider for the rest of the document.
				embedding = false
				s.logger.Warn("embedding unavailable, deferring to backfill",
					zap.String("document_id", result.DocumentID), zap.Error(err))
			}
		}

		id, err := s.store.Put(ctx, item)
		if err != nil {
			return nil, err
		}
		result.ItemIDs = append(result.ItemIDs, id)

		if !item.HasEmbedding() {
			result.PendingEmbeddings++
			s.queueEmbedding(ctx, id)
		}
	}

	if s.archive != nil {
		if err := s.archive.Put(ctx, result.DocumentID, doc.ContentType, []byte(doc.Content)); err != nil {
			s.logger.Warn("failed to archive document", zap.String("document_id", result.DocumentID), zap.Error(err))
		} else {
			result.Archived = true
		}
	}

	s.logger.Info("document ingested",
		zap.String("document_id", result.DocumentID),
		zap.String("strategy", string(strategy)),
		zap.Int("chunks", len(chunks)),
		zap.Int("pending_embeddings", result.PendingEmbeddings))
	return result, nil
}

func (s *IngestionService) queueEmbedding(ctx context.Context, itemID string) {
	if s.jobs == nil {
		return
	}
	job := domain.NewEmbeddingJob(uuid.NewString(), itemID, s.now().UTC())
	if err := s.jobs.Create(ctx, job); err != nil {
		s.logger.Warn("failed to queue embedding job", zap.String("item_id", itemID), zap.Error(err))
	}
}

func chunkMetadata(doc Document, documentID string, chunk Chunk) map[string]any {
	meta := make(map[string]any, len(doc.Metadata)+4)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	meta[domain.MetadataDocumentID] = documentID
	meta[MetadataChunkIndex] = chunk.Index
	meta[MetadataOverlapPrefix] = chunk.OverlapPrefix
	if doc.Title != "" {
		meta[MetadataTitle] = doc.Title
	}
	return meta
}

// ChunksFromItems rebuilds the chunk list of a document from its stored
// items, in chunk order.
func ChunksFromItems(items []*domain.KnowledgeItem) ([]Chunk, error) {
	chunks := make([]Chunk, len(items))
	seen := make([]bool, len(items))
	for _, item := range items {
		index, ok1 := intMetadata(item.Metadata[MetadataChunkIndex])
		overlap, ok2 := intMetadata(item.Metadata[MetadataOverlapPrefix])
		if !ok1 || !ok2 || index < 0 || index >= len(items) || seen[index] {
			return nil, errors.New("items do not form a complete chunk set")
		}
		if overlap > len(item.Content) {
			return nil, errors.New("overlap exceeds chunk content")
		}
		seen[index] = true
		chunks[index] = Chunk{Index: index, Text: item.Content, OverlapPrefix: overlap}
	}
	return chunks, nil
}

func intMetadata(v any) (int, bool) {
	f, ok := toNumber(v)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
