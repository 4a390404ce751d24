package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

const summaryColumns = `id::text, content, source, metadata, created_at, tier, access_count, last_accessed_at, window_start, window_count`

// AccessStats is the access state of an item after RecordAccess.
type AccessStats struct {
	ItemID      string
	Tier        domain.Tier
	AccessCount int64
	WindowStart time.Time
	WindowCount int64
}

// ItemRepository is Tier C. It is the system of record for knowledge
// items and the only tier that serves search.
type ItemRepository struct {
	db dbtx
}

func NewItemRepository(pool *pgxpool.Pool) *ItemRepository {
	return &ItemRepository{db: pool}
}

func NewItemRepositoryWithTx(tx pgx.Tx) *ItemRepository {
	return &ItemRepository{db: tx}
}

func (r *ItemRepository) Put(ctx context.Context, item *domain.KnowledgeItem) error {
	metadata, err := encodeMetadata(item.Metadata)
	if err != nil {
		return err
	}
	var embedding *pgvector.Vector
	if item.HasEmbedding() {
		v := pgvector.NewVector(item.Embedding)
		embedding = &v
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO knowledge_items (id, content, embedding, source, metadata, tier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.ID, item.Content, embedding, item.Source, metadata, item.Tier, item.CreatedAt,
	)
	if err != nil {
		return domain.StoreUnavailable("insert item", err)
	}
	return nil
}

func (r *ItemRepository) Get(ctx context.Context, id string) (*domain.KnowledgeItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrItemNotFound
	}
	row := r.db.QueryRow(ctx,
		`SELECT `+summaryColumns+`, embedding FROM knowledge_items WHERE id = $1`, id)

	var embedding *pgvector.Vector
	item, err := scanItem(row, &embedding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrItemNotFound
		}
		return nil, domain.StoreUnavailable("get item", err)
	}
	if embedding != nil {
		item.Embedding = embedding.Slice()
	}
	return item, nil
}

func (r *ItemRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrItemNotFound
	}
	cmdTag, err := r.db.Exec(ctx, `DELETE FROM knowledge_items WHERE id = $1`, id)
	if err != nil {
		return domain.StoreUnavailable("delete item", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

// QueryVector ranks items with an embedding by cosine similarity.
func (r *ItemRepository) QueryVector(ctx context.Context, vector []float32, k int, filter domain.Filter) ([]*domain.SearchResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}

	args := []any{pgvector.NewVector(vector)}
	where, args, err := filterClause(filter, args)
	if err != nil {
		return nil, err
	}
	args = append(args, k)

	query := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1) AS score
		FROM knowledge_items
		WHERE embedding IS NOT NULL%s
		ORDER BY embedding <=> $1, created_at DESC, id
		LIMIT $%d`, summaryColumns, where, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.StoreUnavailable("vector query", err)
	}
	defer rows.Close()

	return scanResults(rows, func(res *domain.SearchResult, score float64) { res.VectorScore = score })
}

// QueryLexical ranks items by full-text match of any of the terms.
func (r *ItemRepository) QueryLexical(ctx context.Context, terms []string, k int, filter domain.Filter) ([]*domain.SearchResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	tsquery := buildTSQuery(terms)
	if tsquery == "" || k <= 0 {
		return nil, nil
	}

	args := []any{tsquery}
	where, args, err := filterClause(filter, args)
	if err != nil {
		return nil, err
	}
	args = append(args, k)

	query := fmt.Sprintf(`
		SELECT %s, ts_rank_cd(content_tsv, q, 2) AS score
		FROM knowledge_items, to_tsquery('simple', $1) AS q
		WHERE content_tsv @@ q%s
		ORDER BY score DESC, created_at DESC, id
		LIMIT $%d`, summaryColumns, where, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.StoreUnavailable("lexical query", err)
	}
	defer rows.Close()

	return scanResults(rows, func(res *domain.SearchResult, score float64) { res.LexicalScore = score })
}

// RecordAccess bumps the access counters. The window is tumbling: an
// access at least window after window_start starts a new window.
func (r *ItemRepository) RecordAccess(ctx context.Context, id string, at time.Time, window time.Duration) (*AccessStats, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrItemNotFound
	}
	stats := AccessStats{ItemID: id}
	err := r.db.QueryRow(ctx,
		`UPDATE knowledge_items SET
		     access_count = access_count + 1,
		     last_accessed_at = $2,
		     window_count = CASE WHEN window_start IS NULL OR window_start <= $3 THEN 1 ELSE window_count + 1 END,
		     window_start = CASE WHEN window_start IS NULL OR window_start <= $3 THEN $2 ELSE window_start END
		 WHERE id = $1
		 RETURNING tier, access_count, window_start, window_count`,
		id, at, at.Add(-window),
	).Scan(&stats.Tier, &stats.AccessCount, &stats.WindowStart, &stats.WindowCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrItemNotFound
		}
		return nil, domain.StoreUnavailable("record access", err)
	}
	return &stats, nil
}

func (r *ItemRepository) UpdateTier(ctx context.Context, id string, tier domain.Tier) error {
	if !domain.IsValidTier(tier) {
		return domain.ErrInvalidTier
	}
	cmdTag, err := r.db.Exec(ctx, `UPDATE knowledge_items SET tier = $1 WHERE id = $2`, tier, id)
	if err != nil {
		return domain.StoreUnavailable("update tier", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func (r *ItemRepository) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE knowledge_items SET embedding = $1 WHERE id = $2`,
		pgvector.NewVector(embedding), id,
	)
	if err != nil {
		return domain.StoreUnavailable("set embedding", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

// ListTieringCandidates pages, by id, through items that are materialised
// or have ever been accessed. afterID "" starts from the beginning.
func (r *ItemRepository) ListTieringCandidates(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.Query(ctx,
		`SELECT id::text FROM knowledge_items
		 WHERE (tier <> 'cold' OR last_accessed_at IS NOT NULL)
		   AND ($1::uuid IS NULL OR id > $1::uuid)
		 ORDER BY id
		 LIMIT $2`,
		nullableString(afterID), limit,
	)
	if err != nil {
		return nil, domain.StoreUnavailable("list tiering candidates", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.StoreUnavailable("scan tiering candidate", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreUnavailable("list tiering candidates", err)
	}
	return ids, nil
}

func scanItem(row pgx.Row, extra ...any) (*domain.KnowledgeItem, error) {
	var item domain.KnowledgeItem
	var metadata []byte
	dest := []any{
		&item.ID, &item.Content, &item.Source, &metadata, &item.CreatedAt, &item.Tier,
		&item.AccessCount, &item.LastAccessedAt, &item.WindowStart, &item.WindowCount,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	item.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", item.ID, err)
		}
	}
	return &item, nil
}

func scanResults(rows pgx.Rows, setScore func(*domain.SearchResult, float64)) ([]*domain.SearchResult, error) {
	var results []*domain.SearchResult
	for rows.Next() {
		var score float64
		item, err := scanItem(rows, &score)
		if err != nil {
			return nil, domain.StoreUnavailable("scan search result", err)
		}
		res := &domain.SearchResult{ItemID: item.ID, CreatedAt: item.CreatedAt, Item: item}
		setScore(res, score)
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreUnavailable("read search results", err)
	}
	return results, nil
}

// filterClause appends the filter's conditions, numbering placeholders after args.
func filterClause(filter domain.Filter, args []any) (string, []any, error) {
	var b strings.Builder
	if source := filter.Source(); source != "" {
		args = append(args, source)
		fmt.Fprintf(&b, " AND source = $%d", len(args))
	}
	if meta := filter.Metadata(); len(meta) > 0 {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return "", nil, domain.FilterInvalid("filter cannot be encoded: %v", err)
		}
		args = append(args, string(encoded))
		fmt.Fprintf(&b, " AND metadata @> $%d::jsonb", len(args))
	}
	return b.String(), args, nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	if err := domain.ValidateMetadata(metadata); err != nil {
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid metadata", err)
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(encoded), nil
}

// buildTSQuery ORs the terms, keeping only letters and digits so no
// tsquery operator can reach the parser.
func buildTSQuery(terms []string) string {
	seen := make(map[string]struct{}, len(terms))
	var parts []string
	for _, term := range terms {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, term)
		if clean == "" {
			continue
		}
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		parts = append(parts, clean)
	}
	return strings.Join(parts, " | ")
}
