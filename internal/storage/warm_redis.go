package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const evictBatch = 100

// appendTurn assigns the next sequence number and stores the turn in
// one step, so turns within a session are totally ordered by seq.
var appendTurn = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('ZADD', KEYS[2], seq, seq .. ':' .. ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return seq
`)

type turnRecord struct {
	Role      domain.Role `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// RedisWarmStore is Tier B: per-session conversation turns, warm item
// materialisations and the recent-response history used for duplicate
// detection.
type RedisWarmStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisWarmStore wraps an existing client. prefix defaults to "strata:".
func NewRedisWarmStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisWarmStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisWarmStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "warm_store")),
	}
}

func (s *RedisWarmStore) seqKey(sessionID string) string   { return s.prefix + "session:" + sessionID + ":seq" }
func (s *RedisWarmStore) turnsKey(sessionID string) string { return s.prefix + "session:" + sessionID + ":turns" }
func (s *RedisWarmStore) historyKey(sessionID string) string {
	return s.prefix + "session:" + sessionID + ":responses"
}
func (s *RedisWarmStore) sessionsKey() string         { return s.prefix + "sessions" }
func (s *RedisWarmStore) itemKey(itemID string) string { return s.prefix + "warm:item:" + itemID }

// AppendTurn stores the turn and sets its Seq.
func (s *RedisWarmStore) AppendTurn(ctx context.Context, turn *domain.ConversationTurn) error {
	if err := domain.ValidateConversationTurn(turn); err != nil {
		return domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid conversation turn", err)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	member, err := json.Marshal(turnRecord{Role: turn.Role, Content: turn.Content, CreatedAt: turn.CreatedAt})
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	keys := []string{s.seqKey(turn.SessionID), s.turnsKey(turn.SessionID), s.sessionsKey()}
	seq, err := appendTurn.Run(ctx, s.client, keys, member, turn.CreatedAt.UnixMilli(), turn.SessionID).Int64()
	if err != nil {
		return domain.StoreUnavailable("append turn", err)
	}
	turn.Seq = seq
	return nil
}

// Turns returns the latest limit turns of a session in order. limit <= 0 returns all.
func (s *RedisWarmStore) Turns(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	members, err := s.client.ZRangeWithScores(ctx, s.turnsKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, domain.StoreUnavailable("list turns", err)
	}

	turns := make([]*domain.ConversationTurn, 0, len(members))
	for _, m := range members {
		turn, err := decodeTurn(sessionID, m)
		if err != nil {
			s.logger.Warn("skipping undecodable turn", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func decodeTurn(sessionID string, z redis.Z) (*domain.ConversationTurn, error) {
	raw, ok := z.Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected member type %T", z.Member)
	}
	_, payload, found := strings.Cut(raw, ":")
	if !found {
		return nil, fmt.Errorf("malformed turn member")
	}
	var rec turnRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, err
	}
	return &domain.ConversationTurn{
		SessionID: sessionID,
		Seq:       int64(z.Score),
		Role:      rec.Role,
		Content:   rec.Content,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// EvictTurnsBefore removes every turn created before cutoff and returns
// how many were removed. Sessions idle since before cutoff are dropped whole.
func (s *RedisWarmStore) EvictTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffScore := strconv.FormatInt(cutoff.UnixMilli(), 10)

	stale, err := s.client.ZRangeByScore(ctx, s.sessionsKey(), &redis.ZRangeBy{Min: "-inf", Max: "(" + cutoffScore}).Result()
	if err != nil {
		return 0, domain.StoreUnavailable("list idle sessions", err)
	}

	var removed int64
	for _, sessionID := range stale {
		n, err := s.dropSession(ctx, sessionID)
		if err != nil {
			return removed, err
		}
		removed += n
	}

	active, err := s.client.ZRangeByScore(ctx, s.sessionsKey(), &redis.ZRangeBy{Min: cutoffScore, Max: "+inf"}).Result()
	if err != nil {
		return removed, domain.StoreUnavailable("list active sessions", err)
	}
	for _, sessionID := range active {
		n, err := s.trimSession(ctx, sessionID, cutoff)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (s *RedisWarmStore) dropSession(ctx context.Context, sessionID string) (int64, error) {
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		card = pipe.ZCard(ctx, s.turnsKey(sessionID))
		pipe.Del(ctx, s.turnsKey(sessionID), s.seqKey(sessionID), s.historyKey(sessionID))
		pipe.ZRem(ctx, s.sessionsKey(), sessionID)
		return nil
	})
	if err != nil {
		return 0, domain.StoreUnavailable("drop session", err)
	}
	return card.Val(), nil
}

// trimSession removes old turns from the front of the session. Turns are
// appended in time order, so the scan stops at the first young turn.
func (s *RedisWarmStore) trimSession(ctx context.Context, sessionID string, cutoff time.Time) (int64, error) {
	var removed int64
	for {
		batch, err := s.client.ZRangeWithScores(ctx, s.turnsKey(sessionID), 0, evictBatch-1).Result()
		if err != nil {
			return removed, domain.StoreUnavailable("scan turns", err)
		}
		if len(batch) == 0 {
			return removed, nil
		}

		var old []any
		for _, z := range batch {
			turn, err := decodeTurn(sessionID, z)
			if err == nil && !turn.CreatedAt.Before(cutoff) {
				break
			}
			old = append(old, z.Member)
		}
		if len(old) == 0 {
			return removed, nil
		}
		n, err := s.client.ZRem(ctx, s.turnsKey(sessionID), old...).Result()
		if err != nil {
			return removed, domain.StoreUnavailable("evict turns", err)
		}
		removed += n
		if len(old) < len(batch) {
			return removed, nil
		}
	}
}

// PutItem materialises an item in the warm tier.
func (s *RedisWarmStore) PutItem(ctx context.Context, item *HotItem, ttl time.Duration) error {
	data, err := EncodeHotItem(item)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.itemKey(item.ID), data, ttl).Err(); err != nil {
		return domain.StoreUnavailable("put warm item", err)
	}
	return nil
}

// GetItem returns ErrCacheMiss when the item is not materialised.
func (s *RedisWarmStore) GetItem(ctx context.Context, itemID string) (*HotItem, error) {
	data, err := s.client.Get(ctx, s.itemKey(itemID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, domain.StoreUnavailable("get warm item", err)
	}
	return DecodeHotItem(data)
}

func (s *RedisWarmStore) DeleteItem(ctx context.Context, itemID string) error {
	if err := s.client.Del(ctx, s.itemKey(itemID)).Err(); err != nil {
		return domain.StoreUnavailable("delete warm item", err)
	}
	return nil
}

// RecentResponses returns up to n of the session's latest responses, newest first.
func (s *RedisWarmStore) RecentResponses(ctx context.Context, sessionID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	out, err := s.client.LRange(ctx, s.historyKey(sessionID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, domain.StoreUnavailable("recent responses", err)
	}
	return out, nil
}

// RememberResponse records a returned response, keeping the newest keep entries.
func (s *RedisWarmStore) RememberResponse(ctx context.Context, sessionID, text string, keep int, ttl time.Duration) error {
	if keep <= 0 {
		return nil
	}
	key := s.historyKey(sessionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, text)
		pipe.LTrim(ctx, key, 0, int64(keep-1))
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return domain.StoreUnavailable("remember response", err)
	}
	return nil
}
