package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisWarmStore_AppendTurnsInOrder(t *testing.T) {
	_, client := newMiniRedis(t)
	s := NewRedisWarmStore(client, "", nil)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, content := range []string{"hello", "hi there", "hello"} {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		turn := &domain.ConversationTurn{SessionID: "s1", Role: role, Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.AppendTurn(ctx, turn))
		assert.Equal(t, int64(i+1), turn.Seq)
	}

	turns, err := s.Turns(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, domain.RoleAssistant, turns[1].Role)
	assert.Equal(t, int64(3), turns[2].Seq)

	last, err := s.Turns(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, int64(2), last[0].Seq)
}

func TestRedisWarmStore_AppendTurnValidates(t *testing.T) {
	_, client := newMiniRedis(t)
	s := NewRedisWarmStore(client, "", nil)

	err := s.AppendTurn(context.Background(), &domain.ConversationTurn{SessionID: "s1", Role: "bot", Content: "x"})
	assert.ErrorIs(t, err, domain.ErrMissingRequiredField)
}

func TestRedisWarmStore_EvictTurnsBefore(t *testing.T) {
	_, client := newMiniRedis(t)
	s := NewRedisWarmStore(client, "", nil)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	appendAt := func(session string, at time.Time) {
		require.NoError(t, s.AppendTurn(ctx, &domain.ConversationTurn{SessionID: session, Role: domain.RoleUser, Content: "m", CreatedAt: at}))
	}
	appendAt("idle", base)
	appendAt("idle", base.Add(time.Minute))
	appendAt("active", base)
	appendAt("active", base.Add(2*time.Hour))

	removed, err := s.EvictTurnsBefore(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	idle, err := s.Turns(ctx, "idle", 0)
	require.NoError(t, err)
	assert.Empty(t, idle)

	active, err := s.Turns(ctx, "active", 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].Seq)

	removed, err = s.EvictTurnsBefore(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRedisWarmStore_Items(t *testing.T) {
	mr, client := newMiniRedis(t)
	s := NewRedisWarmStore(client, "", nil)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	item := domain.NewKnowledgeItem("i1", "content", "docs", map[string]any{"lang": "en"}, now)
	require.NoError(t, s.PutItem(ctx, NewHotItem(item, domain.TierWarm, now), time.Hour))

	got, err := s.GetItem(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "content", got.Content)
	assert.Equal(t, domain.TierWarm, got.KnowledgeItem().Tier)

	mr.FastForward(time.Hour)
	_, err = s.GetItem(ctx, "i1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, s.PutItem(ctx, NewHotItem(item, domain.TierWarm, now), time.Hour))
	require.NoError(t, s.DeleteItem(ctx, "i1"))
	_, err = s.GetItem(ctx, "i1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisWarmStore_ResponseHistory(t *testing.T) {
	mr, client := newMiniRedis(t)
	s := NewRedisWarmStore(client, "", nil)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.RememberResponse(ctx, "s1", text, 2, time.Minute))
	}

	recent, err := s.RecentResponses(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "two"}, recent)

	mr.FastForward(2 * time.Minute)
	recent, err = s.RecentResponses(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
