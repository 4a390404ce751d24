package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newConversationService(t *testing.T, cfg ConversationConfig) (*ConversationService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewConversationService(storage.NewRedisWarmStore(client, "", zap.NewNop()), cfg, nil, zap.NewNop()), mr
}

func TestConversationService_AppendAndHistory(t *testing.T) {
	svc, _ := newConversationService(t, ConversationConfig{})
	ctx := context.Background()

	first, err := svc.Append(ctx, "s1", domain.RoleUser, "hello")
	require.NoError(t, err)
	second, err := svc.Append(ctx, "s1", domain.RoleAssistant, "hi there")
	require.NoError(t, err)
	assert.Less(t, first.Seq, second.Seq)

	history, err := svc.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, domain.RoleAssistant, history[1].Role)

	_, err = svc.History(ctx, "", 0)
	assert.Equal(t, domain.ErrCodeValidation, domain.CodeOf(err))
}

func TestConversationService_ConcurrentAppendsAreOrdered(t *testing.T) {
	svc, _ := newConversationService(t, ConversationConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Append(ctx, "s1", domain.RoleUser, "msg")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := svc.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 20)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].Seq+1, history[i].Seq)
	}
}

func TestConversationService_Sweep(t *testing.T) {
	svc, _ := newConversationService(t, ConversationConfig{Retention: time.Hour})
	ctx := context.Background()
	now := time.Now()

	svc.now = func() time.Time { return now.Add(-2 * time.Hour) }
	_, err := svc.Append(ctx, "old", domain.RoleUser, "stale")
	require.NoError(t, err)
	svc.now = func() time.Time { return now }
	_, err = svc.Append(ctx, "new", domain.RoleUser, "fresh")
	require.NoError(t, err)

	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := svc.History(ctx, "old", 0)
	require.NoError(t, err)
	assert.Empty(t, old)
	fresh, err := svc.History(ctx, "new", 0)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestConversationService_SweepWithoutRetention(t *testing.T) {
	svc, _ := newConversationService(t, ConversationConfig{})

	n, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConversationService_RememberAndRecent(t *testing.T) {
	svc, _ := newConversationService(t, ConversationConfig{HistorySize: 2})
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, svc.Remember(ctx, "s1", text))
	}

	recent, err := svc.RecentResponses(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "two"}, recent)
}
