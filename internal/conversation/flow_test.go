package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var allFlows = []Flow{
	AwaitingHostURL{},
	AwaitingHostName{URL: "http://10.0.0.2:11434"},
	AwaitingModelName{},
	AwaitingChatRename{ChatID: 12},
	AwaitingResponseEdit{ChatID: 34},
}

func TestRedisFlowStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	store := NewRedisFlowStore(rdb, time.Minute)

	f, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, f)

	for _, want := range allFlows {
		require.NoError(t, store.Set(ctx, 1, want))
		got, err := store.Get(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	mr.FastForward(2 * time.Minute)
	f, err = store.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, f, "flow must expire")

	require.NoError(t, store.Set(ctx, 1, AwaitingModelName{}))
	require.NoError(t, store.Clear(ctx, 1))
	f, err = store.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, f)
}

func TestRedisFlowStoreRejectsUnknownKind(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	require.NoError(t, mr.Set("ollamabot:flow:5", `{"kind":"llm_wizard"}`))
	_, err = NewRedisFlowStore(rdb, time.Minute).Get(context.Background(), 5)
	require.Error(t, err)
}

func TestMemoryFlowStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryFlowStore(time.Minute)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, 7, AwaitingChatRename{ChatID: 3}))
	f, err := store.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, AwaitingChatRename{ChatID: 3}, f)

	now = now.Add(2 * time.Minute)
	f, err = store.Get(ctx, 7)
	require.NoError(t, err)
	require.Nil(t, f)
}
