package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFlowStore keeps flows in redis so they survive restarts and are shared
// between webhook replicas. Flows expire after ttl of inactivity.
type RedisFlowStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisFlowStore(rdb *redis.Client, ttl time.Duration) *RedisFlowStore {
	return &RedisFlowStore{redis: rdb, ttl: ttl}
}

func (r *RedisFlowStore) key(userID int64) string {
	return fmt.Sprintf("ollamabot:flow:%d", userID)
}

func (r *RedisFlowStore) Set(ctx context.Context, userID int64, f Flow) error {
	if f == nil {
		return fmt.Errorf("set flow: nil flow")
	}
	b, err := encodeFlow(f)
	if err != nil {
		return err
	}
	if err := r.redis.Set(ctx, r.key(userID), string(b), r.ttl).Err(); err != nil {
		return fmt.Errorf("set flow: %w", err)
	}
	return nil
}

func (r *RedisFlowStore) Get(ctx context.Context, userID int64) (Flow, error) {
	raw, err := r.redis.Get(ctx, r.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return decodeFlow([]byte(raw))
}

func (r *RedisFlowStore) Clear(ctx context.Context, userID int64) error {
	if err := r.redis.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("clear flow: %w", err)
	}
	return nil
}
