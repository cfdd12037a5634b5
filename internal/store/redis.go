package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs admission state with a shared Redis instance, giving
// strictly consistent counters and registry entries across any number of
// gateway replicas.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(host, port, username, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     host + ":" + port,
		Username: username,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (st *RedisStore) IncrementWindow(ctx context.Context, key string, window time.Duration) (WindowResult, error) {
	pipe := st.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX: only arm the expiry on the first increment of a window, so later
	// increments never extend it.
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return WindowResult{}, fmt.Errorf("redis increment %s: %w", key, err)
	}

	resetAt := time.Now().Add(window)
	if d := ttl.Val(); d > 0 {
		resetAt = time.Now().Add(d)
	}
	return WindowResult{Count: incr.Val(), ResetAt: resetAt}, nil
}

func (st *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := st.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (st *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := st.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (st *RedisStore) Delete(ctx context.Context, key string) error {
	if err := st.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (st *RedisStore) Backend() string { return "redis" }

func (st *RedisStore) Close() error {
	return st.client.Close()
}
