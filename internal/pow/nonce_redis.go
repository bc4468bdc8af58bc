package pow

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore marks challenges as consumed in Redis, making each one
// single-use across process restarts and replicas.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(redisURL string) (*RedisNonceStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisNonceStore{client: client, prefix: "pow:"}, nil
}

// NewRedisNonceStoreWithClient creates a store from an existing client.
func NewRedisNonceStoreWithClient(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "pow:"}
}

// Consume reports whether the nonce was recorded for the first time. The
// entry expires with the challenge itself, so the set stays small.
func (s *RedisNonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	first, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consume pow nonce: %w", err)
	}
	return first, nil
}

func (s *RedisNonceStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisNonceStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
