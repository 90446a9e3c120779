package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV on top of Redis.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects to Redis using a redis:// URL.
func NewRedisKV(redisURL string) (*RedisKV, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisKV{
		client: client,
		prefix: "foresight:",
	}, nil
}

// NewRedisKVWithClient creates a store from an existing Redis client.
func NewRedisKVWithClient(client *redis.Client) *RedisKV {
	return &RedisKV{
		client: client,
		prefix: "foresight:",
	}
}

func (s *RedisKV) key(key string) string {
	return s.prefix + key
}

// Get returns the value stored under key, or ErrNotFound.
func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Set stores value under key with no expiration.
func (s *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *RedisKV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisKV) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisKV) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
