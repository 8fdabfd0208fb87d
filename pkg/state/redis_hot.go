package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHot is the Redis-backed hot tier. Entries are JSON blobs under
// tenant-scoped keys; Redis owns expiry.
type RedisHot struct {
	client *redis.Client
	prefix string
}

// NewRedisHot creates a Redis-backed hot store.
func NewRedisHot(addr, password string, db int) *RedisHot {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisHot{client: rdb, prefix: "state:hot:"}
}

// NewRedisHotFromClient wraps an existing client.
func NewRedisHotFromClient(client *redis.Client) *RedisHot {
	return &RedisHot{client: client, prefix: "state:hot:"}
}

func (s *RedisHot) redisKey(key Key) string {
	return s.prefix + key.String()
}

// Get returns a live entry or ErrNotFound.
func (s *RedisHot) Get(ctx context.Context, key Key) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("state: corrupt hot entry %s: %w", key, err)
	}
	return &e, nil
}

// Put stores an entry; Redis enforces the TTL.
func (s *RedisHot) Put(ctx context.Context, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrTTLRequired
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("state: marshal hot entry: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(e.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("state: redis set: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *RedisHot) Delete(ctx context.Context, key Key) error {
	n, err := s.client.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		return fmt.Errorf("state: redis del: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
