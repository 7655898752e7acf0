package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/store"
	"identity-service/internal/util"
)

const (
	counterPrefix = "attempt_counter:"
	kvPrefix      = "draft_kv:"
)

// CounterStore is the redis-backed store.Counter; shared across server
// replicas, so throttling stays correct under horizontal scaling.
type CounterStore struct {
	client *client.RedisClient
}

func NewCounterStore(client *client.RedisClient) *CounterStore {
	return &CounterStore{client: client}
}

func (c *CounterStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, counterPrefix+key, window)
	if err != nil {
		util.Error("Failed to increment attempt counter",
			zap.String("key", key),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment attempt counter: %w", err)
	}
	return int(count), nil
}

func (c *CounterStore) Count(ctx context.Context, key string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	countStr, err := c.client.Get(ctx, counterPrefix+key)
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return 0, nil // no attempts inside the window
		}
		return 0, fmt.Errorf("failed to get attempt counter: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return 0, fmt.Errorf("invalid counter format: %w", err)
	}
	return count, nil
}

func (c *CounterStore) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, counterPrefix+key); err != nil {
		util.Error("Failed to reset attempt counter",
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset attempt counter: %w", err)
	}
	return nil
}

// KVStore is the redis-backed store.KV used for signup drafts.
type KVStore struct {
	client *client.RedisClient
}

func NewKVStore(client *client.RedisClient) *KVStore {
	return &KVStore{client: client}
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Set(ctx, kvPrefix+key, value, ttl); err != nil {
		util.Error("Failed to store draft payload",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to store payload: %w", err)
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	val, err := s.client.Get(ctx, kvPrefix+key)
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payload: %w", err)
	}
	return []byte(val), nil
}

func (s *KVStore) GetDel(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	val, found, err := s.client.GetDel(ctx, kvPrefix+key)
	if err != nil {
		return nil, fmt.Errorf("failed to consume payload: %w", err)
	}
	if !found {
		return nil, store.ErrNotFound
	}
	return []byte(val), nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.client.Del(ctx, kvPrefix+key)
}
