package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/kv"
	"identity-service/internal/util"
)

const opTimeout = 5 * time.Second

// Store is the live kv.Store backed by Redis.
type Store struct {
	client *client.RedisClient
}

var _ kv.Store = (*Store)(nil)

func NewStore(client *client.RedisClient) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return "", false, nil
		}
		util.Error("Failed to get key from cache", zap.String("key", key), zap.Error(err))
		return "", false, fmt.Errorf("failed to get %s from cache: %w", key, err)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl); err != nil {
		util.Error("Failed to set key in cache", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
		return fmt.Errorf("failed to set %s in cache: %w", key, err)
	}
	util.Debug("Key cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// SetAll writes the entries inside a MULTI/EXEC block.
func (s *Store) SetAll(ctx context.Context, entries ...kv.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	for _, e := range entries {
		pipe.Set(ctx, e.Key, e.Value, e.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to set multiple keys", zap.Int("count", len(entries)), zap.Error(err))
		return fmt.Errorf("failed to set multiple keys: %w", err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := s.client.Del(ctx, keys...)
	if err != nil {
		util.Error("Failed to delete keys from cache", zap.Strings("keys", keys), zap.Error(err))
		return 0, fmt.Errorf("failed to delete keys from cache: %w", err)
	}
	return n, nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	count, err := s.client.IncrWithExpire(ctx, key, ttl)
	if err != nil {
		util.Error("Failed to increment counter", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	util.Debug("Counter incremented", zap.String("key", key), zap.Int64("count", count))
	return count, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
