package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/util"
)

const ipRateLimitPrefix = "ip_rate_limit:"

// RateLimitCache keeps fixed-window request counters in Redis. The window
// starts at the first request and is not extended by later ones.
type RateLimitCache struct {
	client *client.RedisClient
	max    int64
	window time.Duration
}

func NewRateLimitCache(client *client.RedisClient, max int, window time.Duration) *RateLimitCache {
	return &RateLimitCache{client: client, max: int64(max), window: window}
}

// AllowIP counts one request from ip. Once the window holds more than max
// requests it returns false and the time left until the window resets.
func (c *RateLimitCache) AllowIP(ctx context.Context, ip string) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := ipRateLimitPrefix + ip

	count, err := c.client.Incr(ctx, key)
	if err != nil {
		util.Error("Failed to increment IP counter", zap.String("ip", ip), zap.Error(err))
		return false, 0, fmt.Errorf("failed to increment ip rate limit counter: %w", err)
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, c.window); err != nil {
			return false, 0, fmt.Errorf("failed to set ip rate limit window: %w", err)
		}
	}
	if count <= c.max {
		return true, 0, nil
	}

	ttl, err := c.client.TTL(ctx, key)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read ip rate limit window: %w", err)
	}
	// The expiry can be lost if the process died between INCR and EXPIRE.
	if ttl < 0 {
		if err := c.client.Expire(ctx, key, c.window); err != nil {
			return false, 0, fmt.Errorf("failed to set ip rate limit window: %w", err)
		}
		ttl = c.window
	}

	util.Debug("IP rate limit exceeded",
		zap.String("ip", ip),
		zap.Int64("count", count),
		zap.Duration("retry_in", ttl))
	return false, ttl, nil
}
