package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"faceauth-service/internal/client"
	"faceauth-service/internal/util"
)

const (
	rateLimitPrefix = "rate_limit:"
	tempLockPrefix  = "temp_lock:"
)

// RateLimitCache counts failed attempts per key and locks a key out once it
// reaches its limit.
type RateLimitCache struct {
	client *client.RedisClient
	logger *zap.Logger
}

func NewRateLimitCache(client *client.RedisClient, logger *zap.Logger) *RateLimitCache {
	return &RateLimitCache{client: client, logger: logger}
}

func (c *RateLimitCache) SetTemporaryLock(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := c.client.SetNX(ctx, tempLockPrefix+key, "locked", ttl)
	if err != nil {
		c.logger.Error("Failed to set temporary lock",
			util.String("key", key),
			util.Duration("ttl", ttl),
			util.ErrorField(err))
		return fmt.Errorf("failed to set temporary lock: %w", err)
	}
	if ok {
		c.logger.Info("Temporary lock set", util.String("key", key), util.Duration("ttl", ttl))
	}
	return nil
}

func (c *RateLimitCache) IsLocked(ctx context.Context, key string) (bool, error) {
	exists, err := c.client.Exists(ctx, tempLockPrefix+key)
	if err != nil {
		c.logger.Error("Failed to check lock", util.String("key", key), util.ErrorField(err))
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return exists, nil
}

func (c *RateLimitCache) IncrementCounter(ctx context.Context, key string, ttl time.Duration) (int, error) {
	count, err := c.client.IncrWithExpire(ctx, rateLimitPrefix+key, ttl)
	if err != nil {
		c.logger.Error("Failed to increment rate limit counter",
			util.String("key", key),
			util.Duration("ttl", ttl),
			util.ErrorField(err))
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	c.logger.Debug("Rate limit counter incremented",
		util.String("key", key),
		util.Int("count", int(count)))

	return int(count), nil
}

func (c *RateLimitCache) GetCounter(ctx context.Context, key string) (int, error) {
	raw, err := c.client.Get(ctx, rateLimitPrefix+key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get rate limit counter: %w", err)
	}

	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid counter format: %w", err)
	}
	return count, nil
}

func (c *RateLimitCache) ResetCounter(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, rateLimitPrefix+key, tempLockPrefix+key); err != nil {
		c.logger.Error("Failed to reset rate limit counter", util.String("key", key), util.ErrorField(err))
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}

// RegisterFailure counts a failed attempt and locks the key for window once
// maxAttempts is reached. It reports whether the key is now locked.
func (c *RateLimitCache) RegisterFailure(ctx context.Context, key string, maxAttempts int, window time.Duration) (bool, error) {
	count, err := c.IncrementCounter(ctx, key, window)
	if err != nil {
		return false, err
	}
	if count < maxAttempts {
		return false, nil
	}
	if err := c.SetTemporaryLock(ctx, key, window); err != nil {
		return false, err
	}
	return true, nil
}
