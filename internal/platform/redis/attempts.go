// Package redis caches finished checkout attempts in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edumarket/edumarket-checkout/internal/domain"
)

const keyPrefix = "checkout:idem:"

// Connect initializes a Redis client from a redis:// URL or a host:port address and pings it.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// AttemptCache implements domain.AttemptCache.
type AttemptCache struct {
	client *redis.Client
}

// NewAttemptCache creates a cache over client.
func NewAttemptCache(client *redis.Client) *AttemptCache {
	return &AttemptCache{client: client}
}

// GetAttempt returns the cached attempt for key, or nil on a miss.
func (c *AttemptCache) GetAttempt(ctx context.Context, key string) (*domain.CheckoutAttempt, error) {
	raw, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout attempt from redis: %w", err)
	}
	var at domain.CheckoutAttempt
	if err := json.Unmarshal(raw, &at); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout attempt: %w", err)
	}
	return &at, nil
}

// PutAttempt stores a finished attempt. Pending attempts are never cached.
func (c *AttemptCache) PutAttempt(ctx context.Context, at *domain.CheckoutAttempt, ttl time.Duration) error {
	if at.Status == domain.AttemptStatusPending {
		return nil
	}
	raw, err := json.Marshal(at)
	if err != nil {
		return fmt.Errorf("failed to marshal checkout attempt: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+at.IdempotencyKey, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set checkout attempt in redis: %w", err)
	}
	return nil
}

// Ping checks the connection for the health endpoint.
func (c *AttemptCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
