package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"velomarket/server/internal/fmv"
)

// FMVCache stores JSON-encoded estimates under the valuator's cohort keys.
type FMVCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewFMVCache(c *Client, ttl time.Duration) *FMVCache {
	return &FMVCache{rdb: c.rdb, ttl: ttl}
}

// Get returns fmv.ErrCacheMiss when the key does not exist.
func (c *FMVCache) Get(ctx context.Context, key string) (fmv.Estimate, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmv.Estimate{}, fmv.ErrCacheMiss
		}
		return fmv.Estimate{}, fmt.Errorf("redis: get %s: %w", key, err)
	}

	var est fmv.Estimate
	if err := json.Unmarshal(data, &est); err != nil {
		return fmv.Estimate{}, fmt.Errorf("redis: unmarshal %s: %w", key, err)
	}
	return est, nil
}

func (c *FMVCache) Set(ctx context.Context, key string, est fmv.Estimate) error {
	data, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// Invalidate drops every cached estimate for a brand and model.
func (c *FMVCache) Invalidate(ctx context.Context, brand, model string) error {
	pattern := invalidatePattern(brand, model)

	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis: scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: invalidate %s: %w", pattern, err)
	}
	return nil
}

func invalidatePattern(brand, model string) string {
	key := fmv.CacheKey(brand, model, nil)
	return strings.TrimSuffix(key, "any") + "*"
}
