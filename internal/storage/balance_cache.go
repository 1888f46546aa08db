package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/credential-pool/internal/types"
)

// BalanceCache keeps recent balance lookups so status views do not hit the usage endpoint every time
type BalanceCache struct {
	cache *RedisCache
}

// NewBalanceCache creates a new balance cache
func NewBalanceCache(cache *RedisCache) *BalanceCache {
	return &BalanceCache{cache: cache}
}

func (c *BalanceCache) key(id uint64) string {
	return c.cache.Key("balance", strconv.FormatUint(id, 10))
}

// Get returns the cached balance for id. A miss is (nil, false, nil).
func (c *BalanceCache) Get(ctx context.Context, id uint64) (*types.Balance, bool, error) {
	raw, err := c.cache.Get(ctx, c.key(id))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read balance %d: %w", id, err)
	}

	var b types.Balance
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, false, fmt.Errorf("failed to decode balance %d: %w", id, err)
	}
	return &b, true, nil
}

// Set stores b for ttl
func (c *BalanceCache) Set(ctx context.Context, b *types.Balance, ttl time.Duration) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode balance %d: %w", b.ID, err)
	}
	return c.cache.Set(ctx, c.key(b.ID), data, ttl)
}

// Invalidate drops the cached balance for id
func (c *BalanceCache) Invalidate(ctx context.Context, id uint64) error {
	return c.cache.Del(ctx, c.key(id))
}
