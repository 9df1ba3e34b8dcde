package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func sentKey(provider, providerMessageID string) string {
	return fmt.Sprintf("msg:%s:%s", provider, providerMessageID)
}

func (c *RedisCache) StoreSent(ctx context.Context, provider, providerMessageID string, e SentEntry) error {
	e.SentAt = e.SentAt.UTC()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sentKey(provider, providerMessageID), b, c.ttl).Err()
}

func (c *RedisCache) LookupSent(ctx context.Context, provider, providerMessageID string) (SentEntry, bool, error) {
	raw, err := c.rdb.Get(ctx, sentKey(provider, providerMessageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SentEntry{}, false, nil
	}
	if err != nil {
		return SentEntry{}, false, err
	}

	var e SentEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return SentEntry{}, false, fmt.Errorf("decode cached entry: %w", err)
	}
	return e, true, nil
}
