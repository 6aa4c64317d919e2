package redisdb

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	applog "ragweave/internal/platform/log"
)

// CacheTier Redis 缓存层（embedding L2）
type CacheTier struct {
	redis  *redis.Client
	prefix string
}

// NewCacheTier 创建 Redis 缓存层
func NewCacheTier(rdb *redis.Client) *CacheTier {
	return &CacheTier{redis: rdb, prefix: "rag:"}
}

func (c *CacheTier) Name() string { return "redis" }

func (c *CacheTier) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			applog.Warn("[RAG/Cache] Redis get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

func (c *CacheTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.redis.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		applog.Warn("[RAG/Cache] Redis set failed", "key", key, "error", err)
	}
}

func (c *CacheTier) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	if err := c.redis.Del(ctx, full...).Err(); err != nil {
		applog.Warn("[RAG/Cache] Redis delete failed", "keys", len(keys), "error", err)
	}
}
