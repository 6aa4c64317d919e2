package redisdb

import (
	"context"
	"encoding/json"
	"time"

	domainrag "ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"

	"github.com/redis/go-redis/v9"
)

// ResultCache 融合结果 Redis 缓存。
// 每个 doc_key 维护一个集合记录引用它的缓存 key，用于按文档失效。
type ResultCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewResultCache 创建融合结果缓存
func NewResultCache(rdb *redis.Client, ttlSeconds int) *ResultCache {
	ttl := 5 * time.Minute
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &ResultCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "rag:cache:",
	}
}

// Get 从缓存获取融合结果
func (c *ResultCache) Get(ctx context.Context, key string) (*domainrag.FusionResult, bool) {
	data, err := c.redis.Get(ctx, c.resultKey(key)).Bytes()
	if err != nil {
		return nil, false
	}

	var result domainrag.FusionResult
	if err := json.Unmarshal(data, &result); err != nil {
		applog.Warn("[RAG/Cache] Failed to unmarshal cached result", "error", err)
		return nil, false
	}

	applog.Debug("[RAG/Cache] Hit", "key", key)
	return &result, true
}

// Set 写入结果并登记 doc_key 反向索引
func (c *ResultCache) Set(ctx context.Context, key string, result *domainrag.FusionResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	rk := c.resultKey(key)
	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, rk, data, c.ttl)
	for _, docKey := range result.DocKeys() {
		tag := c.tagKey(docKey)
		pipe.SAdd(ctx, tag, rk)
		pipe.Expire(ctx, tag, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		applog.Warn("[RAG/Cache] Failed to set cache", "key", key, "error", err)
	}
}

// InvalidateDocKey 清除引用该 doc_key 的缓存结果
func (c *ResultCache) InvalidateDocKey(ctx context.Context, docKey string) {
	tag := c.tagKey(docKey)
	keys, err := c.redis.SMembers(ctx, tag).Result()
	if err != nil {
		applog.Warn("[RAG/Cache] Failed to read invalidation set", "doc_key", docKey, "error", err)
		return
	}
	keys = append(keys, tag)
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		applog.Warn("[RAG/Cache] Failed to invalidate", "doc_key", docKey, "error", err)
		return
	}
	applog.Info("[RAG/Cache] Invalidated", "doc_key", docKey, "keys_deleted", len(keys)-1)
}

// InvalidateAll 清除所有融合结果缓存
func (c *ResultCache) InvalidateAll(ctx context.Context) {
	pattern := c.prefix + "*"
	iter := c.redis.Scan(ctx, 0, pattern, 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		applog.Warn("[RAG/Cache] Scan failed", "error", err)
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
		applog.Info("[RAG/Cache] All cache invalidated", "keys_deleted", len(keys))
	}
}

func (c *ResultCache) resultKey(key string) string {
	return c.prefix + "r:" + key
}

func (c *ResultCache) tagKey(docKey string) string {
	return c.prefix + "doc:" + docKey
}
