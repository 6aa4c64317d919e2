package localcache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"ragweave/internal/domain/rag"
)

// ResultCache 进程内融合结果缓存（LRU + TTL），按 doc_key 失效
type ResultCache struct {
	lru *expirable.LRU[string, *rag.FusionResult]

	// mu 只保护 byDoc；持有 mu 时不调用 lru，淘汰回调会反向加锁
	mu    sync.Mutex
	byDoc map[string]map[string]struct{}
}

// NewResultCache 创建进程内结果缓存
func NewResultCache(size int, ttl time.Duration) *ResultCache {
	if size <= 0 {
		size = 1024
	}
	c := &ResultCache{byDoc: make(map[string]map[string]struct{})}
	c.lru = expirable.NewLRU[string, *rag.FusionResult](size, c.onEvict, ttl)
	return c
}

func (c *ResultCache) onEvict(key string, result *rag.FusionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, docKey := range result.DocKeys() {
		if keys, ok := c.byDoc[docKey]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byDoc, docKey)
			}
		}
	}
}

func (c *ResultCache) Get(_ context.Context, key string) (*rag.FusionResult, bool) {
	r, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (c *ResultCache) Set(_ context.Context, key string, result *rag.FusionResult) {
	stored := result.Clone()
	c.lru.Add(key, stored)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, docKey := range stored.DocKeys() {
		keys, ok := c.byDoc[docKey]
		if !ok {
			keys = make(map[string]struct{})
			c.byDoc[docKey] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *ResultCache) InvalidateDocKey(_ context.Context, docKey string) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.byDoc[docKey]))
	for key := range c.byDoc[docKey] {
		keys = append(keys, key)
	}
	delete(c.byDoc, docKey)
	c.mu.Unlock()

	for _, key := range keys {
		c.lru.Remove(key)
	}
}

func (c *ResultCache) InvalidateAll(_ context.Context) {
	c.lru.Purge()
}

// Len 当前缓存条数
func (c *ResultCache) Len() int {
	return c.lru.Len()
}
