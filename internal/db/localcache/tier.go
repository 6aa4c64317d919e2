package localcache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Tier 进程内缓存层（embedding L1），按字节数计费
type Tier struct {
	cache *ristretto.Cache[string, []byte]
}

// NewTier 创建进程内缓存层；maxItems 用于估算计数器数量，maxBytes 为容量上限
func NewTier(maxItems, maxBytes int64) (*Tier, error) {
	if maxItems <= 0 {
		maxItems = 10000
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxItems * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}
	return &Tier{cache: cache}, nil
}

func (t *Tier) Name() string { return "local" }

func (t *Tier) Get(_ context.Context, key string) ([]byte, bool) {
	return t.cache.Get(key)
}

// Set 写入后等待缓冲区落地，保证随后的 Get 可见
func (t *Tier) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if t.cache.SetWithTTL(key, value, int64(len(value)), ttl) {
		t.cache.Wait()
	}
}

func (t *Tier) Delete(_ context.Context, keys ...string) {
	for _, k := range keys {
		t.cache.Del(k)
	}
}

// Close 释放后台协程
func (t *Tier) Close() {
	t.cache.Close()
}
