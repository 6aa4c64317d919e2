package rag

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"ragweave/internal/platform/metrics"
)

// CacheLayer 缓存层及其 TTL
type CacheLayer struct {
	Tier CacheTier
	TTL  time.Duration
}

// CacheHierarchy 分层缓存：进程内 → 分布式。
// 低层命中时回填更快的层；写入时穿透全部层。任何层出错都按未命中处理。
type CacheHierarchy struct {
	layers []CacheLayer
}

// NewCacheHierarchy 按从快到慢的顺序组装缓存层，忽略 nil
func NewCacheHierarchy(layers ...CacheLayer) *CacheHierarchy {
	h := &CacheHierarchy{}
	for _, l := range layers {
		if l.Tier != nil {
			h.layers = append(h.layers, l)
		}
	}
	return h
}

// Tiers 返回各层名称
func (h *CacheHierarchy) Tiers() []string {
	names := make([]string, len(h.layers))
	for i, l := range h.layers {
		names[i] = l.Tier.Name()
	}
	return names
}

// Get 自上而下查找；命中后回填上层
func (h *CacheHierarchy) Get(ctx context.Context, key string) ([]byte, bool) {
	if h == nil {
		return nil, false
	}
	for i, l := range h.layers {
		val, ok := l.Tier.Get(ctx, key)
		metrics.CacheLookup(l.Tier.Name(), ok)
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			h.layers[j].Tier.Set(ctx, key, val, h.layers[j].TTL)
		}
		return val, true
	}
	return nil, false
}

// Set 写穿所有层
func (h *CacheHierarchy) Set(ctx context.Context, key string, value []byte) {
	if h == nil {
		return
	}
	for _, l := range h.layers {
		l.Tier.Set(ctx, key, value, l.TTL)
	}
}

// Delete 从所有层删除
func (h *CacheHierarchy) Delete(ctx context.Context, keys ...string) {
	if h == nil || len(keys) == 0 {
		return
	}
	for _, l := range h.layers {
		l.Tier.Delete(ctx, keys...)
	}
}

// ── 向量编解码（小端 float32）───────────────────────────────

// EncodeVector 向量转字节
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector 字节转向量
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector encoding: %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
