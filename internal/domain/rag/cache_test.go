package rag_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragweave/internal/domain/rag"
)

type mapTier struct {
	name string
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
	gets int
}

func newMapTier(name string) *mapTier {
	return &mapTier{name: name, data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *mapTier) Name() string { return m.name }

func (m *mapTier) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.data[key]
	return v, ok
}

func (m *mapTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
}

func (m *mapTier) Delete(_ context.Context, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
}

func (m *mapTier) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func TestCacheHierarchyBackfillsFasterTiers(t *testing.T) {
	ctx := context.Background()
	l1, l2 := newMapTier("l1"), newMapTier("l2")
	h := rag.NewCacheHierarchy(
		rag.CacheLayer{Tier: l1, TTL: time.Minute},
		rag.CacheLayer{Tier: nil},
		rag.CacheLayer{Tier: l2, TTL: time.Hour},
	)
	assert.Equal(t, []string{"l1", "l2"}, h.Tiers())

	l2.Set(ctx, "k", []byte("v"), time.Hour)
	got, ok := h.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	assert.True(t, l1.has("k"))
	assert.Equal(t, time.Minute, l1.ttls["k"])

	_, ok = h.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestCacheHierarchyWritesThroughAndDeletes(t *testing.T) {
	ctx := context.Background()
	l1, l2 := newMapTier("l1"), newMapTier("l2")
	h := rag.NewCacheHierarchy(rag.CacheLayer{Tier: l1, TTL: time.Minute}, rag.CacheLayer{Tier: l2, TTL: time.Hour})

	h.Set(ctx, "k", []byte("v"))
	assert.True(t, l1.has("k"))
	assert.True(t, l2.has("k"))
	assert.Equal(t, time.Hour, l2.ttls["k"])

	h.Delete(ctx, "k")
	assert.False(t, l1.has("k"))
	assert.False(t, l2.has("k"))
}

func TestNilCacheHierarchyIsAMiss(t *testing.T) {
	var h *rag.CacheHierarchy
	_, ok := h.Get(context.Background(), "k")
	assert.False(t, ok)
	h.Set(context.Background(), "k", []byte("v"))
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	got, err := rag.DecodeVector(rag.EncodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = rag.DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
