package rag_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragweave/internal/domain/rag"
)

// stubProvider 在哈希向量之上记录调用并按需注入失败
type stubProvider struct {
	*rag.HashEmbedder
	maxBatch int

	mu      sync.Mutex
	calls   int
	batches [][]string
	failN   int
	failErr error
}

func newStubProvider() *stubProvider {
	return &stubProvider{HashEmbedder: rag.NewHashEmbedder(16), maxBatch: 100}
}

func (p *stubProvider) MaxBatch() int { return p.maxBatch }

func (p *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	p.batches = append(p.batches, append([]string(nil), texts...))
	fail := p.failN != 0
	if p.failN > 0 {
		p.failN--
	}
	p.mu.Unlock()
	if fail {
		return nil, p.failErr
	}
	return p.HashEmbedder.Embed(ctx, texts)
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newClient(p rag.EmbeddingProvider, cache *rag.CacheHierarchy, cfg rag.EmbeddingClientConfig) *rag.EmbeddingClient {
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
	}
	return rag.NewEmbeddingClient(p, cache, rag.WordCounter{}, cfg)
}

func TestEmbeddingClientCachesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	p := newStubProvider()
	tier := newMapTier("l1")
	c := newClient(p, rag.NewCacheHierarchy(rag.CacheLayer{Tier: tier, TTL: time.Minute}), rag.EmbeddingClientConfig{})

	vecs, err := c.Embed(ctx, []string{"alpha", "beta", "alpha"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, vecs[0], vecs[2])
	assert.Equal(t, 1, p.callCount())
	assert.Equal(t, []string{"alpha", "beta"}, p.batches[0])
	assert.True(t, tier.has(c.CacheKey("alpha")))

	again, err := c.Embed(ctx, []string{"beta", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.callCount(), "second call served from cache")
	assert.Equal(t, vecs[1], again[0])
}

func TestEmbeddingClientCacheKeyIncludesModel(t *testing.T) {
	a := newClient(rag.NewHashEmbedder(16), nil, rag.EmbeddingClientConfig{})
	b := newClient(rag.NewHashEmbedder(32), nil, rag.EmbeddingClientConfig{})
	assert.NotEqual(t, a.CacheKey("text"), b.CacheKey("text"))
	assert.Equal(t, a.CacheKey("text"), a.CacheKey("text"))
}

func TestEmbeddingClientDropsCorruptCacheEntries(t *testing.T) {
	ctx := context.Background()
	p := newStubProvider()
	tier := newMapTier("l1")
	c := newClient(p, rag.NewCacheHierarchy(rag.CacheLayer{Tier: tier, TTL: time.Minute}), rag.EmbeddingClientConfig{})

	tier.Set(ctx, c.CacheKey("alpha"), []byte{1, 2, 3}, time.Minute)
	vecs, err := c.Embed(ctx, []string{"alpha"})
	require.NoError(t, err)
	assert.Len(t, vecs[0], 16)
	assert.Equal(t, 1, p.callCount())
}

func TestEmbeddingClientBatchesByCountAndTokens(t *testing.T) {
	ctx := context.Background()

	p := newStubProvider()
	p.maxBatch = 2
	c := newClient(p, nil, rag.EmbeddingClientConfig{})
	_, err := c.Embed(ctx, []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.callCount())

	p = newStubProvider()
	c = newClient(p, nil, rag.EmbeddingClientConfig{MaxBatchTokens: 4})
	_, err = c.Embed(ctx, []string{"a b", "c d", "e f"})
	require.NoError(t, err)
	require.Equal(t, 2, p.callCount())
	assert.Equal(t, []string{"a b", "c d"}, p.batches[0])
	assert.Equal(t, []string{"e f"}, p.batches[1])
}

func TestEmbeddingClientRetriesTransientErrors(t *testing.T) {
	p := newStubProvider()
	p.failN = 2
	p.failErr = &rag.ProviderError{StatusCode: http.StatusServiceUnavailable, Body: "busy"}
	c := newClient(p, nil, rag.EmbeddingClientConfig{MaxRetries: 3})

	vecs, err := c.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Equal(t, 3, p.callCount())
}

func TestEmbeddingClientUnavailableAfterRetries(t *testing.T) {
	p := newStubProvider()
	p.failN = -1
	p.failErr = &rag.ProviderError{StatusCode: http.StatusTooManyRequests, Body: "slow down"}
	c := newClient(p, nil, rag.EmbeddingClientConfig{MaxRetries: 2})

	_, err := c.Embed(context.Background(), []string{"alpha"})
	require.ErrorIs(t, err, rag.ErrEmbeddingUnavailable)

	var ue *rag.EmbeddingUnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 3, ue.Attempts)
	assert.Equal(t, 3, p.callCount())
}

func TestEmbeddingClientDoesNotRetryClientErrors(t *testing.T) {
	p := newStubProvider()
	p.failN = -1
	p.failErr = &rag.ProviderError{StatusCode: http.StatusBadRequest, Body: "bad input"}
	c := newClient(p, nil, rag.EmbeddingClientConfig{MaxRetries: 5})

	_, err := c.Embed(context.Background(), []string{"alpha"})
	require.ErrorIs(t, err, rag.ErrEmbeddingUnavailable)
	assert.Equal(t, 1, p.callCount())
}

func TestEmbeddingClientHonorsCancellation(t *testing.T) {
	p := newStubProvider()
	p.failN = -1
	p.failErr = &rag.ProviderError{StatusCode: http.StatusBadGateway}
	c := newClient(p, nil, rag.EmbeddingClientConfig{MaxRetries: 10, BaseBackoff: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Embed(ctx, []string{"alpha"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, rag.ErrEmbeddingUnavailable)
}

func TestEmbedQueryUsesCache(t *testing.T) {
	ctx := context.Background()
	p := newStubProvider()
	c := newClient(p, rag.NewCacheHierarchy(rag.CacheLayer{Tier: newMapTier("l1"), TTL: time.Minute}), rag.EmbeddingClientConfig{})

	first, err := c.EmbedQuery(ctx, "chest pain")
	require.NoError(t, err)
	second, err := c.EmbedQuery(ctx, "chest pain")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.callCount())
}

// slowProvider 每次调用阻塞 delay，且遵守 ctx
type slowProvider struct {
	*stubProvider
	delay time.Duration
}

func (p *slowProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.delay):
	}
	return p.stubProvider.Embed(ctx, texts)
}

func TestEmbedQueryCallerTimeoutDoesNotFailOtherWaiters(t *testing.T) {
	p := &slowProvider{stubProvider: newStubProvider(), delay: 100 * time.Millisecond}
	c := newClient(p, nil, rag.EmbeddingClientConfig{})

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var shortErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, shortErr = c.EmbedQuery(short, "same query")
	}()
	time.Sleep(5 * time.Millisecond)

	vec, err := c.EmbedQuery(context.Background(), "same query")
	wg.Wait()

	require.NoError(t, err)
	assert.Len(t, vec, 16)
	assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
	assert.Equal(t, 1, p.callCount())
}

func TestEmbedQuerySharedCallIsBounded(t *testing.T) {
	p := &slowProvider{stubProvider: newStubProvider(), delay: time.Second}
	c := newClient(p, nil, rag.EmbeddingClientConfig{QueryTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := c.EmbedQuery(context.Background(), "slow")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHashEmbedderIsDeterministicAndNormalized(t *testing.T) {
	e := rag.NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), []string{"blood pressure", "blood pressure"})
	require.NoError(t, err)
	assert.Equal(t, a[0], a[1])

	var norm float64
	for _, f := range a[0] {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, rag.IsRetryable(&rag.ProviderError{StatusCode: 500}))
	assert.True(t, rag.IsRetryable(&rag.ProviderError{StatusCode: 429}))
	assert.False(t, rag.IsRetryable(&rag.ProviderError{StatusCode: 401}))
	assert.False(t, rag.IsRetryable(context.Canceled))
	assert.True(t, rag.IsRetryable(context.DeadlineExceeded))
	assert.False(t, rag.IsRetryable(nil))
}
