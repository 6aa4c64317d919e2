package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	applog "ragweave/internal/platform/log"
	"ragweave/internal/platform/metrics"
)

// EmbeddingClientConfig Embedding 客户端配置
type EmbeddingClientConfig struct {
	MaxRetries     int           // 重试次数（不含首次调用）
	BaseBackoff    time.Duration // 指数退避基数
	MaxBatchTokens int           // 单批 token 预算，0 表示不限
	QueryTimeout   time.Duration // 合并后的查询向量调用上限，与单个调用方的 ctx 无关
}

// EmbeddingClient 在 provider 之上叠加分层缓存、批次切分与重试
type EmbeddingClient struct {
	provider EmbeddingProvider
	cache    *CacheHierarchy
	counter  TokenCounter
	cfg      EmbeddingClientConfig
	group    singleflight.Group
}

// NewEmbeddingClient 创建 Embedding 客户端。cache 与 counter 可为 nil。
func NewEmbeddingClient(p EmbeddingProvider, cache *CacheHierarchy, counter TokenCounter, cfg EmbeddingClientConfig) *EmbeddingClient {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if counter == nil {
		counter = WordCounter{}
	}
	return &EmbeddingClient{
		provider: p,
		cache:    cache,
		counter:  counter,
		cfg:      cfg,
	}
}

// Model 当前模型标识
func (c *EmbeddingClient) Model() string { return c.provider.Model() }

// Dims 向量维度
func (c *EmbeddingClient) Dims() int { return c.provider.Dims() }

// CacheKey 缓存 key = sha256(model \x00 text)
func (c *EmbeddingClient) CacheKey(text string) string {
	h := sha256.New()
	h.Write([]byte(c.provider.Model()))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return "emb:" + hex.EncodeToString(h.Sum(nil))
}

// Embed 批量获取向量，顺序与输入一致。
// 缓存命中直接返回；未命中的文本去重后按批次调用 provider，并写回全部缓存层。
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missing := make(map[string][]int)
	var order []string

	for i, t := range texts {
		if v, ok := c.lookup(ctx, t); ok {
			out[i] = v
			continue
		}
		if _, seen := missing[t]; !seen {
			order = append(order, t)
		}
		missing[t] = append(missing[t], i)
	}
	if len(order) == 0 {
		return out, nil
	}

	for _, batch := range c.batches(order) {
		vecs, err := c.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, t := range batch {
			c.cache.Set(ctx, c.CacheKey(t), EncodeVector(vecs[j]))
			for _, idx := range missing[t] {
				out[idx] = vecs[j]
			}
		}
	}

	applog.Debug("[RAG/Embedding] Embedded",
		"texts", len(texts),
		"cache_hits", len(texts)-countPositions(missing),
		"provider_texts", len(order),
	)
	return out, nil
}

// EmbedQuery 单条查询向量；并发的相同查询合并为一次调用。
// 共享调用脱离发起者的 ctx 运行，只受 QueryTimeout 约束；每个调用方只等待自己的 ctx。
func (c *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.lookup(ctx, text); ok {
		return v, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.CacheKey(text), func() (any, error) {
		sctx, cancel := context.WithTimeout(shared, c.cfg.QueryTimeout)
		defer cancel()
		vecs, err := c.Embed(sctx, []string{text})
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

func (c *EmbeddingClient) lookup(ctx context.Context, text string) ([]float32, bool) {
	raw, ok := c.cache.Get(ctx, c.CacheKey(text))
	if !ok {
		return nil, false
	}
	v, err := DecodeVector(raw)
	if err != nil || len(v) == 0 {
		applog.Warn("[RAG/Embedding] Dropping corrupt cache entry", "error", err)
		c.cache.Delete(ctx, c.CacheKey(text))
		return nil, false
	}
	return v, true
}

// batches 按条数上限与 token 预算切分
func (c *EmbeddingClient) batches(texts []string) [][]string {
	maxItems := c.provider.MaxBatch()
	if maxItems <= 0 {
		maxItems = len(texts)
	}

	var (
		result [][]string
		cur    []string
		tokens int
	)
	for _, t := range texts {
		n := c.counter.Count(t)
		overBudget := c.cfg.MaxBatchTokens > 0 && tokens+n > c.cfg.MaxBatchTokens
		if len(cur) > 0 && (len(cur) >= maxItems || overBudget) {
			result = append(result, cur)
			cur, tokens = nil, 0
		}
		cur = append(cur, t)
		tokens += n
	}
	if len(cur) > 0 {
		result = append(result, cur)
	}
	return result
}

// embedBatch 单批调用 + 指数退避重试
func (c *EmbeddingClient) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	attempts := 0
	var vecs [][]float32
	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxRetries), retry.NewExponential(c.cfg.BaseBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		v, err := c.provider.Embed(ctx, batch)
		metrics.EmbeddingCall(c.provider.Model(), err)
		if err == nil && len(v) != len(batch) {
			err = fmt.Errorf("provider returned %d vectors for %d texts", len(v), len(batch))
		}
		if err != nil {
			if ctx.Err() == nil && IsRetryable(err) {
				applog.Warn("[RAG/Embedding] Provider call failed, retrying",
					"model", c.provider.Model(), "attempt", attempts, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		vecs = v
		return nil
	})
	if err == nil {
		return vecs, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil, ctxErr
	}
	applog.Error("[RAG/Embedding] Provider unavailable",
		"model", c.provider.Model(), "attempts", attempts, "batch", len(batch), "error", err)
	return nil, &EmbeddingUnavailableError{Model: c.provider.Model(), Attempts: attempts, Err: err}
}

func countPositions(m map[string][]int) int {
	n := 0
	for _, idx := range m {
		n += len(idx)
	}
	return n
}
