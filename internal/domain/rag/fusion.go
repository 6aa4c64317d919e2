package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	applog "ragweave/internal/platform/log"
	"ragweave/internal/platform/metrics"
)

// FusionConfig 融合配置
type FusionConfig struct {
	CandidatesPerSource int
	K                   float64 // RRF 常数
	DenseWeight         float64
	LexicalWeight       float64
	EnableRerank        bool
	RerankTopM          int
	QueryTimeout        time.Duration
	SourceTimeout       time.Duration
}

func (c FusionConfig) withDefaults() FusionConfig {
	if c.CandidatesPerSource <= 0 {
		c.CandidatesPerSource = 50
	}
	if c.K <= 0 {
		c.K = 60
	}
	if c.DenseWeight < 0 {
		c.DenseWeight = 0
	}
	if c.LexicalWeight < 0 {
		c.LexicalWeight = 0
	}
	if c.DenseWeight+c.LexicalWeight == 0 {
		c.DenseWeight, c.LexicalWeight = 0.5, 0.5
	}
	sum := c.DenseWeight + c.LexicalWeight
	c.DenseWeight /= sum
	c.LexicalWeight /= sum
	if c.RerankTopM <= 0 {
		c.RerankTopM = 20
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 3 * time.Second
	}
	if c.SourceTimeout <= 0 || c.SourceTimeout > c.QueryTimeout {
		c.SourceTimeout = c.QueryTimeout
	}
	return c
}

// FusionRequest 单次融合检索
type FusionRequest struct {
	// Query 原始查询，用于重排
	Query string
	// LexicalQuery 词法检索用的（扩展后）查询，为空时使用 Query
	LexicalQuery string
	// Vector 查询向量；为 nil 时稠密检索视为失败
	Vector []float32
	// VectorErr 查询向量获取失败的原因
	VectorErr error
	Filters   Filters
	TopK      int
}

// FusionResult 融合检索结果
type FusionResult struct {
	Results       []SearchResult `json:"results"`
	Partial       bool           `json:"partial"`
	FailedSources []RankSource   `json:"failed_sources,omitempty"`
	// Degraded Partial 时为 *PartialRetrievalError
	Degraded  error `json:"-"`
	Reranked  bool  `json:"reranked"`
	Cached    bool  `json:"cached"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

// FusionEngine 稠密 + 词法双路检索，加权 RRF 融合，可选重排
type FusionEngine struct {
	dense   DenseIndex
	lexical LexicalIndex
	status  ChunkStatus
	cfg     FusionConfig
	scorer  RelevanceScorer // 可选
	cache   ResultCache     // 可选
}

// NewFusionEngine 创建融合引擎
func NewFusionEngine(dense DenseIndex, lexical LexicalIndex, status ChunkStatus, cfg FusionConfig) *FusionEngine {
	return &FusionEngine{
		dense:   dense,
		lexical: lexical,
		status:  status,
		cfg:     cfg.withDefaults(),
	}
}

// SetScorer 设置相关性打分器（启用重排）
func (e *FusionEngine) SetScorer(s RelevanceScorer) {
	e.scorer = s
}

// SetCache 设置融合结果缓存
func (e *FusionEngine) SetCache(c ResultCache) {
	e.cache = c
}

// Config 生效配置（权重已归一化）
func (e *FusionEngine) Config() FusionConfig { return e.cfg }

type sourceOutcome struct {
	source RankSource
	hits   []SearchHit
	err    error
}

// Search 执行融合检索。
// 一路失败时返回 Partial 结果；两路全部失败返回 ErrRetrievalUnavailable；
// 调用方取消时返回 ctx.Err()。
func (e *FusionEngine) Search(ctx context.Context, req FusionRequest) (*FusionResult, error) {
	start := time.Now()
	if req.TopK <= 0 {
		req.TopK = 5
	}
	if req.LexicalQuery == "" {
		req.LexicalQuery = req.Query
	}

	var cacheKey string
	if e.cache != nil {
		cacheKey = FusionCacheKey(req)
		if cached, ok := e.cache.Get(ctx, cacheKey); ok && e.stillActive(ctx, cached) {
			cached.Cached = true
			metrics.FusionQuery("cache_hit", time.Since(start))
			return cached, nil
		}
	}

	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	outcomes := e.runSources(qctx, req)
	if err := ctx.Err(); err != nil {
		metrics.FusionQuery("canceled", time.Since(start))
		return nil, err
	}

	failed := make(map[RankSource]error)
	var denseHits, lexicalHits []SearchHit
	for _, o := range outcomes {
		if o.err != nil {
			failed[o.source] = o.err
			continue
		}
		switch o.source {
		case RankSourceDense:
			denseHits = o.hits
		case RankSourceLexical:
			lexicalHits = o.hits
		}
	}
	if len(failed) == 2 {
		metrics.FusionQuery("unavailable", time.Since(start))
		applog.Error("[RAG/Fusion] All sources failed",
			"dense_error", failed[RankSourceDense], "lexical_error", failed[RankSourceLexical])
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, &PartialRetrievalError{Failed: failed})
	}

	// 检索阶段可能已耗尽 QueryTimeout，后处理单独限时
	pctx, pcancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
	defer pcancel()

	denseHits, lexicalHits, err := e.dropSuperseded(pctx, denseHits, lexicalHits)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.FusionQuery("unavailable", time.Since(start))
		return nil, fmt.Errorf("%w: chunk status: %v", ErrRetrievalUnavailable, err)
	}

	merged := e.fuse(denseHits, lexicalHits)
	result := &FusionResult{}

	if e.scorer != nil && e.cfg.EnableRerank && len(merged) > 0 {
		result.Reranked = e.rerank(pctx, req.Query, merged)
	}
	if len(merged) > req.TopK {
		merged = merged[:req.TopK]
	}
	result.Results = merged

	if len(failed) > 0 {
		result.Partial = true
		for _, s := range []RankSource{RankSourceDense, RankSourceLexical} {
			if _, ok := failed[s]; ok {
				result.FailedSources = append(result.FailedSources, s)
			}
		}
		result.Degraded = &PartialRetrievalError{Failed: failed}
		applog.Warn("[RAG/Fusion] Partial retrieval", "error", result.Degraded)
	}
	result.ElapsedMs = time.Since(start).Milliseconds()

	outcome := "ok"
	if result.Partial {
		outcome = "partial"
	} else if e.cache != nil {
		e.cache.Set(ctx, cacheKey, result)
	}
	metrics.FusionQuery(outcome, time.Since(start))

	applog.Info("[RAG/Fusion] Search",
		"dense_count", len(denseHits),
		"lexical_count", len(lexicalHits),
		"merged_count", len(result.Results),
		"partial", result.Partial,
		"reranked", result.Reranked,
		"elapsed_ms", result.ElapsedMs,
	)
	return result, nil
}

// runSources 并发执行两路检索，每路受 SourceTimeout 约束。
// 若某一路无视 context 不返回，查询超时后按失败处理。
func (e *FusionEngine) runSources(ctx context.Context, req FusionRequest) []sourceOutcome {
	ch := make(chan sourceOutcome, 2)
	limit := e.cfg.CandidatesPerSource

	go func() {
		if req.Vector == nil {
			err := req.VectorErr
			if err == nil {
				err = errors.New("no query vector")
			}
			ch <- sourceOutcome{source: RankSourceDense, err: err}
			return
		}
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
		defer cancel()
		hits, err := e.dense.SearchVectors(sctx, req.Vector, limit, req.Filters)
		ch <- sourceOutcome{source: RankSourceDense, hits: hits, err: err}
	}()
	go func() {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
		defer cancel()
		hits, err := e.lexical.SearchText(sctx, req.LexicalQuery, limit, req.Filters)
		ch <- sourceOutcome{source: RankSourceLexical, hits: hits, err: err}
	}()

	outcomes := make([]sourceOutcome, 0, 2)
	pending := map[RankSource]bool{RankSourceDense: true, RankSourceLexical: true}
	for len(pending) > 0 {
		select {
		case o := <-ch:
			delete(pending, o.source)
			outcomes = append(outcomes, o)
		case <-ctx.Done():
			for s := range pending {
				outcomes = append(outcomes, sourceOutcome{source: s, err: ctx.Err()})
			}
			return outcomes
		}
	}
	return outcomes
}

// stillActive 缓存命中也要经过替代检查：写入缓存与失效之间存在竞态，
// 结果中任一分块已被替代则丢弃该条缓存并重新检索
func (e *FusionEngine) stillActive(ctx context.Context, cached *FusionResult) bool {
	ids := make([]string, 0, len(cached.Results))
	for _, r := range cached.Results {
		if r.Payload.Superseded {
			return false
		}
		ids = append(ids, r.ChunkID)
	}
	if e.status == nil || len(ids) == 0 {
		return true
	}
	active, err := e.status.ActiveChunkIDs(ctx, ids)
	if err != nil {
		applog.Warn("[RAG/Fusion] Chunk status check failed, bypassing cache", "error", err)
		return false
	}
	for _, id := range ids {
		if !active[id] {
			for _, k := range cached.DocKeys() {
				e.cache.InvalidateDocKey(ctx, k)
			}
			applog.Info("[RAG/Fusion] Dropped stale cached result", "chunk_id", id)
			return false
		}
	}
	return true
}

// dropSuperseded 排序前剔除已被替代的分块
func (e *FusionEngine) dropSuperseded(ctx context.Context, dense, lexical []SearchHit) ([]SearchHit, []SearchHit, error) {
	if e.status == nil || len(dense)+len(lexical) == 0 {
		return filterSupersededPayload(dense, nil), filterSupersededPayload(lexical, nil), nil
	}
	ids := make([]string, 0, len(dense)+len(lexical))
	seen := make(map[string]bool, cap(ids))
	for _, list := range [][]SearchHit{dense, lexical} {
		for _, h := range list {
			if !seen[h.ChunkID] {
				seen[h.ChunkID] = true
				ids = append(ids, h.ChunkID)
			}
		}
	}
	active, err := e.status.ActiveChunkIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	return filterSupersededPayload(dense, active), filterSupersededPayload(lexical, active), nil
}

func filterSupersededPayload(hits []SearchHit, active map[string]bool) []SearchHit {
	out := hits[:0:0]
	for _, h := range hits {
		if h.Payload.Superseded {
			continue
		}
		if active != nil && !active[h.ChunkID] {
			continue
		}
		out = append(out, h)
	}
	return out
}

// fuse 加权 RRF: score(d) = Σ w_s / (k + rank_s(d))，rank 从 1 开始。
// 同分按最好单路名次，再按 chunk id 排序。
func (e *FusionEngine) fuse(dense, lexical []SearchHit) []SearchResult {
	merged := make(map[string]*SearchResult, len(dense)+len(lexical))
	get := func(h SearchHit) *SearchResult {
		r, ok := merged[h.ChunkID]
		if !ok {
			r = &SearchResult{ChunkID: h.ChunkID, Text: h.Text, Payload: h.Payload}
			merged[h.ChunkID] = r
		}
		return r
	}

	for i, h := range dense {
		r := get(h)
		if r.DenseRank != 0 {
			continue
		}
		r.DenseRank = i + 1
		r.FusedScore += e.cfg.DenseWeight / (e.cfg.K + float64(i+1))
	}
	for i, h := range lexical {
		r := get(h)
		if r.LexicalRank != 0 {
			continue
		}
		r.LexicalRank = i + 1
		r.FusedScore += e.cfg.LexicalWeight / (e.cfg.K + float64(i+1))
	}

	results := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		switch {
		case r.DenseRank > 0 && r.LexicalRank > 0:
			r.RankSource = RankSourceFused
		case r.DenseRank > 0:
			r.RankSource = RankSourceDense
		default:
			r.RankSource = RankSourceLexical
		}
		r.Score = r.FusedScore
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := &results[i], &results[j]
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		if ra, rb := a.bestRank(), b.bestRank(); ra != rb {
			return ra < rb
		}
		return a.ChunkID < b.ChunkID
	})
	return results
}

// rerank 对前 M 个结果打分并重排；失败时保持融合顺序
func (e *FusionEngine) rerank(ctx context.Context, query string, results []SearchResult) bool {
	m := e.cfg.RerankTopM
	if m > len(results) {
		m = len(results)
	}
	passages := make([]string, m)
	for i := 0; i < m; i++ {
		passages[i] = results[i].Text
	}

	scores, err := e.scorer.Score(ctx, query, passages)
	if err == nil && len(scores) != m {
		err = fmt.Errorf("scorer returned %d scores for %d passages", len(scores), m)
	}
	if err != nil {
		applog.Warn("[RAG/Fusion] Rerank failed, keeping fusion order", "error", err)
		return false
	}

	for i := 0; i < m; i++ {
		s := scores[i]
		results[i].RerankScore = &s
		results[i].Score = s
	}
	// 稳定排序：同分保持融合顺序
	sort.SliceStable(results[:m], func(i, j int) bool {
		return *results[i].RerankScore > *results[j].RerankScore
	})
	return true
}

// FusionCacheKey 融合结果缓存 key（原始查询、扩展查询、过滤条件、TopK）
func FusionCacheKey(req FusionRequest) string {
	payload, _ := json.Marshal(struct {
		Query        string  `json:"q"`
		LexicalQuery string  `json:"lq"`
		Filters      Filters `json:"f"`
		OrgID        string  `json:"o"`
		TenantID     string  `json:"t"`
		TopK         int     `json:"k"`
	}{
		Query:        req.Query,
		LexicalQuery: req.LexicalQuery,
		Filters:      req.Filters,
		OrgID:        req.Filters.OrgID,
		TenantID:     req.Filters.TenantID,
		TopK:         req.TopK,
	})
	sum := sha256.Sum256(payload)
	return "fusion:" + hex.EncodeToString(sum[:])
}

// DocKeys 结果涉及的 doc_key（去重）
func (r *FusionResult) DocKeys() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool)
	var keys []string
	for _, res := range r.Results {
		if k := res.Payload.DocKey; k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// Clone 深拷贝结果列表
func (r *FusionResult) Clone() *FusionResult {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Results = append([]SearchResult(nil), r.Results...)
	cloned.FailedSources = append([]RankSource(nil), r.FailedSources...)
	return &cloned
}
