package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	applog "ragweave/internal/platform/log"
)

// QueryEmbedder 查询向量来源（EmbeddingClient 实现）
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher 融合检索（FusionEngine 实现）
type Searcher interface {
	Search(ctx context.Context, req FusionRequest) (*FusionResult, error)
}

// ContextStatus 上下文检索状态
type ContextStatus string

const (
	ContextStatusOK         ContextStatus = "ok"
	ContextStatusNoEvidence ContextStatus = "no_evidence"
)

// ContextRequest 检索请求
type ContextRequest struct {
	Query   string  `json:"query"`
	Filters Filters `json:"filters"`
	TopK    int     `json:"top_k,omitempty"`
}

// Citation 可引用的证据记录
type Citation struct {
	Marker      int        `json:"marker"`
	ChunkID     string     `json:"chunk_id"`
	DocumentID  string     `json:"document_id"`
	DocKey      string     `json:"doc_key"`
	Version     int        `json:"version"`
	Title       string     `json:"title"`
	PageStart   int        `json:"page_start,omitempty"`
	PageEnd     int        `json:"page_end,omitempty"`
	SourceType  string     `json:"source_type,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	PHITier     string     `json:"phi_tier,omitempty"`
	Score       float64    `json:"score"`
	FusedScore  float64    `json:"fused_score"`
	RerankScore *float64   `json:"rerank_score,omitempty"`
	RankSource  RankSource `json:"rank_source"`
	Snippet     string     `json:"snippet"`
	Text        string     `json:"text"`
}

// Location 引用位置描述
func (c Citation) Location() string {
	switch {
	case c.PageStart == 0:
		return ""
	case c.PageEnd > c.PageStart:
		return fmt.Sprintf("pp. %d-%d", c.PageStart, c.PageEnd)
	default:
		return fmt.Sprintf("p. %d", c.PageStart)
	}
}

// ContextResult 带引用的检索上下文
type ContextResult struct {
	Query         string        `json:"query"`
	Expansion     Expansion     `json:"expansion"`
	Status        ContextStatus `json:"status"`
	Citations     []Citation    `json:"citations"`
	Partial       bool          `json:"partial"`
	FailedSources []RankSource  `json:"failed_sources,omitempty"`
	Reranked      bool          `json:"reranked"`
	Cached        bool          `json:"cached"`
	ElapsedMs     int64         `json:"elapsed_ms"`
}

// Err 无证据时返回 ErrNoEvidenceFound
func (r *ContextResult) Err() error {
	if r != nil && r.Status == ContextStatusNoEvidence {
		return ErrNoEvidenceFound
	}
	return nil
}

func (o *Orchestrator) aboveFloor(reranked bool, r SearchResult) bool {
	if o.cfg.MinRelevance <= 0 {
		return true
	}
	if reranked && r.RerankScore == nil {
		return false
	}
	return r.Score >= o.cfg.MinRelevance
}

// OrchestratorConfig 编排配置
type OrchestratorConfig struct {
	DefaultTopK int
	MaxTopK     int
	// MinRelevance 相关性下限（含），作用于最终分数。
	// 发生重排时下限按打分器刻度比较，未进入重排窗口的尾部结果（RRF 刻度）直接丢弃
	MinRelevance float64
	SnippetRunes int
}

// Orchestrator 查询入口：扩展 → 向量 → 融合 → 引用 → 阈值 → 截断
type Orchestrator struct {
	expander *Expander
	embedder QueryEmbedder
	searcher Searcher
	cfg      OrchestratorConfig
}

// NewOrchestrator 创建查询编排器
func NewOrchestrator(expander *Expander, embedder QueryEmbedder, searcher Searcher, cfg OrchestratorConfig) *Orchestrator {
	if expander == nil {
		expander = NewExpander(DefaultExpansionTable())
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 50
	}
	if cfg.SnippetRunes <= 0 {
		cfg.SnippetRunes = 240
	}
	return &Orchestrator{
		expander: expander,
		embedder: embedder,
		searcher: searcher,
		cfg:      cfg,
	}
}

// AnswerContext 返回带引用的检索上下文。
// 没有高于阈值的结果时返回 Status=no_evidence 的结果（Err() 为 ErrNoEvidenceFound），而不是 error。
func (o *Orchestrator) AnswerContext(ctx context.Context, caller Caller, req ContextRequest) (*ContextResult, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = o.cfg.DefaultTopK
	}
	if topK > o.cfg.MaxTopK {
		topK = o.cfg.MaxTopK
	}

	exp := o.expander.Expand(query)

	fr := FusionRequest{
		Query:        query,
		LexicalQuery: exp.LexicalQuery(),
		Filters:      caller.Scope(req.Filters),
		TopK:         topK,
	}
	vec, err := o.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		applog.Warn("[RAG/Orchestrator] Query embedding failed, dense source disabled", "error", err)
		fr.VectorErr = err
	} else {
		fr.Vector = vec
	}

	res, err := o.searcher.Search(ctx, fr)
	if err != nil {
		return nil, err
	}

	out := &ContextResult{
		Query:         query,
		Expansion:     exp,
		Status:        ContextStatusOK,
		Partial:       res.Partial,
		FailedSources: res.FailedSources,
		Reranked:      res.Reranked,
		Cached:        res.Cached,
	}
	for _, r := range res.Results {
		if !o.aboveFloor(res.Reranked, r) {
			continue
		}
		out.Citations = append(out.Citations, o.citation(len(out.Citations)+1, r))
		if len(out.Citations) == topK {
			break
		}
	}
	if len(out.Citations) == 0 {
		out.Status = ContextStatusNoEvidence
	}
	out.ElapsedMs = time.Since(start).Milliseconds()

	applog.Info("[RAG/Orchestrator] Context assembled",
		"subject", caller.Subject,
		"status", out.Status,
		"citations", len(out.Citations),
		"expanded", exp.Expanded(),
		"partial", out.Partial,
		"elapsed_ms", out.ElapsedMs,
	)
	return out, nil
}

func (o *Orchestrator) citation(marker int, r SearchResult) Citation {
	return Citation{
		Marker:      marker,
		ChunkID:     r.ChunkID,
		DocumentID:  r.Payload.DocumentID,
		DocKey:      r.Payload.DocKey,
		Version:     r.Payload.Version,
		Title:       r.Payload.Title,
		PageStart:   r.Payload.PageStart,
		PageEnd:     r.Payload.PageEnd,
		SourceType:  r.Payload.SourceType,
		Tags:        r.Payload.Tags,
		PHITier:     r.Payload.PHITier,
		Score:       r.Score,
		FusedScore:  r.FusedScore,
		RerankScore: r.RerankScore,
		RankSource:  r.RankSource,
		Snippet:     snippet(r.Text, o.cfg.SnippetRunes),
		Text:        r.Text,
	}
}

func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > n {
		return string(r[:n]) + "..."
	}
	return text
}

// FormatContext 将引用格式化为生成器上下文文本
func FormatContext(result *ContextResult) string {
	if result == nil || len(result.Citations) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, c := range result.Citations {
		fmt.Fprintf(&sb, "[%d] ", c.Marker)
		if c.Title != "" {
			sb.WriteString(c.Title)
		}
		if loc := c.Location(); loc != "" {
			fmt.Fprintf(&sb, " (%s)", loc)
		}
		sb.WriteString("\n")
		sb.WriteString(c.Text)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}
