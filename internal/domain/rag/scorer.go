package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	applog "ragweave/internal/platform/log"
	"ragweave/internal/provider"
)

// ── HTTP cross-encoder 打分 ──────────────────────────────────

// HTTPScorer 调用兼容 /rerank 的 cross-encoder 服务
type HTTPScorer struct {
	url    string
	model  string
	apiKey string
	client *http.Client
}

// NewHTTPScorer 创建 HTTP 打分器
func NewHTTPScorer(url, model, apiKey string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPScorer{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score 返回与 passages 顺序一致的相关性分数
func (s *HTTPScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(rerankRequest{Model: s.model, Query: query, Documents: passages})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var rr rerankResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("parse rerank response: %w", err)
	}
	scores := make([]float64, len(passages))
	seen := 0
	for _, r := range rr.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.RelevanceScore
			seen++
		}
	}
	if seen != len(passages) {
		return nil, fmt.Errorf("rerank returned %d scores for %d passages", seen, len(passages))
	}
	return scores, nil
}

// ── LLM Prompt-based 打分 ────────────────────────────────────

// LLMScorer 使用 LLM 对 (query, passage) 打 0-1 分
type LLMScorer struct {
	providerName string
	model        string
}

// NewLLMScorer 创建 LLM 打分器
func NewLLMScorer(providerName, model string) *LLMScorer {
	return &LLMScorer{
		providerName: providerName,
		model:        model,
	}
}

// Score 使用 LLM 对片段做相关性评分
func (s *LLMScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	start := time.Now()

	p, err := provider.GetProvider(s.providerName)
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", s.providerName, err)
	}

	resp, err := p.Complete(ctx, &provider.CompletionRequest{
		Model: s.model,
		Messages: []provider.Message{
			{Role: "system", Content: "You score passage relevance. For each passage give a relevance score between 0.0 and 1.0 for the query. Return only a JSON array of numbers."},
			{Role: "user", Content: buildScorePrompt(query, passages)},
		},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, fmt.Errorf("llm score: %w", err)
	}

	scores, err := parseScores(resp.Content, len(passages))
	if err != nil {
		applog.Warn("[RAG/Scorer] Failed to parse scores", "error", err, "response", resp.Content)
		return nil, err
	}

	applog.Debug("[RAG/Scorer] Scored",
		"passages", len(passages),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return scores, nil
}

// buildScorePrompt 构建评分 prompt
func buildScorePrompt(query string, passages []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nScore the following %d passages (0.0-1.0), answer as [score1, score2, ...]:\n\n", query, len(passages))
	for i, p := range passages {
		// 截断过长内容
		if r := []rune(p); len(r) > 300 {
			p = string(r[:300]) + "..."
		}
		fmt.Fprintf(&sb, "[Passage %d]\n%s\n\n", i+1, p)
	}
	return sb.String()
}

// parseScores 解析 LLM 返回的评分 JSON，数量必须与片段一致
func parseScores(content string, expected int) ([]float64, error) {
	var scores []float64
	if err := json.Unmarshal([]byte(content), &scores); err != nil {
		// 尝试提取 JSON 数组部分
		start := strings.IndexByte(content, '[')
		end := strings.LastIndexByte(content, ']')
		if start < 0 || end <= start {
			return nil, fmt.Errorf("parse scores: %w", err)
		}
		if err2 := json.Unmarshal([]byte(content[start:end+1]), &scores); err2 != nil {
			return nil, fmt.Errorf("parse scores: %w", err2)
		}
	}
	if len(scores) < expected {
		return nil, fmt.Errorf("got %d scores for %d passages", len(scores), expected)
	}
	return scores[:expected], nil
}

// ── 本地词重叠打分 ────────────────────────────────────────────

// OverlapScorer 查询词在片段中的覆盖率，不依赖外部服务
type OverlapScorer struct{}

// Score 覆盖率 = 片段包含的不同查询词数 / 查询不同词数
func (OverlapScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	qTerms := uniqueTerms(Terms(query))
	scores := make([]float64, len(passages))
	if len(qTerms) == 0 {
		return scores, nil
	}
	for i, p := range passages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pTerms := uniqueTerms(Terms(p))
		hit := 0
		for t := range qTerms {
			if pTerms[t] {
				hit++
			}
		}
		scores[i] = float64(hit) / float64(len(qTerms))
	}
	return scores, nil
}

func uniqueTerms(terms []string) map[string]bool {
	m := make(map[string]bool, len(terms))
	for _, t := range terms {
		m[t] = true
	}
	return m
}
