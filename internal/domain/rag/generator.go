package rag

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	applog "ragweave/internal/platform/log"
	"ragweave/internal/provider"
)

// GenerationRequest 交给生成器的输入
type GenerationRequest struct {
	Query   string
	Context *ContextResult
}

// Generation 生成结果
type Generation struct {
	Text string `json:"text"`
	// UsedCitations 回答中引用到的 Marker
	UsedCitations []int  `json:"used_citations"`
	Model         string `json:"model,omitempty"`
}

// Generator 回答生成器。引擎只定义交接形状，不依赖具体实现。
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*Generation, error)
}

// LLMGenerator 通过 LLM provider 注册表生成带引用的回答
type LLMGenerator struct {
	providerName string
	model        string
}

// NewLLMGenerator 创建 LLM 生成器
func NewLLMGenerator(providerName, model string) *LLMGenerator {
	return &LLMGenerator{providerName: providerName, model: model}
}

const generatorSystemPrompt = `Answer the question using only the numbered sources below.
Cite sources inline as [n]. If the sources do not contain the answer, say so.`

// Generate 基于引用上下文生成回答
func (g *LLMGenerator) Generate(ctx context.Context, req GenerationRequest) (*Generation, error) {
	if req.Context == nil || len(req.Context.Citations) == 0 {
		return nil, ErrNoEvidenceFound
	}
	start := time.Now()

	p, err := provider.GetProvider(g.providerName)
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", g.providerName, err)
	}

	resp, err := p.Complete(ctx, &provider.CompletionRequest{
		Model: g.model,
		Messages: []provider.Message{
			{Role: "system", Content: generatorSystemPrompt + "\n\n" + FormatContext(req.Context)},
			{Role: "user", Content: req.Query},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	used := UsedCitations(resp.Content, len(req.Context.Citations))
	applog.Info("[RAG/Generator] Answer generated",
		"model", resp.Model,
		"used_citations", used,
		"tokens", resp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &Generation{Text: resp.Content, UsedCitations: used, Model: resp.Model}, nil
}

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// UsedCitations 提取文本中出现的合法引用编号（升序去重）
func UsedCitations(text string, n int) []int {
	seen := make(map[int]bool)
	used := []int{}
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		i, err := strconv.Atoi(m[1])
		if err != nil || i < 1 || i > n || seen[i] {
			continue
		}
		seen[i] = true
		used = append(used, i)
	}
	sort.Ints(used)
	return used
}
