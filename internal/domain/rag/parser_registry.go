package rag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	applog "ragweave/internal/platform/log"
)

// ParserRegistry 文档解析器注册表（即 Extractor）
type ParserRegistry struct {
	mu     sync.RWMutex
	byExt  map[string]Parser // key = ".ext"
	byMime map[string]Parser
}

// NewParserRegistry 创建解析器注册表并注册内置解析器
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{
		byExt:  make(map[string]Parser),
		byMime: make(map[string]Parser),
	}

	r.Register(&MarkdownParser{})
	r.Register(&PlainTextParser{})
	r.Register(&PDFParser{})
	r.Register(&DOCXParser{})

	return r
}

// Register 注册解析器
func (r *ParserRegistry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.SupportedTypes() {
		r.byExt[strings.ToLower(ext)] = p
	}
	for _, mt := range p.MimeTypes() {
		r.byMime[strings.ToLower(mt)] = p
	}
}

// Resolve 依次按显式 MIME、扩展名、内容嗅探得到的 MIME 选择解析器
func (r *ParserRegistry) Resolve(content []byte, mimeType, filename string) (Parser, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mt := baseMime(mimeType); mt != "" {
		if p, ok := r.byMime[mt]; ok {
			return p, mt, nil
		}
	}
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if p, ok := r.byExt[ext]; ok {
			return p, mimeType, nil
		}
	}
	detected := baseMime(mimetype.Detect(content).String())
	if p, ok := r.byMime[detected]; ok {
		return p, detected, nil
	}
	return nil, detected, fmt.Errorf("%w: mime=%q file=%q (supported: %s)", ErrUnsupportedFormat, mimeType, filename, r.supportedLocked())
}

// Extract 将原始字节转换为按页排列的文本。部分页失败时返回成功页并在 Failed 中报告；
// 全部失败时返回 ErrExtractionFailed。
func (r *ParserRegistry) Extract(ctx context.Context, content []byte, mimeType, filename string) (*Extraction, error) {
	if len(content) == 0 {
		return nil, ErrEmptyDocument
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, resolved, err := r.Resolve(content, mimeType, filename)
	if err != nil {
		return nil, err
	}

	out, err := p.Parse(bytes.NewReader(content), filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	if resolved != "" {
		out.Metadata["mime_type"] = resolved
	}

	if len(out.Pages) == 0 {
		reasons := make([]error, 0, len(out.Failed))
		for _, f := range out.Failed {
			reasons = append(reasons, fmt.Errorf("page %d: %s", f.Page, f.Reason))
		}
		if len(reasons) == 0 {
			reasons = append(reasons, errors.New("no text content"))
		}
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, errors.Join(reasons...))
	}

	if len(out.Failed) > 0 {
		applog.Warn("[RAG/Extractor] Partial extraction",
			"file", filename,
			"pages_ok", len(out.Pages),
			"pages_failed", len(out.Failed),
		)
	}
	return out, nil
}

// SupportedTypes 返回所有支持的文件扩展名
func (r *ParserRegistry) SupportedTypes() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supportedLocked()
}

func (r *ParserRegistry) supportedLocked() string {
	types := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		types = append(types, ext)
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}

func baseMime(mt string) string {
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
