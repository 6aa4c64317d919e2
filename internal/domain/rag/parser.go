package rag

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	applog "ragweave/internal/platform/log"
)

// ── Parser 接口 ───────────────────────────────────────────────

// Extraction 文档提取结果：按页排列的文本与失败页
type Extraction struct {
	Pages    []Page            `json:"pages"`
	Failed   []PageError       `json:"failed,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Text 拼接全部页文本
func (e *Extraction) Text() string {
	parts := make([]string, 0, len(e.Pages))
	for _, p := range e.Pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Parser 文档解析器接口
type Parser interface {
	// Parse 解析文档；单页失败记录到 Failed，不中断整个文档
	Parse(reader io.Reader, filename string) (*Extraction, error)
	// SupportedTypes 支持的文件扩展名
	SupportedTypes() []string
	// MimeTypes 支持的 MIME 类型
	MimeTypes() []string
}

// ── Markdown Parser ──────────────────────────────────────────

// MarkdownParser 去除 Markdown 格式标记
type MarkdownParser struct{}

var (
	reMarkdownHeader = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reMarkdownBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reMarkdownItalic = regexp.MustCompile(`\*(.+?)\*`)
	reMarkdownCode   = regexp.MustCompile("```[\\s\\S]*?```")
	reMarkdownInline = regexp.MustCompile("`([^`]+)`")
	reMarkdownLink   = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reMarkdownImage  = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	reMarkupTag      = regexp.MustCompile(`<[^>]+>`)
)

func (p *MarkdownParser) SupportedTypes() []string {
	return []string{".md", ".markdown"}
}

func (p *MarkdownParser) MimeTypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

func (p *MarkdownParser) Parse(reader io.Reader, filename string) (*Extraction, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read markdown: %w", err)
	}

	text := string(data)

	title := ""
	for _, line := range strings.SplitN(text, "\n", 10) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			title = strings.TrimPrefix(line, "# ")
			break
		}
	}

	meta := map[string]string{"format": "markdown"}
	if title != "" {
		meta["title"] = title
	}

	return &Extraction{
		Pages:    splitFormFeedPages(text, stripMarkdown),
		Metadata: meta,
	}, nil
}

func stripMarkdown(text string) string {
	text = reMarkdownCode.ReplaceAllStringFunc(text, func(s string) string {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(s, "```")
		return strings.TrimSpace(s)
	})
	text = reMarkdownImage.ReplaceAllString(text, "$1")
	text = reMarkdownLink.ReplaceAllString(text, "$1")
	text = reMarkdownBold.ReplaceAllString(text, "$1")
	text = reMarkdownItalic.ReplaceAllString(text, "$1")
	text = reMarkdownInline.ReplaceAllString(text, "$1")
	text = reMarkdownHeader.ReplaceAllString(text, "")
	text = reMarkupTag.ReplaceAllString(text, "")
	return cleanExtraNewlines(text)
}

// ── Plain Text Parser ────────────────────────────────────────

// PlainTextParser 纯文本/CSV 解析
type PlainTextParser struct{}

func (p *PlainTextParser) SupportedTypes() []string {
	return []string{".txt", ".text", ".csv", ".log", ".json", ".xml", ".yaml", ".yml"}
}

func (p *PlainTextParser) MimeTypes() []string {
	return []string{"text/plain", "text/csv", "application/json", "text/xml", "application/xml"}
}

func (p *PlainTextParser) Parse(reader io.Reader, filename string) (*Extraction, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	return &Extraction{
		Pages:    splitFormFeedPages(string(data), cleanExtraNewlines),
		Metadata: map[string]string{"format": "text"},
	}, nil
}

// ── PDF Parser ───────────────────────────────────────────────

// PDFParser 逐页提取 PDF 文本
type PDFParser struct{}

func (p *PDFParser) SupportedTypes() []string {
	return []string{".pdf"}
}

func (p *PDFParser) MimeTypes() []string {
	return []string{"application/pdf"}
}

func (p *PDFParser) Parse(reader io.Reader, filename string) (*Extraction, error) {
	// pdf 库需要 io.ReaderAt + size，先读到内存
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf data: %w", err)
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	total := r.NumPage()
	out := &Extraction{
		Metadata: map[string]string{
			"format": "pdf",
			"pages":  fmt.Sprintf("%d", total),
		},
	}

	for i := 1; i <= total; i++ {
		text, err := pdfPageText(r, i)
		if err != nil {
			applog.Warn("[RAG/PDF] Failed to extract page text", "file", filename, "page", i, "error", err)
			out.Failed = append(out.Failed, PageError{Page: i, Reason: err.Error()})
			continue
		}
		if text = strings.TrimSpace(cleanExtraNewlines(text)); text != "" {
			out.Pages = append(out.Pages, Page{Number: i, Text: text})
		}
	}
	return out, nil
}

// pdfPageText 提取单页文本；损坏的页可能触发库内 panic，这里转为错误
func pdfPageText(r *pdf.Reader, n int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed page: %v", rec)
		}
	}()
	page := r.Page(n)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}

// ── DOCX Parser ──────────────────────────────────────────────

// DOCXParser 提取 Word 文档文本
type DOCXParser struct{}

var reDocxParagraphEnd = regexp.MustCompile(`</w:p>`)

func (p *DOCXParser) SupportedTypes() []string {
	return []string{".docx"}
}

func (p *DOCXParser) MimeTypes() []string {
	return []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"}
}

func (p *DOCXParser) Parse(reader io.Reader, filename string) (*Extraction, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read docx data: %w", err)
	}

	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	// docx 返回 document.xml 原文：段落结束转换行，再去除标签
	content := r.Editable().GetContent()
	content = reDocxParagraphEnd.ReplaceAllString(content, "\n")
	content = reMarkupTag.ReplaceAllString(content, "")

	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	out := &Extraction{Metadata: map[string]string{"format": "docx"}}
	if text := strings.Join(lines, "\n"); text != "" {
		out.Pages = []Page{{Number: 1, Text: text}}
	}
	return out, nil
}

// ── 辅助函数 ─────────────────────────────────────────────────

var reMultiNewlines = regexp.MustCompile(`\n{3,}`)

func cleanExtraNewlines(text string) string {
	return reMultiNewlines.ReplaceAllString(text, "\n\n")
}

// splitFormFeedPages 以换页符切页，空页不输出但保留页码
func splitFormFeedPages(text string, clean func(string) string) []Page {
	var pages []Page
	for i, raw := range strings.Split(text, "\f") {
		if t := strings.TrimSpace(clean(raw)); t != "" {
			pages = append(pages, Page{Number: i + 1, Text: t})
		}
	}
	return pages
}
