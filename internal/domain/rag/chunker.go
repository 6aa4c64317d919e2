package rag

import (
	"strings"
	"unicode"
)

// ChunkerConfig 分块配置。token 为空白分隔的词；
// 中日韩文字每个字符计一个 token，其余超过 MaxTokenRunes 的词按字符数切开
type ChunkerConfig struct {
	TargetTokens  int
	OverlapTokens int // 默认 TargetTokens 的 20%
	MaxTokens     int // 硬上限
	MaxTokenRunes int // 单个 token 的字符上限，默认 32
	// ProtectedAbbreviations 额外的受保护缩写（如 "q.d."），不视为句末
	ProtectedAbbreviations []string
}

// defaultAbbreviations 内置受保护缩写（小写）
var defaultAbbreviations = []string{
	"dr.", "mr.", "mrs.", "ms.", "prof.", "st.", "jr.", "sr.",
	"e.g.", "i.e.", "etc.", "vs.", "approx.", "cf.", "al.", "fig.",
	"no.", "vol.", "pp.", "ca.", "inc.", "ltd.", "co.",
	"mg.", "ml.", "kg.", "hr.", "min.", "sec.",
	"b.i.d.", "t.i.d.", "q.i.d.", "q.d.", "p.o.", "p.r.n.", "a.m.", "p.m.", "u.s.",
}

// Chunker 文档分块器
type Chunker struct {
	target    int
	overlap   int
	max       int
	maxRunes  int
	protected map[string]struct{}
}

// NewChunker 创建分块器
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.TargetTokens <= 0 {
		cfg.TargetTokens = 256
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = cfg.TargetTokens
	}
	if cfg.TargetTokens > cfg.MaxTokens {
		cfg.TargetTokens = cfg.MaxTokens
	}
	if cfg.OverlapTokens < 0 || cfg.OverlapTokens >= cfg.TargetTokens {
		cfg.OverlapTokens = cfg.TargetTokens / 5
	}
	if cfg.MaxTokenRunes <= 0 {
		cfg.MaxTokenRunes = 32
	}

	protected := make(map[string]struct{}, len(defaultAbbreviations)+len(cfg.ProtectedAbbreviations))
	for _, a := range defaultAbbreviations {
		protected[a] = struct{}{}
	}
	for _, a := range cfg.ProtectedAbbreviations {
		protected[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}

	return &Chunker{
		target:    cfg.TargetTokens,
		overlap:   cfg.OverlapTokens,
		max:       cfg.MaxTokens,
		maxRunes:  cfg.MaxTokenRunes,
		protected: protected,
	}
}

// Overlap 相邻块重叠的 token 数
func (c *Chunker) Overlap() int { return c.overlap }

// MaxTokens 单块 token 硬上限
func (c *Chunker) MaxTokens() int { return c.max }

type chunkToken struct {
	text        string
	page        int
	sentenceEnd bool
	paraStart   bool
	glued       bool // 与前一个 token 同属一个词，重建时不加空格
}

// Chunk 将按页文本切分为有序分块。优先在句末断开；没有句末时按目标长度硬切。
// 相邻块精确重叠 overlap 个 token，块内记录起止页码。
func (c *Chunker) Chunk(pages []Page) []Chunk {
	toks := c.tokenize(pages)
	if len(toks) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(toks) {
		limit := start + c.target
		if limit > len(toks) {
			limit = len(toks)
		}

		end := limit
		if limit < len(toks) {
			end = start
			for j := limit; j > start+c.overlap; j-- {
				if toks[j-1].sentenceEnd {
					end = j
					break
				}
			}
			if end == start {
				end = limit
			}
		}

		chunks = append(chunks, buildChunk(len(chunks), toks[start:end]))
		if end >= len(toks) {
			break
		}
		start = end - c.overlap
	}
	return chunks
}

func buildChunk(idx int, toks []chunkToken) Chunk {
	var sb strings.Builder
	for i, t := range toks {
		if i > 0 {
			switch {
			case t.paraStart:
				sb.WriteString("\n\n")
			case !t.glued:
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(t.text)
	}
	return Chunk{
		Index:      idx,
		Text:       sb.String(),
		TokenCount: len(toks),
		PageStart:  toks[0].page,
		PageEnd:    toks[len(toks)-1].page,
	}
}

// tokenize 将页切为词，并标注句末与段落起点
func (c *Chunker) tokenize(pages []Page) []chunkToken {
	var toks []chunkToken
	for _, p := range pages {
		for _, para := range splitParagraphs(p.Text) {
			words := strings.Fields(para)
			for i, w := range words {
				pieces := c.splitWord(w)
				for j, piece := range pieces {
					toks = append(toks, chunkToken{
						text:        piece,
						page:        p.Number,
						sentenceEnd: (i == len(words)-1 && j == len(pieces)-1) || c.endsSentence(piece),
						paraStart:   i == 0 && j == 0,
						glued:       j > 0,
					})
				}
			}
		}
	}
	return toks
}

// splitWord 中日韩字符各自成 token（其后的标点并入该字符），
// 其余连续字符按 maxRunes 切开
func (c *Chunker) splitWord(w string) []string {
	if len(w) <= c.maxRunes && !hasCJK(w) {
		return []string{w}
	}
	var pieces []string
	var cur []rune
	curCJK := false
	flush := func() {
		if len(cur) > 0 {
			pieces = append(pieces, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range w {
		switch {
		case isCJK(r):
			flush()
			curCJK = true
		case curCJK && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			flush()
			curCJK = false
		case len(cur) >= c.maxRunes:
			flush()
			curCJK = false
		}
		cur = append(cur, r)
	}
	flush()
	return pieces
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

func hasCJK(s string) bool {
	for _, r := range s {
		if isCJK(r) {
			return true
		}
	}
	return false
}

// endsSentence 词是否构成句末（受保护缩写与单字母缩写除外）
func (c *Chunker) endsSentence(word string) bool {
	trimmed := strings.TrimRightFunc(word, func(r rune) bool {
		return r == '"' || r == '\'' || r == ')' || r == ']' || r == '”' || r == '’' || r == '»'
	})
	if trimmed == "" {
		return false
	}
	last := trimmed[len(trimmed)-1]
	switch last {
	case '!', '?':
		return true
	case '.':
	default:
		return strings.HasSuffix(trimmed, "。") || strings.HasSuffix(trimmed, "！") || strings.HasSuffix(trimmed, "？")
	}

	lower := strings.ToLower(strings.TrimLeftFunc(trimmed, func(r rune) bool {
		return r == '(' || r == '[' || r == '"' || r == '\''
	}))
	if _, ok := c.protected[lower]; ok {
		return false
	}
	// 单字母缩写（姓名首字母 "J."）
	if runes := []rune(lower); len(runes) == 2 && unicode.IsLetter(runes[0]) {
		return false
	}
	return true
}

// splitParagraphs 按空行分段
func splitParagraphs(text string) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
