package rag

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	applog "ragweave/internal/platform/log"
)

// TokenCounter 估算文本 token 数，用于控制 embedding 批次大小
type TokenCounter interface {
	Count(text string) int
}

// WordCounter 按空白分词计数
type WordCounter struct{}

func (WordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

// TiktokenCounter BPE 编码计数
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter 加载编码（如 cl100k_base）
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("get encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// DefaultTokenCounter 优先 tiktoken，加载失败时退回按词计数
func DefaultTokenCounter() TokenCounter {
	c, err := NewTiktokenCounter("cl100k_base")
	if err != nil {
		applog.Warn("[RAG/Tokenizer] tiktoken unavailable, using word counter", "error", err)
		return WordCounter{}
	}
	return c
}
