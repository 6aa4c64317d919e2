package rag

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrConflict 同一 doc_key 并发写入冲突（乐观锁 CAS 失败）
	ErrConflict = errors.New("document version conflict")

	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")

	// ErrEmbeddingUnavailable Embedding 服务重试耗尽
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrPartialRetrieval 两路检索中有一路失败，结果已降级
	ErrPartialRetrieval = errors.New("partial retrieval")

	// ErrRetrievalUnavailable 两路检索全部失败
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrNoEvidenceFound 没有高于相关性阈值的结果（合法的空结果）
	ErrNoEvidenceFound = errors.New("no evidence found")

	// ErrExtractionFailed 文档没有任何一页提取成功
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrUnsupportedFormat 不支持的文档格式
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrEmptyDocument 文档内容为空
	ErrEmptyDocument = errors.New("document content is empty")

	// ErrEmptyQuery 查询为空
	ErrEmptyQuery = errors.New("query is empty")
)

// ConflictError doc_key 写冲突，调用方应观察胜者结果后重试
type ConflictError struct {
	DocKey  string
	Version int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting write on doc_key %q at version %d", e.DocKey, e.Version)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// EmbeddingUnavailableError Embedding 重试耗尽
type EmbeddingUnavailableError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *EmbeddingUnavailableError) Error() string {
	return fmt.Sprintf("embedding model %s unavailable after %d attempts: %v", e.Model, e.Attempts, e.Err)
}

func (e *EmbeddingUnavailableError) Is(target error) bool { return target == ErrEmbeddingUnavailable }

func (e *EmbeddingUnavailableError) Unwrap() error { return e.Err }

// PartialRetrievalError 记录失败的检索源
type PartialRetrievalError struct {
	Failed map[RankSource]error
}

func (e *PartialRetrievalError) Error() string {
	sources := make([]string, 0, len(e.Failed))
	for s := range e.Failed {
		sources = append(sources, string(s))
	}
	sort.Strings(sources)
	parts := make([]string, 0, len(sources))
	for _, s := range sources {
		parts = append(parts, fmt.Sprintf("%s: %v", s, e.Failed[RankSource(s)]))
	}
	return "partial retrieval (" + strings.Join(parts, "; ") + ")"
}

func (e *PartialRetrievalError) Is(target error) bool { return target == ErrPartialRetrieval }
