package rag

import (
	"context"
	"time"
)

// DocumentRepository 文档与分块的持久化
type DocumentRepository interface {
	// ActiveByKey 返回 ns 下 doc_key 当前未被替代的版本，不存在时返回 nil, nil
	ActiveByKey(ctx context.Context, ns Namespace, docKey string) (*Document, error)
	GetDocument(ctx context.Context, id string) (*Document, error)
	// ListVersions 按版本升序返回 doc_key 的全部版本
	ListVersions(ctx context.Context, ns Namespace, docKey string) ([]*Document, error)
	// InsertVersion 原子地替代 prev（prev 为 nil 表示首个版本）并写入 next。
	// prev 已被其他写入者替代或版本变化时返回 ErrConflict。
	InsertVersion(ctx context.Context, next, prev *Document) error
	UpdateStatus(ctx context.Context, id string, status DocumentStatus) error

	// SaveChunks 写入分块；所属文档已被替代时分块以 superseded 写入
	SaveChunks(ctx context.Context, chunks []Chunk) error
	// SupersedeChunks 将文档已有分块标记为 superseded（重新索引前调用），返回受影响条数
	SupersedeChunks(ctx context.Context, documentID string) (int, error)
	SetChunkEmbeddings(ctx context.Context, embeddings map[string][]float32) error
	ListChunks(ctx context.Context, documentID string) ([]Chunk, error)
	// ActiveChunkIDs 返回 ids 中未被替代的分块
	ActiveChunkIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

// ChunkStatus 查询期的 superseded 安全网
type ChunkStatus interface {
	ActiveChunkIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

// DenseIndex 向量索引
type DenseIndex interface {
	UpsertVectors(ctx context.Context, entries []IndexEntry) error
	// SearchVectors 按余弦相似度降序返回
	SearchVectors(ctx context.Context, vector []float32, topK int, filters Filters) ([]SearchHit, error)
	MarkSuperseded(ctx context.Context, documentID string) error
}

// LexicalIndex 词法（BM25）索引
type LexicalIndex interface {
	UpsertTexts(ctx context.Context, entries []IndexEntry) error
	// SearchText 按词法相关性降序返回
	SearchText(ctx context.Context, query string, topK int, filters Filters) ([]SearchHit, error)
	MarkSuperseded(ctx context.Context, documentID string) error
}

// CacheTier 单层缓存
type CacheTier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
}

// ResultCache 融合结果缓存（默认关闭）
type ResultCache interface {
	Get(ctx context.Context, key string) (*FusionResult, bool)
	// Set 写入结果，并按结果涉及的 doc_key 建立失效索引
	Set(ctx context.Context, key string, result *FusionResult)
	InvalidateDocKey(ctx context.Context, docKey string)
	InvalidateAll(ctx context.Context)
}

// RelevanceScorer (query, passage) 成对相关性打分
type RelevanceScorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}
