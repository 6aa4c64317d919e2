package indexing

import (
	"context"
	"time"

	"ragweave/internal/domain/rag"
)

// JobRepository 任务持久化
type JobRepository interface {
	// SaveJob 按 ID 插入或覆盖
	SaveJob(ctx context.Context, job *Job) error
	// GetJob 不存在时返回 rag.ErrNotFound
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListJobsByDocKey 按创建时间升序
	ListJobsByDocKey(ctx context.Context, docKey string) ([]*Job, error)
	ListJobsByState(ctx context.Context, states ...JobState) ([]*Job, error)
}

// Lease 跨进程的 doc_key 租约，防止多个进程同时索引同一文档
type Lease interface {
	// Acquire 获取租约；acquired=false 表示被其他持有者占用
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Extractor 文档文本提取（rag.ParserRegistry 实现）
type Extractor interface {
	Extract(ctx context.Context, content []byte, mimeType, filename string) (*rag.Extraction, error)
}

// Embedder 批量向量化（rag.EmbeddingClient 实现）
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
