package rag

import (
	"time"

	applog "ragweave/internal/platform/log"
)

// IndexBackend 索引后端
type IndexBackend string

const (
	IndexBackendMemory     IndexBackend = "memory"
	IndexBackendPostgres   IndexBackend = "postgres"
	IndexBackendOpenSearch IndexBackend = "opensearch"
)

// Config RAG 模块配置
type Config struct {
	// 索引后端
	IndexBackend IndexBackend `json:"index_backend"`

	// OpenSearch 连接
	OpenSearchURL      string `json:"opensearch_url"`
	OpenSearchUsername string `json:"opensearch_username"`
	OpenSearchPassword string `json:"opensearch_password"`
	OpenSearchInsecure bool   `json:"opensearch_insecure"` // 跳过 TLS 证书校验，仅限自签名开发集群
	IndexPrefix        string `json:"index_prefix"`

	// Embedding
	EmbeddingProvider  string `json:"embedding_provider"` // openai | hash
	EmbeddingModel     string `json:"embedding_model"`
	EmbeddingDims      int    `json:"embedding_dims"`
	EmbeddingBatchSize int    `json:"embedding_batch_size"`
	EmbeddingMaxTokens int    `json:"embedding_max_batch_tokens"`
	EmbeddingRetries   int    `json:"embedding_retries"`
	EmbeddingBackoffMs int    `json:"embedding_backoff_ms"`

	// 相关性打分（rerank）
	EnableRerank   bool   `json:"enable_rerank"`
	RerankProvider string `json:"rerank_provider,omitempty"` // http | llm | overlap
	RerankModel    string `json:"rerank_model,omitempty"`
	RerankURL      string `json:"rerank_url,omitempty"`
	RerankTopM     int    `json:"rerank_top_m"`

	// 融合
	CandidatesPerSource int     `json:"candidates_per_source"`
	RRFK                float64 `json:"rrf_k"`
	DenseWeight         float64 `json:"dense_weight"`
	LexicalWeight       float64 `json:"lexical_weight"`
	QueryTimeoutMs      int     `json:"query_timeout_ms"`
	SourceTimeoutMs     int     `json:"source_timeout_ms"`

	// 查询编排
	DefaultTopK     int     `json:"default_top_k"`
	MinRelevance    float64 `json:"min_relevance"`
	SynonymFile     string  `json:"synonym_file,omitempty"`
	GeneratorModel  string  `json:"generator_model,omitempty"`
	GeneratorLLM    string  `json:"generator_provider,omitempty"`
	ResultCacheTTL  int     `json:"result_cache_ttl"` // 融合结果缓存 TTL（秒），0=禁用
	LocalCacheTTL   int     `json:"local_cache_ttl"`  // 进程内 embedding 缓存 TTL（秒）
	RemoteCacheTTL  int     `json:"remote_cache_ttl"` // Redis embedding 缓存 TTL（秒）
	LocalCacheItems int64   `json:"local_cache_items"`

	// Chunker 配置
	ChunkTargetTokens  int `json:"chunk_target_tokens"`
	ChunkOverlapTokens int `json:"chunk_overlap_tokens"`
	ChunkMaxTokens     int `json:"chunk_max_tokens"`
	ChunkMaxTokenRunes int `json:"chunk_max_token_runes"`

	MaxFileSize int `json:"max_file_size"` // 最大文件大小（MB）
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		IndexBackend:        IndexBackendMemory,
		OpenSearchURL:       "",
		IndexPrefix:         "rag",
		EmbeddingProvider:   "hash",
		EmbeddingModel:      "hash-v1",
		EmbeddingDims:       256,
		EmbeddingBatchSize:  64,
		EmbeddingMaxTokens:  8000,
		EmbeddingRetries:    3,
		EmbeddingBackoffMs:  200,
		RerankTopM:          20,
		CandidatesPerSource: 50,
		RRFK:                60,
		DenseWeight:         0.5,
		LexicalWeight:       0.5,
		QueryTimeoutMs:      3000,
		SourceTimeoutMs:     2000,
		DefaultTopK:         5,
		MinRelevance:        0,
		ResultCacheTTL:      0,
		LocalCacheTTL:       300,
		RemoteCacheTTL:      86400,
		LocalCacheItems:     10000,
		ChunkTargetTokens:   256,
		ChunkOverlapTokens:  51,
		ChunkMaxTokens:      256,
		ChunkMaxTokenRunes:  32,
		MaxFileSize:         50,
	}
}

// LogSummary 打印关键配置
func (c *Config) LogSummary() {
	applog.Info("[RAG] Config loaded",
		"index_backend", c.IndexBackend,
		"embedding_provider", c.EmbeddingProvider,
		"embedding_model", c.EmbeddingModel,
		"embedding_dims", c.EmbeddingDims,
		"rerank", c.HasRerank(),
		"rrf_k", c.RRFK,
		"dense_weight", c.DenseWeight,
		"lexical_weight", c.LexicalWeight,
		"default_top_k", c.DefaultTopK,
		"result_cache_ttl", c.ResultCacheTTL,
	)
}

// ChunkIndexName 返回 Chunk 索引名称
func (c *Config) ChunkIndexName() string {
	return c.IndexPrefix + "_chunk_index"
}

// HasRerank 是否启用重排
func (c *Config) HasRerank() bool {
	return c.EnableRerank && c.RerankProvider != ""
}

// HasResultCache 是否启用融合结果缓存
func (c *Config) HasResultCache() bool {
	return c.ResultCacheTTL > 0
}

// ChunkerConfig 由 RAG 配置派生分块配置
func (c *Config) ChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		TargetTokens:  c.ChunkTargetTokens,
		OverlapTokens: c.ChunkOverlapTokens,
		MaxTokens:     c.ChunkMaxTokens,
		MaxTokenRunes: c.ChunkMaxTokenRunes,
	}
}

// FusionConfig 由 RAG 配置派生融合配置
func (c *Config) FusionConfig() FusionConfig {
	return FusionConfig{
		CandidatesPerSource: c.CandidatesPerSource,
		K:                   c.RRFK,
		DenseWeight:         c.DenseWeight,
		LexicalWeight:       c.LexicalWeight,
		EnableRerank:        c.HasRerank(),
		RerankTopM:          c.RerankTopM,
		QueryTimeout:        time.Duration(c.QueryTimeoutMs) * time.Millisecond,
		SourceTimeout:       time.Duration(c.SourceTimeoutMs) * time.Millisecond,
	}
}
