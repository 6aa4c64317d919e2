package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ragweave/internal/domain/indexing"
	"ragweave/internal/domain/rag"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string          `json:"log_level"`
	LogFormat string          `json:"log_format"`
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Auth      AuthConfig      `json:"auth"`
	OpenAI    OpenAIConfig    `json:"openai"`
	RAG       rag.Config      `json:"rag"`
	Indexing  indexing.Config `json:"indexing"`
}

type ServerConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
	MaxRequestBodyMB       int    `json:"max_request_body_mb"`
	EnableMetricsEndpoint  bool   `json:"enable_metrics_endpoint"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
}

type OpenAIConfig struct {
	APIKey                     string `json:"api_key"`
	BaseURL                    string `json:"base_url"`
	ConnectTimeoutSeconds      int    `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds int    `json:"tls_handshake_timeout_seconds"`
	MaxRetries                 int    `json:"max_retries"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	ragCfg := rag.DefaultConfig()
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			ReadTimeoutSeconds:     30,
			WriteTimeoutSeconds:    120,
			ShutdownTimeoutSeconds: 30,
			MaxRequestBodyMB:       ragCfg.MaxFileSize,
			EnableMetricsEndpoint:  true,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		OpenAI: OpenAIConfig{
			BaseURL:                    "https://api.openai.com/v1",
			ConnectTimeoutSeconds:      30,
			TLSHandshakeTimeoutSeconds: 30,
			MaxRetries:                 2,
		},
		RAG:      *ragCfg,
		Indexing: indexing.DefaultConfig(),
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)
	applyInt("SERVER_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeoutSeconds)
	applyInt("SERVER_MAX_BODY_MB", &c.Server.MaxRequestBodyMB)
	applyBool("SERVER_METRICS_ENABLED", &c.Server.EnableMetricsEndpoint)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	applyInt("OPENAI_CONNECT_TIMEOUT", &c.OpenAI.ConnectTimeoutSeconds)
	applyInt("OPENAI_TLS_HANDSHAKE_TIMEOUT", &c.OpenAI.TLSHandshakeTimeoutSeconds)
	applyInt("OPENAI_MAX_RETRIES", &c.OpenAI.MaxRetries)

	// RAG 环境变量
	if v := os.Getenv("RAG_INDEX_BACKEND"); v != "" {
		c.RAG.IndexBackend = rag.IndexBackend(strings.ToLower(v))
	}
	applyString("OPENSEARCH_URL", &c.RAG.OpenSearchURL)
	applyString("OPENSEARCH_USERNAME", &c.RAG.OpenSearchUsername)
	applyString("OPENSEARCH_PASSWORD", &c.RAG.OpenSearchPassword)
	applyBool("OPENSEARCH_INSECURE", &c.RAG.OpenSearchInsecure)
	applyString("OPENSEARCH_INDEX_PREFIX", &c.RAG.IndexPrefix)

	applyString("RAG_EMBEDDING_PROVIDER", &c.RAG.EmbeddingProvider)
	applyString("RAG_EMBEDDING_MODEL", &c.RAG.EmbeddingModel)
	applyInt("RAG_EMBEDDING_DIMS", &c.RAG.EmbeddingDims)
	applyInt("RAG_EMBEDDING_BATCH_SIZE", &c.RAG.EmbeddingBatchSize)
	applyInt("RAG_EMBEDDING_MAX_BATCH_TOKENS", &c.RAG.EmbeddingMaxTokens)
	applyInt("RAG_EMBEDDING_RETRIES", &c.RAG.EmbeddingRetries)
	applyInt("RAG_EMBEDDING_BACKOFF_MS", &c.RAG.EmbeddingBackoffMs)

	applyBool("RAG_ENABLE_RERANK", &c.RAG.EnableRerank)
	applyString("RAG_RERANK_PROVIDER", &c.RAG.RerankProvider)
	applyString("RAG_RERANK_MODEL", &c.RAG.RerankModel)
	applyString("RAG_RERANK_URL", &c.RAG.RerankURL)
	applyInt("RAG_RERANK_TOP_M", &c.RAG.RerankTopM)

	applyInt("RAG_CANDIDATES_PER_SOURCE", &c.RAG.CandidatesPerSource)
	applyFloat64("RAG_RRF_K", &c.RAG.RRFK)
	applyFloat64("RAG_DENSE_WEIGHT", &c.RAG.DenseWeight)
	applyFloat64("RAG_LEXICAL_WEIGHT", &c.RAG.LexicalWeight)
	applyInt("RAG_QUERY_TIMEOUT_MS", &c.RAG.QueryTimeoutMs)
	applyInt("RAG_SOURCE_TIMEOUT_MS", &c.RAG.SourceTimeoutMs)

	applyInt("RAG_DEFAULT_TOP_K", &c.RAG.DefaultTopK)
	applyFloat64("RAG_MIN_RELEVANCE", &c.RAG.MinRelevance)
	applyString("RAG_SYNONYM_FILE", &c.RAG.SynonymFile)
	applyString("RAG_GENERATOR_PROVIDER", &c.RAG.GeneratorLLM)
	applyString("RAG_GENERATOR_MODEL", &c.RAG.GeneratorModel)
	applyInt("RAG_RESULT_CACHE_TTL", &c.RAG.ResultCacheTTL)
	applyInt("RAG_LOCAL_CACHE_TTL", &c.RAG.LocalCacheTTL)
	applyInt("RAG_REMOTE_CACHE_TTL", &c.RAG.RemoteCacheTTL)
	applyInt64("RAG_LOCAL_CACHE_ITEMS", &c.RAG.LocalCacheItems)

	applyInt("RAG_CHUNK_TARGET_TOKENS", &c.RAG.ChunkTargetTokens)
	applyInt("RAG_CHUNK_OVERLAP_TOKENS", &c.RAG.ChunkOverlapTokens)
	applyInt("RAG_CHUNK_MAX_TOKENS", &c.RAG.ChunkMaxTokens)
	applyInt("RAG_CHUNK_MAX_TOKEN_RUNES", &c.RAG.ChunkMaxTokenRunes)
	applyInt("RAG_MAX_FILE_SIZE", &c.RAG.MaxFileSize)

	// 索引任务
	applyInt("INDEXING_WORKERS", &c.Indexing.Workers)
	applyInt("INDEXING_QUEUE_SIZE", &c.Indexing.QueueSize)
	applyInt("INDEXING_MAX_RETRIES", &c.Indexing.MaxRetries)
	applyDuration("INDEXING_RETRY_BACKOFF", &c.Indexing.RetryBackoff)
	applyInt("INDEXING_BATCH_SIZE", &c.Indexing.BatchSize)
	applyInt("INDEXING_BATCH_CONCURRENCY", &c.Indexing.BatchConcurrency)
	applyDuration("INDEXING_JOB_TIMEOUT", &c.Indexing.JobTimeout)
	applyDuration("INDEXING_LEASE_TTL", &c.Indexing.LeaseTTL)
}

func (c *AppConfig) normalize() {
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.RAG.IndexBackend == "" {
		c.RAG.IndexBackend = rag.IndexBackendMemory
	}
	if c.RAG.GeneratorLLM == "" && c.RAG.GeneratorModel != "" {
		c.RAG.GeneratorLLM = "openai"
	}
	if c.Server.MaxRequestBodyMB <= 0 {
		c.Server.MaxRequestBodyMB = c.RAG.MaxFileSize
	}
}

func (c *AppConfig) validate() error {
	switch c.RAG.IndexBackend {
	case rag.IndexBackendMemory:
	case rag.IndexBackendPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required for index backend %q", c.RAG.IndexBackend)
		}
	case rag.IndexBackendOpenSearch:
		if strings.TrimSpace(c.RAG.OpenSearchURL) == "" {
			return fmt.Errorf("OPENSEARCH_URL is required for index backend %q", c.RAG.IndexBackend)
		}
	default:
		return fmt.Errorf("unknown RAG_INDEX_BACKEND %q", c.RAG.IndexBackend)
	}
	if c.RAG.EmbeddingDims <= 0 {
		return fmt.Errorf("RAG_EMBEDDING_DIMS must be positive")
	}
	if c.RAG.DenseWeight < 0 || c.RAG.LexicalWeight < 0 || c.RAG.DenseWeight+c.RAG.LexicalWeight == 0 {
		return fmt.Errorf("fusion weights must be non-negative and not both zero")
	}
	if c.RAG.EmbeddingProvider == "openai" && strings.TrimSpace(c.OpenAI.APIKey) == "" {
		return fmt.Errorf("OPENAI_API_KEY is required for embedding provider openai")
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func applyDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}
