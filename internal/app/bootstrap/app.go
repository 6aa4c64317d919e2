package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ragweave/internal/db/localcache"
	"ragweave/internal/db/memory"
	"ragweave/internal/db/opensearch"
	"ragweave/internal/db/postgres"
	redisdb "ragweave/internal/db/redis"
	"ragweave/internal/domain/indexing"
	"ragweave/internal/domain/rag"
	"ragweave/internal/platform/config"
	applog "ragweave/internal/platform/log"
)

// Infra 外部连接；均可为 nil，缺失时退回进程内实现
type Infra struct {
	DB    *sql.DB
	Redis *goredis.Client
}

// App 组装完成的服务
type App struct {
	Documents    *rag.DocumentStore
	Controller   *indexing.Controller
	Orchestrator *rag.Orchestrator
	Generator    rag.Generator
	Fusion       *rag.FusionEngine
	Embeddings   *rag.EmbeddingClient

	closers []func()
}

// Close 释放组装过程中创建的资源
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Build 按配置组装存储、索引、缓存与编排组件。返回的 Controller 尚未 Start。
func Build(ctx context.Context, cfg *config.AppConfig, infra Infra) (*App, error) {
	ragCfg := &cfg.RAG
	app := &App{}

	// 文档与任务存储
	var (
		docRepo rag.DocumentRepository
		jobRepo indexing.JobRepository
	)
	if infra.DB != nil {
		pgRepo := postgres.NewRepository(infra.DB)
		if err := pgRepo.EnsureRAGTables(ctx); err != nil {
			return nil, fmt.Errorf("ensure rag tables: %w", err)
		}
		applog.Info("✅ RAG tables ready (rag_documents, rag_chunks, rag_indexing_jobs)")
		docRepo, jobRepo = pgRepo, pgRepo
	} else {
		applog.Warn("⚠️  No DATABASE_URL set, documents and jobs are kept in memory")
		docRepo, jobRepo = memory.NewDocumentRepository(), memory.NewJobRepository()
	}
	app.Documents = rag.NewDocumentStore(docRepo)

	// 稠密与词法索引
	dense, lexical, err := buildIndexes(ctx, ragCfg, infra)
	if err != nil {
		return nil, err
	}

	// Embedding：进程内 → Redis 分层缓存
	embedProvider, err := NewEmbeddingProvider(ragCfg, cfg.OpenAI)
	if err != nil {
		return nil, err
	}
	localTier, err := localcache.NewTier(ragCfg.LocalCacheItems, 0)
	if err != nil {
		return nil, fmt.Errorf("create local cache: %w", err)
	}
	app.closers = append(app.closers, localTier.Close)
	layers := []rag.CacheLayer{{Tier: localTier, TTL: time.Duration(ragCfg.LocalCacheTTL) * time.Second}}
	if infra.Redis != nil {
		layers = append(layers, rag.CacheLayer{
			Tier: redisdb.NewCacheTier(infra.Redis),
			TTL:  time.Duration(ragCfg.RemoteCacheTTL) * time.Second,
		})
	}
	cache := rag.NewCacheHierarchy(layers...)
	app.Embeddings = rag.NewEmbeddingClient(embedProvider, cache, rag.DefaultTokenCounter(), rag.EmbeddingClientConfig{
		MaxRetries:     ragCfg.EmbeddingRetries,
		BaseBackoff:    time.Duration(ragCfg.EmbeddingBackoffMs) * time.Millisecond,
		MaxBatchTokens: ragCfg.EmbeddingMaxTokens,
	})
	applog.Infof("✅ RAG Embedder initialized (model: %s, dims: %d, cache: %v)",
		embedProvider.Model(), embedProvider.Dims(), cache.Tiers())

	// 融合检索
	app.Fusion = rag.NewFusionEngine(dense, lexical, app.Documents, ragCfg.FusionConfig())
	scorer, err := NewRelevanceScorer(ragCfg, cfg.OpenAI)
	if err != nil {
		return nil, err
	}
	if scorer != nil {
		app.Fusion.SetScorer(scorer)
		applog.Infof("✅ RAG Reranker initialized (provider: %s, model: %s)", ragCfg.RerankProvider, ragCfg.RerankModel)
	}

	var results rag.ResultCache
	if ragCfg.HasResultCache() {
		if infra.Redis != nil {
			results = redisdb.NewResultCache(infra.Redis, ragCfg.ResultCacheTTL)
		} else {
			results = localcache.NewResultCache(1024, time.Duration(ragCfg.ResultCacheTTL)*time.Second)
		}
		app.Fusion.SetCache(results)
		applog.Infof("✅ RAG Result cache initialized (TTL: %ds)", ragCfg.ResultCacheTTL)
	}

	// 查询编排
	table, err := rag.LoadExpansionTable(ragCfg.SynonymFile)
	if err != nil {
		return nil, err
	}
	app.Orchestrator = rag.NewOrchestrator(rag.NewExpander(table), app.Embeddings, app.Fusion, rag.OrchestratorConfig{
		DefaultTopK:  ragCfg.DefaultTopK,
		MinRelevance: ragCfg.MinRelevance,
	})
	app.Generator = NewGenerator(ragCfg)

	// 索引任务控制器
	parsers := rag.NewParserRegistry()
	applog.Infof("✅ RAG Parser registry initialized (types: %s)", parsers.SupportedTypes())
	app.Controller = indexing.NewController(indexing.Dependencies{
		Store:     app.Documents,
		Extractor: parsers,
		Chunker:   rag.NewChunker(ragCfg.ChunkerConfig()),
		Embedder:  app.Embeddings,
		Dense:     dense,
		Lexical:   lexical,
		Jobs:      jobRepo,
	}, cfg.Indexing)
	if results != nil {
		app.Controller.SetResultCache(results)
	}
	if infra.Redis != nil {
		app.Controller.SetLease(redisdb.NewLease(infra.Redis))
	}
	return app, nil
}

func buildIndexes(ctx context.Context, ragCfg *rag.Config, infra Infra) (rag.DenseIndex, rag.LexicalIndex, error) {
	switch ragCfg.IndexBackend {
	case rag.IndexBackendPostgres:
		if infra.DB == nil {
			return nil, nil, fmt.Errorf("index backend postgres requires DATABASE_URL")
		}
		idx := postgres.NewChunkIndex(infra.DB, ragCfg.EmbeddingDims)
		if err := idx.EnsureIndexTables(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure chunk index: %w", err)
		}
		applog.Info("✅ PostgreSQL chunk index ready (pgvector + tsvector)")
		return idx, idx, nil

	case rag.IndexBackendOpenSearch:
		client := opensearch.NewClient(ragCfg)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("opensearch ping: %w", err)
		}
		if err := client.EnsureIndex(ctx, ragCfg.EmbeddingDims); err != nil {
			return nil, nil, fmt.Errorf("ensure opensearch index: %w", err)
		}
		applog.Infof("✅ Connected to OpenSearch (index: %s)", ragCfg.ChunkIndexName())
		return client, client, nil

	default:
		applog.Info("ℹ️  Using in-memory dense and lexical indexes")
		return memory.NewDenseIndex(), memory.NewLexicalIndex(), nil
	}
}
