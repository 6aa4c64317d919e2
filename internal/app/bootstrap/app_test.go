package bootstrap_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragweave/internal/app/bootstrap"
	"ragweave/internal/domain/rag"
	"ragweave/internal/platform/config"
)

func TestBuildInMemory(t *testing.T) {
	app, err := bootstrap.Build(context.Background(), config.Default(), bootstrap.Infra{})
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Documents)
	assert.NotNil(t, app.Controller)
	assert.NotNil(t, app.Orchestrator)
	assert.Nil(t, app.Generator)
	assert.Equal(t, "hash-v1-256", app.Embeddings.Model())
}

func TestBuildWithRedisTiers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	app, err := bootstrap.Build(context.Background(), config.Default(), bootstrap.Infra{Redis: rdb})
	require.NoError(t, err)
	defer app.Close()

	vec, err := app.Embeddings.EmbedQuery(context.Background(), "blood pressure")
	require.NoError(t, err)
	assert.Len(t, vec, 256)

	keys, err := rdb.Keys(context.Background(), "rag:emb:*").Result()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.AppConfig)
	}{
		{"unknown embedding provider", func(c *config.AppConfig) { c.RAG.EmbeddingProvider = "word2vec" }},
		{"openai without key", func(c *config.AppConfig) { c.RAG.EmbeddingProvider = "openai" }},
		{"postgres without db", func(c *config.AppConfig) { c.RAG.IndexBackend = rag.IndexBackendPostgres }},
		{"http rerank without url", func(c *config.AppConfig) {
			c.RAG.EnableRerank = true
			c.RAG.RerankProvider = "http"
		}},
		{"missing synonym file", func(c *config.AppConfig) { c.RAG.SynonymFile = "/nonexistent/synonyms.yaml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := bootstrap.Build(context.Background(), cfg, bootstrap.Infra{})
			assert.Error(t, err)
		})
	}
}

func TestProviderFactories(t *testing.T) {
	cfg := config.Default()

	scorer, err := bootstrap.NewRelevanceScorer(&cfg.RAG, cfg.OpenAI)
	require.NoError(t, err)
	assert.Nil(t, scorer)

	cfg.RAG.EnableRerank = true
	cfg.RAG.RerankProvider = "overlap"
	scorer, err = bootstrap.NewRelevanceScorer(&cfg.RAG, cfg.OpenAI)
	require.NoError(t, err)
	assert.IsType(t, rag.OverlapScorer{}, scorer)

	cfg.RAG.RerankProvider = "openai"
	scorer, err = bootstrap.NewRelevanceScorer(&cfg.RAG, cfg.OpenAI)
	require.NoError(t, err)
	assert.IsType(t, &rag.LLMScorer{}, scorer)

	assert.Nil(t, bootstrap.NewGenerator(&cfg.RAG))
	cfg.RAG.GeneratorLLM = "openai"
	cfg.RAG.GeneratorModel = "gpt-4o-mini"
	assert.NotNil(t, bootstrap.NewGenerator(&cfg.RAG))
}
