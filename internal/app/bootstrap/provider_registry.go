package bootstrap

import (
	"fmt"
	"time"

	"ragweave/internal/adapter/provider/llm/openai"
	"ragweave/internal/domain/rag"
	"ragweave/internal/platform/config"
	applog "ragweave/internal/platform/log"
	"ragweave/internal/provider"
)

// RegisterLLMProviders registers configured LLM providers.
func RegisterLLMProviders(cfg config.OpenAIConfig) {
	if cfg.APIKey == "" {
		applog.Warn("⚠️  No OPENAI_API_KEY set, LLM rerank and generation will not work")
		return
	}

	p := openai.New(openai.Config{
		APIKey:                     cfg.APIKey,
		BaseURL:                    cfg.BaseURL,
		ConnectTimeoutSeconds:      cfg.ConnectTimeoutSeconds,
		TLSHandshakeTimeoutSeconds: cfg.TLSHandshakeTimeoutSeconds,
		MaxRetries:                 cfg.MaxRetries,
	})
	provider.RegisterProvider(p, "gpt")
	applog.Infof("✅ Registered LLM provider: %s (base: %s)", p.Name(), cfg.BaseURL)
	applog.Debug("[Bootstrap] LLM providers", "names", provider.ListProviders())
}

// NewEmbeddingProvider builds the embedding provider named by RAG config.
func NewEmbeddingProvider(ragCfg *rag.Config, oa config.OpenAIConfig) (rag.EmbeddingProvider, error) {
	switch ragCfg.EmbeddingProvider {
	case "", "hash":
		return rag.NewHashEmbedder(ragCfg.EmbeddingDims), nil
	case "openai":
		if oa.APIKey == "" {
			return nil, fmt.Errorf("embedding provider openai requires OPENAI_API_KEY")
		}
		return rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
			BaseURL:   oa.BaseURL,
			APIKey:    oa.APIKey,
			Model:     ragCfg.EmbeddingModel,
			Dims:      ragCfg.EmbeddingDims,
			BatchSize: ragCfg.EmbeddingBatchSize,
			Timeout:   time.Minute,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", ragCfg.EmbeddingProvider)
	}
}

// NewRelevanceScorer builds the rerank scorer; nil when rerank is disabled.
func NewRelevanceScorer(ragCfg *rag.Config, oa config.OpenAIConfig) (rag.RelevanceScorer, error) {
	if !ragCfg.HasRerank() {
		return nil, nil
	}
	switch ragCfg.RerankProvider {
	case "http":
		if ragCfg.RerankURL == "" {
			return nil, fmt.Errorf("rerank provider http requires RAG_RERANK_URL")
		}
		return rag.NewHTTPScorer(ragCfg.RerankURL, ragCfg.RerankModel, oa.APIKey, 5*time.Second), nil
	case "overlap":
		return rag.OverlapScorer{}, nil
	default:
		// 其余名称视为已注册的 LLM provider
		return rag.NewLLMScorer(ragCfg.RerankProvider, ragCfg.RerankModel), nil
	}
}

// NewGenerator builds the answer generator; nil when no generator model is set.
func NewGenerator(ragCfg *rag.Config) rag.Generator {
	if ragCfg.GeneratorModel == "" || ragCfg.GeneratorLLM == "" {
		return nil
	}
	return rag.NewLLMGenerator(ragCfg.GeneratorLLM, ragCfg.GeneratorModel)
}
