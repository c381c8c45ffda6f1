package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ragent/internal/config"
	"ragent/internal/embedding"
	"ragent/internal/engine"
	"ragent/internal/fetch"
	"ragent/internal/ingest"
	"ragent/internal/llm"
	"ragent/internal/logging"
	"ragent/internal/preload"
	"ragent/internal/retrieval"
	"ragent/internal/search"
	"ragent/internal/store"
	"ragent/internal/summarize"
	"ragent/internal/tools"
	"ragent/internal/tools/research"
	"ragent/internal/usage"
)

// services holds every long-lived component of one CLI invocation.
type services struct {
	cfg *config.Config

	Store      *store.Store
	Tracker    *usage.Tracker
	LLM        *llm.Client
	Embedder   embedding.Engine // nil when the embedding backend is unavailable
	Search     *search.Client   // nil when the provider is misconfigured
	Fetcher    *fetch.Fetcher
	Scorer     *retrieval.Scorer
	Expander   *retrieval.Expander
	Ingester   *ingest.Ingester
	Preload    *preload.Pipeline
	Registry   *tools.Registry
	Engine     *engine.Engine
	Summarizer *summarize.Worker

	stopJanitor func()
}

// openStore opens only the cache database, for commands that need nothing else.
func openStore(cfg *config.Config) (*store.Store, error) {
	if dir := filepath.Dir(cfg.Cache.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	s, err := store.Open(store.Config{Driver: cfg.Cache.Driver, Path: cfg.Cache.Path, TTL: cfg.GetCacheTTL()})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return s, nil
}

func embeddingConfig(cfg *config.Config, tracker *usage.Tracker) embedding.Config {
	return embedding.Config{
		Provider:      cfg.Embedding.Provider,
		Endpoint:      cfg.Embedding.Endpoint,
		APIKey:        cfg.Embedding.APIKey,
		Model:         cfg.Embedding.Model,
		BatchSize:     cfg.Embedding.BatchSize,
		RetryAttempts: cfg.Embedding.RetryAttempts,
		Backoff:       cfg.GetEmbeddingBackoff(),
		Timeout:       cfg.GetEmbeddingTimeout(),
		GenAIAPIKey:   cfg.Embedding.GenAIAPIKey,
		GenAIModel:    cfg.Embedding.GenAIModel,
		TaskType:      cfg.Embedding.TaskType,
		Tracker:       tracker,
	}
}

// newServices wires the full stack from cfg. Optional backends that fail to
// initialize are logged and left nil; the stages that need them are skipped.
func newServices(ctx context.Context, cfg *config.Config) (*services, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "newServices")
	defer timer.Stop()

	s := &services{cfg: cfg}

	var err error
	if s.Store, err = openStore(cfg); err != nil {
		return nil, err
	}
	s.stopJanitor = s.Store.StartJanitor(ctx, cfg.GetCleanupInterval())

	if s.Tracker, err = usage.NewTracker(cfg.Usage.Path); err != nil {
		logging.BootWarn("usage tracker unavailable, keeping usage in memory: %v", err)
		s.Tracker, _ = usage.NewTracker("")
	}

	s.LLM = llm.New(llm.Config{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		Timeout:           cfg.GetLLMTimeout(),
		MaxRetries:        cfg.LLM.MaxRetries,
		RetryBackoff:      cfg.GetLLMRetryBackoff(),
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Tracker:           s.Tracker,
	})

	embedder, err := embedding.NewEngine(embeddingConfig(cfg, s.Tracker))
	if err != nil {
		logging.BootWarn("embedding disabled: %v", err)
	} else {
		s.Embedder = embedder
	}

	searchClient, err := search.New(search.Config{
		Provider:          cfg.Search.Provider,
		BaseURL:           cfg.Search.BaseURL,
		APIKey:            cfg.Search.APIKey,
		Count:             cfg.Search.Count,
		SnippetMaxChars:   cfg.Search.SnippetMaxChars,
		Timeout:           cfg.GetSearchTimeout(),
		RequestsPerSecond: cfg.Search.RequestsPerSecond,
	})
	if err != nil {
		logging.BootWarn("web search disabled: %v", err)
	} else {
		s.Search = searchClient
	}

	s.Fetcher = fetch.New(cfg.GetFetchTimeout())

	if s.Scorer, err = retrieval.NewScorer(s.Embedder, cfg.Scoring); err != nil {
		s.Close()
		return nil, fmt.Errorf("build scorer: %w", err)
	}
	s.Expander = retrieval.NewExpander(cfg.Retrieval, s.LLM)
	s.Ingester = ingest.New(s.Store, s.Embedder, cfg.Retrieval)

	deps := preload.Deps{
		Store:     s.Store,
		Ingester:  s.Ingester,
		Fetcher:   s.Fetcher,
		Embedder:  s.Embedder,
		Scorer:    s.Scorer,
		Expander:  s.Expander,
		Completer: s.LLM,
		Retrieval: cfg.Retrieval,
		Context:   cfg.Context,
	}
	if s.Search != nil {
		deps.Search = s.Search
	}
	s.Preload = preload.New(deps)

	s.Registry = tools.NewRegistry()
	s.Registry.SetUsage(s.Tracker, cfg.LLM.Model)
	if _, err := research.RegisterAll(s.Registry, research.Deps{
		Store:   s.Store,
		Fetcher: s.Fetcher,
		Search:  s.Search,
		Scorer:  s.Scorer,
		Config:  cfg.Tools,
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	s.Engine = engine.New(engine.Deps{
		Model:     s.LLM,
		Tools:     s.Registry,
		Summaries: s.Store,
		Engine:    cfg.Engine,
		Context:   cfg.Context,
	})
	s.Summarizer = summarize.NewWorker(s.Store, s.LLM)

	logging.Boot("services ready: model=%s embedder=%v search=%v tools=%d",
		cfg.LLM.Model, s.Embedder != nil, s.Search != nil, s.Registry.Count())
	return s, nil
}

// Close stops background work, persists usage and closes the cache.
func (s *services) Close() {
	if s.stopJanitor != nil {
		s.stopJanitor()
	}
	if s.Tracker != nil {
		if err := s.Tracker.Save(); err != nil {
			logging.BootWarn("save usage: %v", err)
		}
	}
	if s.Store != nil {
		_ = s.Store.Close()
	}
}
