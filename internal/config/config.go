package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ragent configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Cache     CacheConfig     `yaml:"cache"`
	Search    SearchConfig    `yaml:"search"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Context   ContextConfig   `yaml:"context"`
	Engine    EngineConfig    `yaml:"engine"`
	Tools     ToolsConfig     `yaml:"tools"`
	Usage     UsageConfig     `yaml:"usage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the OpenAI-compatible chat-completion backend.
type LLMConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Timeout           string  `yaml:"timeout"`
	MaxRetries        int     `yaml:"max_retries"`
	RetryBackoff      string  `yaml:"retry_backoff"` // used when Retry-After is absent
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 disables pacing
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string  `yaml:"provider"` // "http" or "genai"
	Endpoint       string  `yaml:"endpoint"` // full URL of the embeddings route
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	BatchSize      int     `yaml:"batch_size"`
	RetryAttempts  int     `yaml:"retry_attempts"`
	BackoffSeconds float64 `yaml:"backoff_seconds"`
	Timeout        string  `yaml:"timeout"`
	GenAIAPIKey    string  `yaml:"genai_api_key"`
	GenAIModel     string  `yaml:"genai_model"`
	TaskType       string  `yaml:"task_type"`
}

// CacheConfig configures the SQLite content cache.
type CacheConfig struct {
	Driver          string  `yaml:"driver"` // "sqlite" (modernc) or "sqlite3" (mattn)
	Path            string  `yaml:"path"`
	TTLHours        float64 `yaml:"ttl_hours"`
	CleanupInterval string  `yaml:"cleanup_interval"`
}

// SearchConfig configures the web search provider.
type SearchConfig struct {
	Provider          string  `yaml:"provider"` // searxng, duckduckgo, brave
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	Count             int     `yaml:"count"`
	SnippetMaxChars   int     `yaml:"snippet_max_chars"`
	Timeout           string  `yaml:"timeout"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ToolsConfig configures the research tools.
type ToolsConfig struct {
	FetchPoolSize      int    `yaml:"fetch_pool_size"`
	FetchTimeout       string `yaml:"fetch_timeout"`
	FetchMaxChars      int    `yaml:"fetch_max_chars"`
	SummarizeOverChars int    `yaml:"summarize_over_chars"`
}

// UsageConfig configures the usage tracker.
type UsageConfig struct {
	Path string `yaml:"path"` // empty keeps usage in memory only
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:      "http://localhost:11434/v1",
			Model:        "qwen2.5:14b",
			Timeout:      "120s",
			MaxRetries:   3,
			RetryBackoff: "5s",
			Temperature:  0.2,
			MaxTokens:    2048,
		},
		Embedding: EmbeddingConfig{
			Provider:       "http",
			Endpoint:       "http://localhost:11434/v1/embeddings",
			Model:          "nomic-embed-text",
			BatchSize:      32,
			RetryAttempts:  3,
			BackoffSeconds: 1,
			Timeout:        "60s",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "RETRIEVAL_DOCUMENT",
		},
		Cache: CacheConfig{
			Driver:          "sqlite",
			Path:            filepath.Join(".ragent", "cache.db"),
			TTLHours:        72,
			CleanupInterval: "30m",
		},
		Search: SearchConfig{
			Provider:        "searxng",
			BaseURL:         "http://localhost:8888",
			Count:           8,
			SnippetMaxChars: 300,
			Timeout:         "20s",
		},
		Retrieval: DefaultRetrievalConfig(),
		Scoring:   DefaultScoringConfig(),
		Context: ContextConfig{
			ContextSize:         32768,
			ThresholdFraction:   0.80,
			CharsPerToken:       4.0,
			ToolResultMaxChars:  6000,
			PreloadBudgetFrac:   0.35,
			PreloadMinTruncated: 200,
		},
		Engine: EngineConfig{
			MaxTurns:     12,
			SystemPrompt: defaultSystemPrompt,
		},
		Tools: ToolsConfig{
			FetchPoolSize:      5,
			FetchTimeout:       "30s",
			FetchMaxChars:      20000,
			SummarizeOverChars: 8000,
		},
		Usage: UsageConfig{
			Path: filepath.Join(".ragent", "usage.json"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

const defaultSystemPrompt = `You are a careful research assistant. Use the provided context and tools to answer.
Cite the URLs you relied on. If the context does not contain the answer, use the tools to look it up.`

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("RAGENT_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if url := os.Getenv("RAGENT_LLM_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if model := os.Getenv("RAGENT_LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}

	if key := os.Getenv("RAGENT_EMBEDDING_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}
	if url := os.Getenv("RAGENT_EMBEDDING_ENDPOINT"); url != "" {
		c.Embedding.Endpoint = url
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.Embedding.GenAIAPIKey == "" {
		c.Embedding.GenAIAPIKey = key
	}

	if key := os.Getenv("BRAVE_API_KEY"); key != "" && c.Search.Provider == "brave" {
		c.Search.APIKey = key
	}
	if key := os.Getenv("RAGENT_SEARCH_API_KEY"); key != "" {
		c.Search.APIKey = key
	}
	if url := os.Getenv("RAGENT_SEARCH_URL"); url != "" {
		c.Search.BaseURL = url
	}

	if path := os.Getenv("RAGENT_CACHE_DB"); path != "" {
		c.Cache.Path = path
	}
	if level := os.Getenv("RAGENT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetLLMRetryBackoff returns the delay used when a 429 carries no Retry-After.
func (c *Config) GetLLMRetryBackoff() time.Duration {
	return parseDuration(c.LLM.RetryBackoff, 5*time.Second)
}

// GetEmbeddingTimeout returns the per-request embedding timeout.
func (c *Config) GetEmbeddingTimeout() time.Duration {
	return parseDuration(c.Embedding.Timeout, 60*time.Second)
}

// GetEmbeddingBackoff returns the linear backoff unit for embedding retries.
func (c *Config) GetEmbeddingBackoff() time.Duration {
	if c.Embedding.BackoffSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.Embedding.BackoffSeconds * float64(time.Second))
}

// GetCacheTTL returns the content cache TTL.
func (c *Config) GetCacheTTL() time.Duration {
	if c.Cache.TTLHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.Cache.TTLHours * float64(time.Hour))
}

// GetCleanupInterval returns how often the cache janitor runs.
func (c *Config) GetCleanupInterval() time.Duration {
	return parseDuration(c.Cache.CleanupInterval, 30*time.Minute)
}

// GetSearchTimeout returns the web search request timeout.
func (c *Config) GetSearchTimeout() time.Duration {
	return parseDuration(c.Search.Timeout, 20*time.Second)
}

// GetFetchTimeout returns the fixed timeout for tool HTTP fetches.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDuration(c.Tools.FetchTimeout, 30*time.Second)
}

// ValidCacheDrivers lists the supported database/sql driver names.
var ValidCacheDrivers = []string{"sqlite", "sqlite3"}

// ValidSearchProviders lists the supported web search providers.
var ValidSearchProviders = []string{"searxng", "duckduckgo", "brave"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !contains(ValidCacheDrivers, c.Cache.Driver) {
		return fmt.Errorf("invalid cache driver: %s (valid: %v)", c.Cache.Driver, ValidCacheDrivers)
	}
	if !contains(ValidSearchProviders, c.Search.Provider) {
		return fmt.Errorf("invalid search provider: %s (valid: %v)", c.Search.Provider, ValidSearchProviders)
	}
	switch c.Embedding.Provider {
	case "http", "genai":
	default:
		return fmt.Errorf("invalid embedding provider: %s (valid: http, genai)", c.Embedding.Provider)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive")
	}
	if c.Retrieval.ChunkTargetChars <= 0 {
		return fmt.Errorf("retrieval.chunk_target_chars must be positive")
	}
	if c.Retrieval.MaxSubQueries < 1 {
		return fmt.Errorf("retrieval.max_sub_queries must be at least 1")
	}
	if c.Context.ContextSize <= 0 {
		return fmt.Errorf("context.context_size must be positive")
	}
	if c.Context.ThresholdFraction <= 0 || c.Context.ThresholdFraction > 1 {
		return fmt.Errorf("context.threshold_fraction must be in (0, 1]")
	}
	if c.Engine.MaxTurns <= 0 {
		return fmt.Errorf("engine.max_turns must be positive")
	}
	return c.Scoring.Validate()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
