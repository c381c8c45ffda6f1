package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Cache.Driver)
	assert.Equal(t, 5, cfg.Tools.FetchPoolSize)
	assert.Equal(t, 10, cfg.Retrieval.SmallCorpusThreshold)
	assert.InDelta(t, 0.80, cfg.Context.ThresholdFraction, 1e-9)
	assert.NotEmpty(t, cfg.Scoring.NoisePathPatterns)
}

func TestConfig_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ragent.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Model = "llama3.1:8b"
	cfg.Retrieval.CorpusDirs = []string{"docs", "notes"}
	cfg.Scoring.SameDomainBonus = 0.2
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "llama3.1:8b", loaded.LLM.Model)
	assert.Equal(t, []string{"docs", "notes"}, loaded.Retrieval.CorpusDirs)
	assert.InDelta(t, 0.2, loaded.Scoring.SameDomainBonus, 1e-9)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_turns: 3\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.MaxTurns)
	assert.Equal(t, DefaultConfig().Embedding.BatchSize, cfg.Embedding.BatchSize)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Engine.MaxTurns, cfg.Engine.MaxTurns)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unterminated"), 0644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad driver", func(c *Config) { c.Cache.Driver = "postgres" }, "invalid cache driver"},
		{"bad search", func(c *Config) { c.Search.Provider = "bing" }, "invalid search provider"},
		{"bad embedding", func(c *Config) { c.Embedding.Provider = "local" }, "invalid embedding provider"},
		{"zero batch", func(c *Config) { c.Embedding.BatchSize = 0 }, "batch_size"},
		{"zero turns", func(c *Config) { c.Engine.MaxTurns = 0 }, "max_turns"},
		{"threshold", func(c *Config) { c.Context.ThresholdFraction = 1.5 }, "threshold_fraction"},
		{"negative weight", func(c *Config) { c.Scoring.OverlapWeight = -1 }, "overlap_weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestConfig_Helpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
	assert.Equal(t, 72*time.Hour, cfg.GetCacheTTL())
	assert.Equal(t, time.Second, cfg.GetEmbeddingBackoff())

	cfg.LLM.Timeout = "not-a-duration"
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())

	cfg.Embedding.BackoffSeconds = 0.5
	assert.Equal(t, 500*time.Millisecond, cfg.GetEmbeddingBackoff())

	cfg.Context = ContextConfig{ContextSize: 1000, CharsPerToken: 4, PreloadBudgetFrac: 0.5}
	assert.Equal(t, 2000, cfg.Context.PreloadBudgetChars())
}

func TestLoggingConfigConversion(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Format: "json", Categories: map[string]bool{"store": false}}
	out := lc.ToLogging()
	assert.Equal(t, "debug", out.Level)
	assert.Equal(t, "json", out.Format)
	assert.False(t, out.Categories["store"])
}
