// Package embedding provides vector embedding generation for semantic search.
// Supports an OpenAI-compatible HTTP backend (Ollama, llama.cpp, vLLM, hosted
// APIs) and Google GenAI.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"ragent/internal/logging"
	"ragent/internal/usage"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single non-blank text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for the non-blank entries of texts, in
	// order. Blank entries are dropped before the request is made.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// IsAvailable reports whether the backend answered a recent probe.
	IsAvailable(ctx context.Context) bool

	// Name identifies the engine and model. Stored vectors are keyed by it.
	Name() string
}

// =============================================================================
// EMBEDDING CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "http" or "genai"
	Provider string

	// HTTP configuration
	Endpoint      string // full URL of the embeddings route
	APIKey        string
	Model         string
	BatchSize     int
	RetryAttempts int
	Backoff       time.Duration // linear unit: attempt × Backoff
	Timeout       time.Duration

	// GenAI configuration
	GenAIAPIKey string
	GenAIModel  string
	TaskType    string // SEMANTIC_SIMILARITY, RETRIEVAL_QUERY, RETRIEVAL_DOCUMENT, ...

	// Tracker receives embedding token usage. Optional.
	Tracker *usage.Tracker
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:      "http",
		Endpoint:      "http://localhost:11434/v1/embeddings",
		Model:         "nomic-embed-text",
		BatchSize:     32,
		RetryAttempts: 3,
		Backoff:       time.Second,
		Timeout:       60 * time.Second,
		GenAIModel:    "gemini-embedding-001",
		TaskType:      "RETRIEVAL_DOCUMENT",
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	var engine Engine
	var err error

	switch cfg.Provider {
	case "http", "":
		engine, err = NewHTTPEngine(cfg)
	case "genai":
		engine, err = NewGenAIEngine(cfg)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'http' or 'genai')", cfg.Provider)
	}
	if err != nil {
		logging.EmbeddingError("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine created: name=%s", engine.Name())
	return engine, nil
}

// filterBlank drops empty and whitespace-only texts.
func filterBlank(texts []string) []string {
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}

// probe caches the outcome of an availability check.
type probe struct {
	mu      sync.Mutex
	ttl     time.Duration
	checked time.Time
	ok      bool
}

func (p *probe) check(ctx context.Context, fn func(context.Context) error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checked.IsZero() && time.Since(p.checked) < p.ttl {
		return p.ok
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := fn(ctx)
	p.ok = err == nil
	p.checked = time.Now()
	if err != nil {
		logging.EmbeddingWarn("Embedding backend unavailable: %v", err)
	}
	return p.ok
}

// =============================================================================
// COSINE SIMILARITY UTILITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		aMagnitude += float64(a[i]) * float64(a[i])
		bMagnitude += float64(b[i]) * float64(b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}
	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the indices of the top K most similar vectors to the query.
// Vectors whose dimension differs from the query are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: similarity})
	}
	if skipped > 0 {
		logging.EmbeddingWarn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
