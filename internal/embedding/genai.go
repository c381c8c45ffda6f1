package embedding

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"ragent/internal/types"
	"ragent/internal/usage"
)

// =============================================================================
// GOOGLE GENAI EMBEDDING ENGINE
// =============================================================================

const opGenAIEmbed = "embedding.genai"

// genaiMaxBatch is the largest request the Gemini embedding API accepts.
const genaiMaxBatch = 100

// GenAIEngine generates embeddings using Google's Gemini API.
type GenAIEngine struct {
	client    *genai.Client
	model     string
	taskType  string
	batchSize int
	tracker   *usage.Tracker
	avail     probe
}

// NewGenAIEngine creates a new GenAI embedding engine.
func NewGenAIEngine(cfg Config) (*GenAIEngine, error) {
	if cfg.GenAIAPIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	model := cfg.GenAIModel
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.GenAIAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	batch := cfg.BatchSize
	if batch <= 0 || batch > genaiMaxBatch {
		batch = genaiMaxBatch
	}

	return &GenAIEngine{
		client:    client,
		model:     model,
		taskType:  parseTaskType(cfg.TaskType),
		batchSize: batch,
		tracker:   cfg.Tracker,
		avail:     probe{ttl: 30 * time.Second},
	}, nil
}

// validTaskTypes lists the task types accepted by the Gemini embedding API.
var validTaskTypes = map[string]bool{
	"SEMANTIC_SIMILARITY":  true,
	"CLASSIFICATION":       true,
	"CLUSTERING":           true,
	"RETRIEVAL_DOCUMENT":   true,
	"RETRIEVAL_QUERY":      true,
	"CODE_RETRIEVAL_QUERY": true,
	"QUESTION_ANSWERING":   true,
	"FACT_VERIFICATION":    true,
}

func parseTaskType(taskType string) string {
	if validTaskTypes[taskType] {
		return taskType
	}
	return "SEMANTIC_SIMILARITY"
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	inputs := filterBlank([]string{text})
	if len(inputs) == 0 {
		return nil, types.NewInvalidInput("embedding.embed_single", "text is empty")
	}
	vecs, err := e.embed(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for the non-blank texts.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	inputs := filterBlank(texts)
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, 0, len(inputs))
	for start := 0; start < len(inputs); start += e.batchSize {
		end := min(start+e.batchSize, len(inputs))
		vecs, err := e.embed(ctx, inputs[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch at offset %d: %w", start, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *GenAIEngine) embed(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	chars := 0
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
		chars += len(text)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: e.taskType,
	})
	if err != nil {
		return nil, types.NewTransportError(opGenAIEmbed, 0, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, types.NewProtocolError(opGenAIEmbed, "got %d vectors for %d inputs", len(result.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vecs[i] = emb.Values
	}
	e.tracker.Track(e.model, chars/4, 0, "embedding")
	return vecs, nil
}

// IsAvailable probes the API with a one-word request.
func (e *GenAIEngine) IsAvailable(ctx context.Context) bool {
	return e.avail.check(ctx, func(ctx context.Context) error {
		_, err := e.embed(ctx, []string{"ping"})
		return err
	})
}

// Name returns the engine name.
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}
