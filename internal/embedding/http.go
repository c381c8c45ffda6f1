package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"ragent/internal/logging"
	"ragent/internal/types"
	"ragent/internal/usage"
)

// =============================================================================
// OPENAI-COMPATIBLE HTTP EMBEDDING ENGINE
// =============================================================================

const opEmbed = "embedding.embed"

// HTTPEngine calls an embeddings endpoint accepting {model, input[]}.
// It batches inputs, retries transient failures with linear backoff, and keeps
// call counters. One instance is shared by every consumer in the process.
type HTTPEngine struct {
	endpoint      string
	model         string
	apiKey        string
	batchSize     int
	retryAttempts int
	backoff       time.Duration
	client        *http.Client
	tracker       *usage.Tracker

	calls    atomic.Int64
	texts    atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64

	avail probe
}

// Stats is a snapshot of the engine's counters.
type Stats struct {
	Calls    int64 // HTTP requests that returned vectors
	Texts    int64 // texts embedded
	Retries  int64 // retry attempts made
	Failures int64 // batches that failed after all retries
}

// NewHTTPEngine creates an HTTP embedding engine.
func NewHTTPEngine(cfg Config) (*HTTPEngine, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &HTTPEngine{
		endpoint:      cfg.Endpoint,
		model:         cfg.Model,
		apiKey:        cfg.APIKey,
		batchSize:     cfg.BatchSize,
		retryAttempts: cfg.RetryAttempts,
		backoff:       cfg.Backoff,
		client:        &http.Client{Timeout: cfg.Timeout},
		tracker:       cfg.Tracker,
		avail:         probe{ttl: 30 * time.Second},
	}, nil
}

// Name returns the engine name.
func (e *HTTPEngine) Name() string {
	return "http:" + e.model
}

// Stats returns the current counters.
func (e *HTTPEngine) Stats() Stats {
	return Stats{
		Calls:    e.calls.Load(),
		Texts:    e.texts.Load(),
		Retries:  e.retries.Load(),
		Failures: e.failures.Load(),
	}
}

// Embed generates an embedding for a single text.
func (e *HTTPEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	inputs := filterBlank([]string{text})
	if len(inputs) == 0 {
		return nil, types.NewInvalidInput("embedding.embed_single", "text is empty")
	}
	vecs, err := e.embedWithRetry(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for the non-blank texts, batchSize at a time.
func (e *HTTPEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	inputs := filterBlank(texts)
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	timer := logging.StartTimer(logging.CategoryEmbedding, fmt.Sprintf("EmbedBatch(%d)", len(inputs)))
	defer timer.Stop()

	out := make([][]float32, 0, len(inputs))
	for start := 0; start < len(inputs); start += e.batchSize {
		end := min(start+e.batchSize, len(inputs))
		vecs, err := e.embedWithRetry(ctx, inputs[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch at offset %d: %w", start, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// IsAvailable probes the endpoint with a one-word request. The outcome is
// cached for 30 seconds.
func (e *HTTPEngine) IsAvailable(ctx context.Context) bool {
	return e.avail.check(ctx, func(ctx context.Context) error {
		_, err := e.doRequest(ctx, []string{"ping"})
		return err
	})
}

func (e *HTTPEngine) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= e.retryAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * e.backoff
			e.retries.Add(1)
			logging.EmbeddingWarn("Embedding attempt %d failed (%v), retrying in %v", attempt, lastErr, wait)
			select {
			case <-ctx.Done():
				return nil, types.NewTransportError(opEmbed, 0, ctx.Err())
			case <-time.After(wait):
			}
		}

		vecs, err := e.doRequest(ctx, batch)
		if err == nil {
			e.calls.Add(1)
			e.texts.Add(int64(len(batch)))
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			break
		}
	}
	e.failures.Add(1)
	return nil, lastErr
}

// isRetryable reports whether err is a rate limit, a gateway/server error, or
// a failure that happened before any response arrived.
func isRetryable(err error) bool {
	if !types.IsKind(err, types.KindTransport) {
		return false
	}
	switch types.StatusCode(err) {
	case 0, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     *int      `json:"index"`
	} `json:"data"`
	Embeddings [][]float32 `json:"embeddings"`
	Usage      *struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
	PromptEvalCount int `json:"prompt_eval_count"`
}

func (e *HTTPEngine) doRequest(ctx context.Context, batch []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: batch})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewInvalidInput(opEmbed, "bad endpoint %q: %v", e.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, types.NewTransportError(opEmbed, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, types.NewTransportError(opEmbed, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewTransportError(opEmbed, resp.StatusCode, fmt.Errorf("%s", truncate(string(respBody), 300)))
	}

	vecs, tokens, err := parseEmbedResponse(respBody, len(batch))
	if err != nil {
		return nil, err
	}

	if tokens == 0 {
		for _, t := range batch {
			tokens += len(t) / 4
		}
	}
	e.tracker.Track(e.model, tokens, 0, "embedding")
	return vecs, nil
}

// parseEmbedResponse accepts {"data":[{"embedding":[...]}]} or
// {"embeddings":[[...]]} and requires exactly want vectors.
func parseEmbedResponse(body []byte, want int) ([][]float32, int, error) {
	var r embedResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, 0, types.NewProtocolError(opEmbed, "invalid JSON: %v", err)
	}

	var vecs [][]float32
	switch {
	case r.Data != nil:
		vecs = make([][]float32, len(r.Data))
		indexed := true
		for _, d := range r.Data {
			if d.Index == nil || *d.Index < 0 || *d.Index >= len(r.Data) {
				indexed = false
				break
			}
		}
		for i, d := range r.Data {
			if indexed {
				vecs[*d.Index] = d.Embedding
			} else {
				vecs[i] = d.Embedding
			}
		}
	case r.Embeddings != nil:
		vecs = r.Embeddings
	default:
		return nil, 0, types.NewProtocolError(opEmbed, "response has neither data nor embeddings")
	}

	if len(vecs) != want {
		return nil, 0, types.NewProtocolError(opEmbed, "got %d vectors for %d inputs", len(vecs), want)
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, 0, types.NewProtocolError(opEmbed, "vector %d is empty", i)
		}
	}

	tokens := r.PromptEvalCount
	if r.Usage != nil {
		tokens = r.Usage.PromptTokens
	}
	return vecs, tokens, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
