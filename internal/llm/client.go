// Package llm is the chat-completion client for OpenAI-compatible backends
// (OpenAI, OpenRouter, vLLM, llama.cpp, Ollama's /v1).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ragent/internal/logging"
	"ragent/internal/types"
	"ragent/internal/usage"
)

// StatusFunc receives human-readable progress notices such as rate-limit
// waits. An empty string clears the previous notice.
type StatusFunc func(notice string)

// Config configures a Client.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration // fallback wait when Retry-After is absent
	Temperature       float64
	MaxTokens         int
	RequestsPerSecond float64 // 0 disables pacing
	Tracker           *usage.Tracker
}

// DefaultConfig targets a local OpenAI-compatible server.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "http://localhost:11434/v1",
		Model:        "qwen2.5:7b-instruct",
		Timeout:      5 * time.Minute,
		MaxRetries:   3,
		RetryBackoff: 2 * time.Second,
		Temperature:  0.2,
		MaxTokens:    2048,
	}
}

// Request is one chat completion call.
type Request struct {
	Messages    []types.Message
	Tools       []types.ToolDefinition
	Temperature *float64 // nil uses the configured value
	MaxTokens   int      // 0 uses the configured value
	Operation   string   // usage bucket; defaults to "chat"
}

// Response is the assistant's reply.
type Response struct {
	Message      types.Message
	FinishReason string
	Usage        types.Usage
}

// Client talks to {BaseURL}/chat/completions.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	mu     sync.RWMutex
	status StatusFunc

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New returns a client for cfg.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		sleep: sleepCtx,
		now:   time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// SetStatusFunc installs the notice callback.
func (c *Client) SetStatusFunc(f StatusFunc) {
	c.mu.Lock()
	c.status = f
	c.mu.Unlock()
}

func (c *Client) notify(notice string) {
	c.mu.RLock()
	f := c.status
	c.mu.RUnlock()
	if f != nil {
		f(notice)
	}
}

// Chat sends the conversation and returns the assistant's reply. Rate limits
// and 5xx responses are retried; a 400 that reports an oversized prompt is a
// context overflow error.
func (c *Client) Chat(ctx context.Context, req Request) (*Response, error) {
	messages, err := toWireMessages(req.Messages)
	if err != nil {
		return nil, types.NewInvalidInput("llm.chat", "%v", err)
	}
	body := chatRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		Tools:     toWireTools(req.Tools),
		MaxTokens: c.cfg.MaxTokens,
	}
	temp := c.cfg.Temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	body.Temperature = &temp
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewInvalidInput("llm.chat", "marshal request: %v", err)
	}

	op := req.Operation
	if op == "" {
		op = "chat"
	}

	timer := logging.StartTimer(logging.CategoryAPI, "llm."+op)
	defer timer.Stop()
	logging.APIDebug("Chat request: model=%s messages=%d tools=%d bytes=%d", c.cfg.Model, len(req.Messages), len(req.Tools), len(payload))

	notified := false
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, wait, err := c.do(ctx, payload)
		if err == nil {
			if notified {
				c.notify("")
			}
			c.track(resp.Usage, op)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if wait < 0 || attempt == c.cfg.MaxRetries {
			break
		}
		if wait == 0 {
			wait = c.cfg.RetryBackoff * time.Duration(attempt+1)
		}

		if types.StatusCode(err) == http.StatusTooManyRequests {
			notified = true
			c.notify(fmt.Sprintf("Rate limited by %s; retrying in %s (attempt %d/%d)",
				hostOf(c.cfg.BaseURL), wait.Round(time.Second), attempt+1, c.cfg.MaxRetries))
		}
		logging.APIWarn("Chat attempt %d failed, retrying in %v: %v", attempt+1, wait, err)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	if notified {
		c.notify("")
	}
	logging.APIError("Chat failed: %v", lastErr)
	return nil, lastErr
}

// do performs one HTTP exchange. wait < 0 means the error is final, 0 means
// retry with the default backoff, > 0 is the server-requested delay.
func (c *Client) do(ctx context.Context, payload []byte) (*Response, time.Duration, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, -1, types.NewInvalidInput("llm.chat", "%v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, types.NewTransportError("llm.chat", 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, 0, types.NewTransportError("llm.chat", resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		out, err := parseChatResponse(body)
		if err != nil {
			return nil, -1, err
		}
		return out, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return nil, wait, types.NewTransportError("llm.chat", resp.StatusCode, fmt.Errorf("rate limited: %s", snippet(body)))
	case resp.StatusCode == http.StatusBadRequest && isContextOverflow(body):
		return nil, -1, types.NewContextOverflowError("llm.chat", snippet(body))
	case isRetryableStatus(resp.StatusCode):
		return nil, 0, types.NewTransportError("llm.chat", resp.StatusCode, fmt.Errorf("%s", snippet(body)))
	default:
		return nil, -1, types.NewTransportError("llm.chat", resp.StatusCode, fmt.Errorf("%s", snippet(body)))
	}
}

func parseChatResponse(body []byte) (*Response, error) {
	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, types.NewProtocolError("llm.chat", "decode response: %v", err)
	}
	if cr.Error != nil {
		return nil, types.NewProtocolError("llm.chat", "backend error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return nil, types.NewProtocolError("llm.chat", "response has no choices")
	}
	choice := cr.Choices[0]
	calls, err := fromWireToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, err
	}

	out := &Response{FinishReason: choice.FinishReason}
	out.Message = types.Message{Role: types.RoleAssistant, ToolCalls: calls}
	if choice.Message.Content != nil {
		out.Message.Content = *choice.Message.Content
	}
	if cr.Usage != nil {
		out.Usage = types.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (c *Client) track(u types.Usage, op string) {
	c.cfg.Tracker.Track(c.cfg.Model, u.PromptTokens, u.CompletionTokens, op)
}

// Complete runs a single system+user exchange without tools and returns the
// trimmed text of the reply.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	msgs := make([]types.Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, types.SystemMessage(system))
	}
	msgs = append(msgs, types.UserMessage(user))
	zero := 0.0
	resp, err := c.Chat(ctx, Request{Messages: msgs, MaxTokens: maxTokens, Temperature: &zero, Operation: "complete"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

var overflowMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"context length",
	"context window",
	"too many tokens",
	"prompt is too long",
	"input is too long",
	"reduce the length",
	"exceeds the available context",
}

func isContextOverflow(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, m := range overflowMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500] + "..."
	}
	return s
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
