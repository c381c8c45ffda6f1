package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragent/internal/types"
	"ragent/internal/usage"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *sleepRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "test-model", MaxRetries: 3, RetryBackoff: time.Second})
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

const toolCallReply = `{
  "model": "test-model",
  "choices": [{
    "message": {
      "role": "assistant",
      "content": null,
      "tool_calls": [
        {"id": "call_1", "type": "function", "function": {"name": "web_search", "arguments": "{\"query\":\"go 1.24\"}"}},
        {"type": "function", "function": {"name": "web_fetch", "arguments": {"url": "https://go.dev"}}}
      ]
    },
    "finish_reason": "tool_calls"
  }],
  "usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
}`

func TestChat_ToolCallsAndUsage(t *testing.T) {
	var got map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(toolCallReply))
	})
	tracker, err := usage.NewTracker("")
	require.NoError(t, err)
	c.cfg.Tracker = tracker

	prior := types.ToolCall{ID: "call_0", Name: "web_search", Arguments: map[string]any{"query": "x"}}
	resp, err := c.Chat(context.Background(), Request{
		Messages: []types.Message{
			types.SystemMessage("sys"),
			types.UserMessage("hi"),
			types.AssistantMessage("", prior),
			types.ToolResultMessage(prior, "result"),
		},
		Tools: []types.ToolDefinition{{
			Name: "web_search", Description: "search",
			Parameters: map[string]any{"type": "object", "properties": map[string]any{}, "required": []string{}},
		}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Message.ToolCalls, 2)
	assert.Equal(t, "call_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"query": "go 1.24"}, resp.Message.ToolCalls[0].Arguments)
	assert.Equal(t, "web_fetch", resp.Message.ToolCalls[1].Name)
	assert.NotEmpty(t, resp.Message.ToolCalls[1].ID)
	assert.Equal(t, map[string]any{"url": "https://go.dev"}, resp.Message.ToolCalls[1].Arguments)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, 150, resp.Usage.TotalTokens)

	m := tracker.Model("test-model")
	assert.Equal(t, int64(120), m.InputTokens)
	assert.Equal(t, int64(30), m.OutputTokens)

	// Wire shape of the request.
	assert.Equal(t, "test-model", got["model"])
	tools := got["tools"].([]any)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "web_search", fn["name"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 4)
	assistant := msgs[2].(map[string]any)
	assert.Nil(t, assistant["content"])
	call := assistant["tool_calls"].([]any)[0].(map[string]any)
	assert.Equal(t, `{"query":"x"}`, call["function"].(map[string]any)["arguments"])
	toolMsg := msgs[3].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "call_0", toolMsg["tool_call_id"])
}

func TestChat_RateLimitHonorsRetryAfter(t *testing.T) {
	var hits atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"done"}}]}`))
	})
	var notices []string
	c.SetStatusFunc(func(n string) { notices = append(notices, n) })

	resp, err := c.Chat(context.Background(), Request{Messages: []types.Message{types.UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Message.Content)
	assert.Equal(t, []time.Duration{7 * time.Second}, rec.waits)
	require.Len(t, notices, 2)
	assert.Contains(t, notices[0], "Rate limited")
	assert.Contains(t, notices[0], "7s")
	assert.Equal(t, "", notices[1])
}

func TestChat_RateLimitHTTPDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var hits atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})
	c.now = func() time.Time { return now }

	_, err := c.Chat(context.Background(), Request{Messages: []types.Message{types.UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second}, rec.waits)
}

func TestChat_RateLimitExhausted(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	var notices []string
	c.SetStatusFunc(func(n string) { notices = append(notices, n) })

	_, err := c.Chat(context.Background(), Request{Messages: []types.Message{types.UserMessage("hi")}})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransport))
	assert.Equal(t, http.StatusTooManyRequests, types.StatusCode(err))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, rec.waits)
	assert.Equal(t, "", notices[len(notices)-1])
}

func TestChat_ServerErrorsRetried(t *testing.T) {
	var hits atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})
	var notices []string
	c.SetStatusFunc(func(n string) { notices = append(notices, n) })

	resp, err := c.Chat(context.Background(), Request{Messages: []types.Message{types.UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, int32(3), hits.Load())
	assert.Len(t, rec.waits, 2)
	assert.Empty(t, notices, "only rate limits produce notices")
}

func TestChat_NonRetryableStatus(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})
	_, err := c.Chat(context.Background(), Request{Messages: []types.Message{types.UserMessage("hi")}})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, types.StatusCode(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestChat_ContextOverflow(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"This model's maximum context length is 8192 tokens.","code":"context_length_exceeded"}}`))
	})
	_, err := c.Chat(context.Background(), Request{Messages: []types.Message{types.UserMessage("hi")}})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindContextOverflow))
	assert.Equal(t, int32(1), hits.Load())
}

func TestChat_ProtocolErrors(t *testing.T) {
	for name, body := range map[string]string{
		"not json":   `<html>oops</html>`,
		"no choices": `{"choices":[]}`,
		"error":      `{"error":{"message":"model overloaded"}}`,
		"bad args":   `{"choices":[{"message":{"tool_calls":[{"id":"1","type":"function","function":{"name":"x","arguments":"{not json"}}]}}]}`,
		"no name":    `{"choices":[{"message":{"tool_calls":[{"id":"1","type":"function","function":{"arguments":"{}"}}]}}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			var hits atomic.Int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				_, _ = w.Write([]byte(body))
			})
			_, err := c.Chat(context.Background(), Request{Messages: []types.Message{types.UserMessage("hi")}})
			require.Error(t, err)
			assert.True(t, types.IsKind(err, types.KindProtocol), "got %v", err)
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestChat_CancelledDuringBackoff(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err := c.Chat(ctx, Request{Messages: []types.Message{types.UserMessage("hi")}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComplete(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 2)
		assert.Equal(t, 50, req.MaxTokens)
		require.NotNil(t, req.Temperature)
		assert.Zero(t, *req.Temperature)
		assert.Empty(t, req.Tools)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  [\"a\"]  "}}]}`))
	})
	out, err := c.Complete(context.Background(), "system", "user", 50)
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, out)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"0", 0},
		{"-4", 0},
		{"garbage", 0},
		{"86400", maxRetryAfter},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-10 * time.Second).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), tt.in)
	}
}

func TestIsContextOverflow(t *testing.T) {
	assert.True(t, isContextOverflow([]byte(`{"error":"prompt is too long: 210000 tokens > 200000 maximum"}`)))
	assert.True(t, isContextOverflow([]byte(`the request exceeds the available context size`)))
	assert.False(t, isContextOverflow([]byte(`{"error":"invalid temperature"}`)))
}
