package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ragent/internal/config"
	"ragent/internal/fetch"
	"ragent/internal/llm"
	"ragent/internal/store"
	"ragent/internal/tools"
	"ragent/internal/tools/research"
	"ragent/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

type step func(req llm.Request) (*llm.Response, error)

// scriptedModel replays steps in order and records every request.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []step
	requests []llm.Request
}

func (m *scriptedModel) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, llm.Request{Messages: append([]types.Message(nil), req.Messages...), Tools: req.Tools})
	if len(m.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := m.steps[0]
	if len(m.steps) > 1 {
		m.steps = m.steps[1:]
	}
	return next(req)
}

func answer(text string) step {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Message: types.AssistantMessage(text), Usage: types.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}}, nil
	}
}

func callTool(name string, args map[string]any) step {
	return func(llm.Request) (*llm.Response, error) {
		call := types.ToolCall{ID: "call_" + name, Name: name, Arguments: args}
		return &llm.Response{Message: types.AssistantMessage("", call)}, nil
	}
}

func fail(err error) step {
	return func(llm.Request) (*llm.Response, error) { return nil, err }
}

func echoRegistry(t *testing.T) (*tools.Registry, *atomic.Int32) {
	t.Helper()
	var runs atomic.Int32
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&tools.Tool{
		Name:        "echo",
		Description: "Echo the text argument",
		Category:    tools.CategoryGeneral,
		Schema: tools.ToolSchema{
			Required:   []string{"text"},
			Properties: map[string]tools.Property{"text": {Type: "string"}},
		},
		Execute: func(ctx context.Context, args map[string]any) tools.Result {
			runs.Add(1)
			return tools.OK("echo: " + types.ArgString(args, "text"))
		},
	}))
	return reg, &runs
}

func testContextConfig() config.ContextConfig {
	return config.ContextConfig{ContextSize: 32768, ThresholdFraction: 0.8, CharsPerToken: 4, ToolResultMaxChars: 6000}
}

func newEngine(model ChatModel, exec ToolExecutor, maxTurns int) *Engine {
	return New(Deps{
		Model:   model,
		Tools:   exec,
		Engine:  config.EngineConfig{MaxTurns: maxTurns, SystemPrompt: "You are a research assistant."},
		Context: testContextConfig(),
	})
}

func TestRun_AnswerWithoutTools(t *testing.T) {
	model := &scriptedModel{steps: []step{answer("Paris.")}}
	res := newEngine(model, nil, 5).Run(context.Background(), "", "capital of France?")

	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "Paris.", res.Answer)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, 12, res.Usage.TotalTokens)
	assert.NotEmpty(t, res.ConversationID)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, types.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, types.RoleAssistant, res.Messages[2].Role)
}

func TestRun_PreloadContextPrecedesQuestion(t *testing.T) {
	model := &scriptedModel{steps: []step{answer("ok")}}
	newEngine(model, nil, 5).Run(context.Background(), "# Retrieved context\n...", "question?")

	require.Len(t, model.requests, 1)
	msgs := model.requests[0].Messages
	require.Len(t, msgs, 3)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "# Retrieved context"))
	assert.Equal(t, "question?", msgs[2].Content)
}

func TestRun_NativeToolCall(t *testing.T) {
	reg, runs := echoRegistry(t)
	model := &scriptedModel{steps: []step{callTool("echo", map[string]any{"text": "hi"}), answer("done")}}
	res := newEngine(model, reg, 5).Run(context.Background(), "", "say hi")

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, 1, res.ToolCalls)
	assert.EqualValues(t, 1, runs.Load())

	require.Len(t, model.requests, 2)
	assert.Len(t, model.requests[0].Tools, 1)
	second := model.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, types.RoleTool, last.Role)
	assert.Equal(t, "call_echo", last.ToolCallID)
	assert.Equal(t, "echo: hi", last.Content)
}

func TestRun_TextualToolCall(t *testing.T) {
	reg, runs := echoRegistry(t)
	textual := func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Message: types.AssistantMessage(
			"Let me check.\n<tool_call><function=echo><parameter=text>from text</parameter></function></tool_call>")}, nil
	}
	model := &scriptedModel{steps: []step{textual, answer("done")}}
	res := newEngine(model, reg, 5).Run(context.Background(), "", "q")

	require.Equal(t, StateDone, res.State)
	assert.EqualValues(t, 1, runs.Load())
	assistant := res.Messages[2]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "Let me check.", assistant.Content)
	assert.Equal(t, "echo: from text", res.Messages[3].Content)
}

func TestRun_ToolFailureBecomesPayload(t *testing.T) {
	reg, _ := echoRegistry(t)
	model := &scriptedModel{steps: []step{callTool("nope", map[string]any{}), answer("sorry")}}
	res := newEngine(model, reg, 5).Run(context.Background(), "", "q")

	assert.Equal(t, StateDone, res.State)
	toolMsg := res.Messages[3]
	assert.Equal(t, types.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, `"kind":"invalid_input"`)
	assert.Contains(t, toolMsg.Content, "tool not found")
}

func TestRun_MaxTurns(t *testing.T) {
	reg, runs := echoRegistry(t)
	model := &scriptedModel{steps: []step{callTool("echo", map[string]any{"text": "again"})}}
	res := newEngine(model, reg, 3).Run(context.Background(), "", "loop forever")

	assert.Equal(t, StateHalted, res.State)
	assert.Equal(t, HaltMaxTurns, res.Reason)
	assert.Equal(t, 3, res.Turns)
	assert.EqualValues(t, 3, runs.Load())
	assert.Error(t, res.Err)
}

func TestRun_CancelledBetweenTurns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var toolSawCancel atomic.Bool
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(&tools.Tool{
		Name:        "slow",
		Description: "Cancels the caller then finishes",
		Execute: func(toolCtx context.Context, _ map[string]any) tools.Result {
			cancel()
			toolSawCancel.Store(toolCtx.Err() != nil)
			return tools.OK("finished")
		},
	}))
	model := &scriptedModel{steps: []step{callTool("slow", nil), answer("never")}}
	res := newEngine(model, reg, 5).Run(ctx, "", "q")

	assert.Equal(t, StateHalted, res.State)
	assert.Equal(t, HaltCancelled, res.Reason)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, toolSawCancel.Load(), "tools run detached from caller cancellation")
	assert.Len(t, model.requests, 1)
	assert.Equal(t, "finished", res.Messages[len(res.Messages)-1].Content)
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{steps: []step{answer("x")}}
	res := newEngine(model, nil, 5).Run(ctx, "", "q")

	assert.Equal(t, HaltCancelled, res.Reason)
	assert.Empty(t, model.requests)
}

func TestRun_BackendErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason HaltReason
	}{
		{"transport", types.NewTransportError("llm.chat", 503, errors.New("unavailable")), HaltTransport},
		{"protocol", types.NewProtocolError("llm.chat", "no choices"), HaltProtocol},
		{"plain error", errors.New("boom"), HaltTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{steps: []step{fail(tt.err)}}
			res := newEngine(model, nil, 5).Run(context.Background(), "", "q")
			assert.Equal(t, StateHalted, res.State)
			assert.Equal(t, tt.reason, res.Reason)
			assert.ErrorIs(t, res.Err, tt.err)
			assert.Equal(t, 0, res.Turns)
		})
	}
}

func TestRun_OverflowRetriesOnceAfterForcedCompaction(t *testing.T) {
	overflow := types.NewContextOverflowError("llm.chat", "prompt too long")
	model := &scriptedModel{steps: []step{fail(overflow), answer("fits now")}}
	history := []types.Message{types.SystemMessage("sys")}
	for i := 0; i < 6; i++ {
		history = append(history, types.UserMessage(strings.Repeat("x", 100)), types.AssistantMessage("ok"))
	}
	history = append(history, types.UserMessage("final question"))

	eng := New(Deps{
		Model:   model,
		Engine:  config.EngineConfig{MaxTurns: 5},
		Context: config.ContextConfig{ContextSize: 200, ThresholdFraction: 0.8, CharsPerToken: 4},
	})
	res := eng.Continue(context.Background(), history)

	require.Equal(t, StateDone, res.State)
	assert.Equal(t, "fits now", res.Answer)
	assert.Equal(t, 1, res.Compactions)
	require.Len(t, model.requests, 2)
	retried := model.requests[1].Messages
	assert.Less(t, len(retried), len(history))
	assert.Equal(t, types.RoleSystem, retried[0].Role)
	assert.Equal(t, "final question", retried[len(retried)-1].Content)
}

func TestRun_SecondOverflowHalts(t *testing.T) {
	overflow := types.NewContextOverflowError("llm.chat", "prompt too long")
	model := &scriptedModel{steps: []step{fail(overflow)}}
	res := newEngine(model, nil, 5).Run(context.Background(), "", "q")

	assert.Equal(t, StateHalted, res.State)
	assert.Equal(t, HaltContextOverflow, res.Reason)
	assert.True(t, types.IsKind(res.Err, types.KindContextOverflow))
	assert.Len(t, model.requests, 2)
}

func TestRun_SecondFetchOfSameURLIsRefused(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Go memory model</title></head><body><p>Happens-before explained.</p></body></html>`)
	}))
	defer ts.Close()

	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "cache.db"), TTL: time.Hour})
	require.NoError(t, err)
	defer s.Close()

	reg := tools.NewRegistry()
	_, err = research.RegisterAll(reg, research.Deps{Store: s, Fetcher: fetch.New(5 * time.Second)})
	require.NoError(t, err)

	url := ts.URL + "/memory-model"
	model := &scriptedModel{steps: []step{
		callTool("web_fetch", map[string]any{"url": url}),
		callTool("web_fetch", map[string]any{"url": url}),
		answer("Happens-before."),
	}}
	res := New(Deps{Model: model, Tools: reg, Summaries: s, Engine: config.EngineConfig{MaxTurns: 5}, Context: testContextConfig()}).
		Run(context.Background(), "", "explain the go memory model")

	require.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.ToolCalls)
	assert.EqualValues(t, 1, hits.Load())

	var toolMsgs []types.Message
	for _, m := range res.Messages {
		if m.Role == types.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	require.Len(t, toolMsgs, 2)
	assert.Contains(t, toolMsgs[0].Content, "Happens-before explained.")
	assert.Contains(t, toolMsgs[1].Content, "already read")
	assert.Contains(t, toolMsgs[1].Content, `"kind":"invalid_input"`)

	// A new conversation gets a fresh tracker and is served from the cache.
	model2 := &scriptedModel{steps: []step{callTool("web_fetch", map[string]any{"url": url}), answer("again")}}
	res2 := New(Deps{Model: model2, Tools: reg, Engine: config.EngineConfig{MaxTurns: 5}, Context: testContextConfig()}).
		Run(context.Background(), "", "once more")
	require.Equal(t, StateDone, res2.State)
	assert.Contains(t, res2.Messages[2].Content, "Happens-before explained.")
	assert.EqualValues(t, 1, hits.Load())
}

func TestRun_SameURLTwiceInOneTurn(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Escape analysis</title></head><body><p>Values that outlive the frame move to the heap.</p></body></html>`)
	}))
	defer ts.Close()

	reg := tools.NewRegistry()
	_, err := research.RegisterAll(reg, research.Deps{Fetcher: fetch.New(5 * time.Second)})
	require.NoError(t, err)

	url := ts.URL + "/escape"
	twoCalls := func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Message: types.AssistantMessage("",
			types.ToolCall{ID: "call_1", Name: "web_fetch", Arguments: map[string]any{"url": url}},
			types.ToolCall{ID: "call_2", Name: "web_fetch", Arguments: map[string]any{"url": url}},
		)}, nil
	}
	model := &scriptedModel{steps: []step{twoCalls, answer("Heap.")}}
	res := newEngine(model, reg, 5).Run(context.Background(), "", "what is escape analysis?")

	require.Equal(t, StateDone, res.State)
	assert.EqualValues(t, 1, hits.Load())
	require.Len(t, res.Messages, 6)
	assert.Equal(t, "call_1", res.Messages[3].ToolCallID)
	assert.Contains(t, res.Messages[3].Content, "move to the heap")
	assert.Equal(t, "call_2", res.Messages[4].ToolCallID)
	assert.Contains(t, res.Messages[4].Content, "already read")
}
