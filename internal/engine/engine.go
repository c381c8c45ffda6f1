// Package engine runs the tool-calling conversation loop.
//
// A conversation alternates between asking the model for the next assistant
// message and executing the tool calls it requests, until the model answers
// without calls or the loop halts. Before every model call the history is
// compacted when it approaches the context window.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"ragent/internal/config"
	"ragent/internal/llm"
	"ragent/internal/logging"
	"ragent/internal/tools"
	"ragent/internal/tools/research"
	"ragent/internal/types"
)

// State is where the conversation loop stands.
type State string

const (
	StateAwaitingModel  State = "AWAITING_MODEL"
	StateExecutingTools State = "EXECUTING_TOOLS"
	StateDone           State = "DONE"
	StateHalted         State = "HALTED"
)

// HaltReason explains a HALTED result.
type HaltReason string

const (
	HaltMaxTurns        HaltReason = "max_turns"
	HaltTransport       HaltReason = "transport_error"
	HaltProtocol        HaltReason = "protocol_error"
	HaltContextOverflow HaltReason = "context_overflow"
	HaltCancelled       HaltReason = "cancelled"
)

// ChatModel is the chat-completion backend.
type ChatModel interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ToolExecutor advertises and runs tools. *tools.Registry implements it.
type ToolExecutor interface {
	Definitions() []types.ToolDefinition
	Execute(ctx context.Context, call types.ToolCall) tools.Result
}

// Deps are the collaborators of an Engine. Tools and Summaries may be nil.
type Deps struct {
	Model     ChatModel
	Tools     ToolExecutor
	Summaries SummaryLookup
	Engine    config.EngineConfig
	Context   config.ContextConfig
}

// Result is the outcome of one conversation run.
type Result struct {
	ConversationID string
	State          State
	Reason         HaltReason // set when State is StateHalted
	Answer         string
	Messages       []types.Message
	Turns          int
	ToolCalls      int
	Compactions    int
	Usage          types.Usage
	Err            error
}

// Engine drives conversations. It holds no per-conversation state and may be
// shared by concurrent runs.
type Engine struct {
	model     ChatModel
	tools     ToolExecutor
	compactor *Compactor
	maxTurns  int
	system    string
}

// New creates an engine.
func New(deps Deps) *Engine {
	maxTurns := deps.Engine.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 12
	}
	return &Engine{
		model:     deps.Model,
		tools:     deps.Tools,
		compactor: NewCompactor(deps.Context, deps.Summaries),
		maxTurns:  maxTurns,
		system:    deps.Engine.SystemPrompt,
	}
}

// Compactor returns the engine's compactor.
func (e *Engine) Compactor() *Compactor { return e.compactor }

// InitialMessages builds the opening history: the system prompt, the
// preloaded context when there is any, and the question.
func (e *Engine) InitialMessages(preloadContext, question string) []types.Message {
	var msgs []types.Message
	if e.system != "" {
		msgs = append(msgs, types.SystemMessage(e.system))
	}
	if preloadContext != "" {
		msgs = append(msgs, types.UserMessage(preloadContext))
	}
	return append(msgs, types.UserMessage(question))
}

// Run starts a new conversation about question.
func (e *Engine) Run(ctx context.Context, preloadContext, question string) Result {
	return e.Continue(ctx, e.InitialMessages(preloadContext, question))
}

// Continue resumes a conversation from msgs. A stop signal on ctx is honored
// between turns; a tool that has started runs to completion under its own
// timeout.
func (e *Engine) Continue(ctx context.Context, msgs []types.Message) Result {
	if research.ReadTrackerFrom(ctx) == nil {
		ctx = research.WithReadTracker(ctx, research.NewReadTracker())
	}

	res := Result{ConversationID: ulid.Make().String()}
	history := append([]types.Message(nil), msgs...)
	timer := logging.StartTimer(logging.CategoryEngine, "conversation")
	defer timer.Stop()

	halt := func(reason HaltReason, err error) Result {
		res.State = StateHalted
		res.Reason = reason
		res.Err = err
		res.Messages = history
		logging.EngineWarn("conversation %s halted after %d turns: %s (%v)", res.ConversationID, res.Turns, reason, err)
		return res
	}

	var defs []types.ToolDefinition
	if e.tools != nil {
		defs = e.tools.Definitions()
	}

	for {
		if err := ctx.Err(); err != nil {
			return halt(HaltCancelled, err)
		}
		if res.Turns >= e.maxTurns {
			return halt(HaltMaxTurns, fmt.Errorf("reached %d turns without a final answer", e.maxTurns))
		}

		res.State = StateAwaitingModel
		var report CompactionReport
		history, report = e.compactor.Compact(ctx, history, false)
		if report.Changed() {
			res.Compactions++
		}

		resp, err := e.model.Chat(ctx, llm.Request{Messages: history, Tools: defs, Operation: "chat"})
		if types.IsKind(err, types.KindContextOverflow) {
			logging.EngineWarn("context overflow at turn %d, forcing compaction", res.Turns+1)
			history, report = e.compactor.Compact(ctx, history, true)
			if report.Changed() {
				res.Compactions++
			}
			resp, err = e.model.Chat(ctx, llm.Request{Messages: history, Tools: defs, Operation: "chat"})
		}
		if err != nil {
			return halt(haltReasonFor(ctx, err), err)
		}

		res.Turns++
		addUsage(&res.Usage, resp.Usage)

		msg := resp.Message
		msg.Role = types.RoleAssistant
		if len(msg.ToolCalls) == 0 {
			if calls, rest := ParseToolCalls(msg.Content); len(calls) > 0 {
				logging.EngineDebug("parsed %d textual tool calls", len(calls))
				msg.ToolCalls = calls
				msg.Content = rest
			}
		}
		history = append(history, msg)

		if len(msg.ToolCalls) == 0 {
			res.State = StateDone
			res.Answer = msg.Content
			res.Messages = history
			logging.Engine("conversation %s done: turns=%d tool_calls=%d compactions=%d",
				res.ConversationID, res.Turns, res.ToolCalls, res.Compactions)
			return res
		}

		res.State = StateExecutingTools
		history = append(history, e.executeCalls(ctx, msg.ToolCalls)...)
		res.ToolCalls += len(msg.ToolCalls)
	}
}

// executeCalls runs calls one after another. Tools are detached from the
// caller's cancellation and bounded by their own timeouts.
func (e *Engine) executeCalls(ctx context.Context, calls []types.ToolCall) []types.Message {
	toolCtx := context.WithoutCancel(ctx)
	out := make([]types.Message, 0, len(calls))
	for _, call := range calls {
		var result tools.Result
		if e.tools == nil {
			result = tools.Fail(types.NewInvalidInput("engine.execute", "tool not found: %s", call.Name))
		} else {
			result = e.tools.Execute(toolCtx, call)
		}
		if !result.OK {
			logging.ToolsWarn("tool %s failed: %v", call.Name, result.Err)
		}
		out = append(out, types.ToolResultMessage(call, result.Payload()))
	}
	return out
}

func haltReasonFor(ctx context.Context, err error) HaltReason {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return HaltCancelled
	case types.IsKind(err, types.KindContextOverflow):
		return HaltContextOverflow
	case types.IsKind(err, types.KindProtocol):
		return HaltProtocol
	default:
		return HaltTransport
	}
}

func addUsage(total *types.Usage, u types.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}
