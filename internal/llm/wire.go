package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"ragent/internal/types"
)

// OpenAI-compatible chat completion wire types.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func toWireMessages(msgs []types.Message) ([]chatMessage, error) {
	out := make([]chatMessage, len(msgs))
	for i, m := range msgs {
		content := m.Content
		wm := chatMessage{Role: string(m.Role), Content: &content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			args := tc.Arguments
			if args == nil {
				args = map[string]any{}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("marshal arguments of %s: %w", tc.Name, err)
			}
			// Arguments travel as a JSON string.
			encoded, _ := json.Marshal(string(raw))
			call := chatToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = encoded
			wm.ToolCalls = append(wm.ToolCalls, call)
		}
		if m.Role == types.RoleAssistant && len(wm.ToolCalls) > 0 && content == "" {
			wm.Content = nil
		}
		out[i] = wm
	}
	return out, nil
}

func toWireTools(defs []types.ToolDefinition) []chatTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]chatTool, len(defs))
	for i, d := range defs {
		out[i] = chatTool{Type: "function", Function: chatFunction{
			Name: d.Name, Description: d.Description, Parameters: d.Parameters,
		}}
	}
	return out
}

// fromWireToolCalls decodes native tool calls. Arguments may arrive as a JSON
// string or, from some backends, as an object.
func fromWireToolCalls(calls []chatToolCall) ([]types.ToolCall, error) {
	var out []types.ToolCall
	for _, c := range calls {
		if c.Type != "" && c.Type != "function" {
			continue
		}
		if c.Function.Name == "" {
			return nil, types.NewProtocolError("llm.chat", "tool call without a function name")
		}
		args, err := decodeArguments(c.Function.Arguments)
		if err != nil {
			return nil, types.NewProtocolError("llm.chat", "arguments of %s: %v", c.Function.Name, err)
		}
		id := c.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out = append(out, types.ToolCall{ID: id, Name: c.Function.Name, Arguments: args})
	}
	return out, nil
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace([]byte(s))) == 0 {
			return map[string]any{}, nil
		}
		raw = []byte(s)
	}
	args := map[string]any{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}
