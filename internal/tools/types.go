// Package tools is the tool registry the conversation engine dispatches
// through. Tools are registered in order, advertised to the model as JSON
// schema definitions and executed one call at a time.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ragent/internal/types"
)

// ToolCategory groups tools for listing.
type ToolCategory string

const (
	// CategoryResearch covers web search, fetching and retrieval.
	CategoryResearch ToolCategory = "/research"

	// CategoryMemory covers user facts.
	CategoryMemory ToolCategory = "/memory"

	// CategoryGeneral is for everything else.
	CategoryGeneral ToolCategory = "/general"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array")
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// ToolSchema defines the JSON schema for tool arguments.
type ToolSchema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc runs a tool. Failures are reported through the Result, not
// by panicking.
type ExecuteFunc func(ctx context.Context, args map[string]any) Result

// Tool is one callable capability.
type Tool struct {
	// Name is the unique identifier the model calls.
	Name string

	// Description is shown to the model.
	Description string

	Category ToolCategory

	Execute ExecuteFunc

	Schema ToolSchema

	// Timeout bounds one execution. Zero means no limit beyond the caller's.
	Timeout time.Duration
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Definition renders the tool as the model sees it. The parameters object
// always carries a required array, even when empty.
func (t *Tool) Definition() types.ToolDefinition {
	props := make(map[string]any, len(t.Schema.Properties))
	for name, p := range t.Schema.Properties {
		props[name] = p
	}
	required := t.Schema.Required
	if required == nil {
		required = []string{}
	}
	return types.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

// Capability is a bundle of tools contributed by one provider.
type Capability interface {
	Name() string
	Tools() []*Tool
}

// Result is the outcome of one tool execution: either output for the model
// or an error that is reported back to it as a payload.
type Result struct {
	OK     bool
	Output string
	Err    error
	Kind   types.ErrorKind
}

// OK returns a successful result.
func OK(output string) Result {
	return Result{OK: true, Output: output}
}

// Fail returns a failed result. The kind is taken from err when it carries
// one, else it is a tool execution failure.
func Fail(err error) Result {
	if err == nil {
		err = errors.New("unknown failure")
	}
	kind := types.KindOf(err)
	if kind == "" {
		kind = types.KindToolExecution
	}
	return Result{Err: err, Kind: kind}
}

// Failf is Fail with an invalid-input error built from a message.
func Failf(op, format string, args ...any) Result {
	return Fail(types.NewInvalidInput(op, format, args...))
}

// Payload is the text placed in the tool message.
func (r Result) Payload() string {
	if r.OK {
		return r.Output
	}
	data, _ := json.Marshal(struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}{Error: r.Err.Error(), Kind: string(r.Kind)})
	return string(data)
}
