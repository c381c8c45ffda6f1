package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"ragent/internal/logging"
	"ragent/internal/types"
	"ragent/internal/usage"
)

// Registry holds the available tools in registration order.
// It is thread-safe and supports registration at runtime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string

	tracker *usage.Tracker
	model   string
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// SetUsage makes the registry count invocations per tool under model.
func (r *Registry) SetUsage(tracker *usage.Tracker, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracker = tracker
	r.model = model
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name already exists.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)

	logging.ToolsDebug("Registered tool: %s (category=%s)", tool.Name, tool.Category)
	return nil
}

// MustRegister registers a tool and panics on error.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// RegisterCapability registers every tool of c, stopping at the first error.
func (r *Registry) RegisterCapability(c Capability) error {
	for _, t := range c.Tools() {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("capability %s: %w", c.Name(), err)
		}
	}
	logging.Tools("Registered capability %s", c.Name())
	return nil
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has returns true if a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the schema of every tool in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Execute runs one tool call. It never returns a Go error: unknown tools,
// missing arguments, executor failures and panics all become failed Results.
func (r *Registry) Execute(ctx context.Context, call types.ToolCall) Result {
	tool := r.Get(call.Name)
	if tool == nil {
		return Fail(types.WrapInvalidInput("tools.execute", fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)))
	}

	r.mu.RLock()
	tracker, model := r.tracker, r.model
	r.mu.RUnlock()
	tracker.TrackTool(model, tool.Name)

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(tool, args); err != nil {
		return Fail(types.WrapInvalidInput("tools."+tool.Name, err))
	}

	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tool.Timeout)
		defer cancel()
	}

	start := time.Now()
	logging.ToolsDebug("Executing tool: %s", tool.Name)
	result := runGuarded(ctx, tool, args)

	duration := time.Since(start)
	if result.OK {
		logging.ToolsDebug("Tool %s completed in %v (%d chars)", tool.Name, duration, len(result.Output))
	} else {
		logging.ToolsWarn("Tool %s failed after %v: %v", tool.Name, duration, result.Err)
	}
	return result
}

func runGuarded(ctx context.Context, tool *Tool, args map[string]any) (result Result) {
	defer func() {
		if p := recover(); p != nil {
			logging.ToolsError("Tool %s panicked: %v\n%s", tool.Name, p, debug.Stack())
			result = Fail(types.NewToolExecutionError(tool.Name, fmt.Errorf("%w: %v", ErrToolPanicked, p)))
		}
	}()
	result = tool.Execute(ctx, args)
	if !result.OK && result.Err == nil {
		result = Fail(types.NewToolExecutionError(tool.Name, fmt.Errorf("failed without an error")))
	}
	return result
}

// validateArgs checks that all required arguments are present and non-null.
func validateArgs(tool *Tool, args map[string]any) error {
	for _, required := range tool.Schema.Required {
		if v, ok := args[required]; !ok || v == nil {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}
	return nil
}
