// Package usage tracks token and tool usage per model alias.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type contextKey struct{}

// Tracker manages token usage recording and persistence. It is safe for
// concurrent use.
type Tracker struct {
	mu       sync.Mutex
	data     UsageData
	filePath string
}

// NewTracker creates a tracker persisted at filePath. An empty path keeps the
// counters in memory only.
func NewTracker(filePath string) (*Tracker, error) {
	t := &Tracker{
		filePath: filePath,
		data: UsageData{
			Version: "1.0",
			Aggregate: AggregatedStats{
				ByModel:     make(map[string]ModelUsage),
				ByOperation: make(map[string]TokenCounts),
			},
		},
	}
	if filePath == "" {
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}
	if err := t.Load(); err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}
	return t, nil
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]ModelUsage)
	}
	if t.data.Aggregate.ByOperation == nil {
		t.data.Aggregate.ByOperation = make(map[string]TokenCounts)
	}
	return nil
}

// Save writes the usage data to disk. No-op for in-memory trackers.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filePath == "" {
		return nil
	}
	t.data.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Track records token usage for one backend call.
func (t *Tracker) Track(model string, input, output int, operation string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.Total.Add(input, output)

	m := t.data.Aggregate.ByModel[model]
	m.InputTokens += int64(input)
	m.OutputTokens += int64(output)
	m.Calls++
	t.data.Aggregate.ByModel[model] = m

	op := t.data.Aggregate.ByOperation[operation]
	op.Add(input, output)
	t.data.Aggregate.ByOperation[operation] = op
}

// TrackTool records one invocation of tool during a conversation with model.
func (t *Tracker) TrackTool(model, tool string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.data.Aggregate.ByModel[model]
	if m.ToolInvocationCounts == nil {
		m.ToolInvocationCounts = make(map[string]int64)
	}
	m.ToolInvocationCounts[tool]++
	t.data.Aggregate.ByModel[model] = m
}

// Stats returns a deep copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := AggregatedStats{
		Total:       t.data.Aggregate.Total,
		ByModel:     make(map[string]ModelUsage, len(t.data.Aggregate.ByModel)),
		ByOperation: make(map[string]TokenCounts, len(t.data.Aggregate.ByOperation)),
	}
	for k, v := range t.data.Aggregate.ByModel {
		stats.ByModel[k] = v.clone()
	}
	for k, v := range t.data.Aggregate.ByOperation {
		stats.ByOperation[k] = v
	}
	return stats
}

// Model returns a copy of the counters for one model alias.
func (t *Tracker) Model(model string) ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data.Aggregate.ByModel[model].clone()
}

// Context Helpers

// NewContext returns a new context carrying the tracker.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext retrieves the tracker from the context.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(contextKey{}).(*Tracker)
	return t
}
