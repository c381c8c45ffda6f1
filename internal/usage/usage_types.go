package usage

import "time"

// UsageData represents the root structure stored in persistence.
type UsageData struct {
	Version   string          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds counters broken down by model alias and operation.
type AggregatedStats struct {
	Total       TokenCounts            `json:"total"`
	ByModel     map[string]ModelUsage  `json:"by_model"`
	ByOperation map[string]TokenCounts `json:"by_operation"` // chat, embedding, expansion, summary
}

// ModelUsage is the per-model-alias counter set.
type ModelUsage struct {
	InputTokens          int64            `json:"input_tokens"`
	OutputTokens         int64            `json:"output_tokens"`
	Calls                int64            `json:"calls"`
	ToolInvocationCounts map[string]int64 `json:"tool_invocation_counts,omitempty"`
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}

func (m ModelUsage) clone() ModelUsage {
	if m.ToolInvocationCounts != nil {
		counts := make(map[string]int64, len(m.ToolInvocationCounts))
		for k, v := range m.ToolInvocationCounts {
			counts[k] = v
		}
		m.ToolInvocationCounts = counts
	}
	return m
}
