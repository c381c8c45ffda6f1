package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragent/internal/config"
	"ragent/internal/types"
)

type summaryMap map[string]string

func (m summaryMap) CachedSummary(_ context.Context, url string) (string, bool) {
	s, ok := m[url]
	return s, ok
}

func fetchCall(id, url string) types.ToolCall {
	return types.ToolCall{ID: id, Name: "web_fetch", Arguments: map[string]any{"url": url}}
}

// overflowingHistory ends with two tool results of which only the newest
// fits in the keep budget of a 1000-token window.
func overflowingHistory() []types.Message {
	a := fetchCall("call_a", "https://a.example")
	b := fetchCall("call_b", "https://b.example")
	return []types.Message{
		types.SystemMessage("system prompt"),
		types.UserMessage("question"),
		types.AssistantMessage("", a, b),
		types.ToolResultMessage(a, strings.Repeat("a", 1640)),
		types.ToolResultMessage(b, strings.Repeat("b", 1500)),
	}
}

func smallWindow() config.ContextConfig {
	return config.ContextConfig{ContextSize: 1000, ThresholdFraction: 0.8, CharsPerToken: 4, ToolResultMaxChars: 6000}
}

func TestEstimateTokens(t *testing.T) {
	c := NewCompactor(config.ContextConfig{CharsPerToken: 4}, nil)
	assert.Equal(t, 0, c.EstimateTokens(nil))
	assert.Equal(t, 3, c.EstimateTokens([]types.Message{types.UserMessage("123456789")}))
}

func TestCompact_UnderThresholdIsNoop(t *testing.T) {
	c := NewCompactor(testContextConfig(), nil)
	msgs := []types.Message{types.SystemMessage("sys"), types.UserMessage("hello")}
	out, report := c.Compact(context.Background(), msgs, false)
	assert.False(t, report.Changed())
	assert.Empty(t, cmp.Diff(msgs, out))
}

func TestCompact_SmartReplacesLargeToolResults(t *testing.T) {
	cfg := config.ContextConfig{ContextSize: 2000, ThresholdFraction: 0.8, CharsPerToken: 4, ToolResultMaxChars: 6000}
	summaries := summaryMap{"https://big.example": "A short summary."}
	call := fetchCall("call_1", "https://big.example")
	msgs := []types.Message{
		types.SystemMessage("sys"),
		types.UserMessage("q"),
		types.AssistantMessage("", call),
		types.ToolResultMessage(call, strings.Repeat("x", 7000)),
	}
	c := NewCompactor(cfg, summaries)
	require.True(t, c.OverThreshold(msgs))

	out, report := c.Compact(context.Background(), msgs, false)
	assert.Equal(t, 1, report.Summarized)
	assert.Equal(t, 0, report.Dropped)
	require.Len(t, out, len(msgs))
	assert.Equal(t, "[summary of https://big.example]\nA short summary.", out[3].Content)
	assert.Equal(t, types.RoleTool, out[3].Role)
	assert.Equal(t, "call_1", out[3].ToolCallID)
	assert.Len(t, msgs[3].Content, 7000, "input must not be modified")
}

func TestCompact_SmartHandlesURLLists(t *testing.T) {
	cfg := config.ContextConfig{ContextSize: 1000, ThresholdFraction: 0.8, CharsPerToken: 4, ToolResultMaxChars: 100}
	summaries := summaryMap{"https://one.example": "one", "https://two.example": "two"}
	call := types.ToolCall{ID: "c", Name: "fetch_urls", Arguments: map[string]any{
		"urls": []any{"https://one.example", "https://two.example", "https://three.example"},
	}}
	msgs := []types.Message{
		types.SystemMessage("sys"),
		types.AssistantMessage("", call),
		types.ToolResultMessage(call, strings.Repeat("y", 4000)),
	}
	out, report := NewCompactor(cfg, summaries).Compact(context.Background(), msgs, false)
	assert.Equal(t, 1, report.Summarized)
	assert.Equal(t, "[summary of https://one.example]\none\n\n[summary of https://two.example]\ntwo", out[2].Content)
}

func TestCompact_SmartResolvesBareHosts(t *testing.T) {
	cfg := config.ContextConfig{ContextSize: 1000, ThresholdFraction: 0.8, CharsPerToken: 4, ToolResultMaxChars: 100}
	summaries := summaryMap{"https://example.com/a": "page a", "https://example.com/b": "page b"}
	single := fetchCall("call_1", "example.com/a")
	list := types.ToolCall{ID: "call_2", Name: "fetch_urls", Arguments: map[string]any{"urls": []any{" example.com/b "}}}
	msgs := []types.Message{
		types.SystemMessage("sys"),
		types.AssistantMessage("", single, list),
		types.ToolResultMessage(single, strings.Repeat("a", 1700)),
		types.ToolResultMessage(list, strings.Repeat("b", 1700)),
	}
	out, report := NewCompactor(cfg, summaries).Compact(context.Background(), msgs, false)
	assert.Equal(t, 2, report.Summarized)
	assert.Equal(t, 0, report.Dropped)
	require.Len(t, out, 4)
	assert.Equal(t, "[summary of https://example.com/a]\npage a", out[2].Content)
	assert.Equal(t, "[summary of https://example.com/b]\npage b", out[3].Content)
}

func TestCompact_SmartSkipsWithoutSummary(t *testing.T) {
	cfg := config.ContextConfig{ContextSize: 2000, ThresholdFraction: 0.8, CharsPerToken: 4, ToolResultMaxChars: 6000}
	call := fetchCall("call_1", "https://nosummary.example")
	msgs := []types.Message{
		types.SystemMessage("sys"),
		types.AssistantMessage("", call),
		types.ToolResultMessage(call, strings.Repeat("x", 7000)),
	}
	out, report := NewCompactor(cfg, summaryMap{}).Compact(context.Background(), msgs, false)
	assert.Equal(t, 0, report.Summarized)
	assert.Equal(t, 1, report.Dropped)
	require.Len(t, out, 2)
	assert.Equal(t, types.RoleSystem, out[0].Role)
	assert.Len(t, out[1].Content, 7000, "newest message is always kept")
}

func TestCompact_DropMiddleKeepsSystemAndRecentTail(t *testing.T) {
	c := NewCompactor(smallWindow(), nil)
	msgs := overflowingHistory()
	require.True(t, c.OverThreshold(msgs))

	out, report := c.Compact(context.Background(), msgs, false)
	assert.Equal(t, 3, report.Dropped)
	require.Len(t, out, 2)
	assert.Equal(t, msgs[0], out[0])
	assert.Equal(t, types.RoleUser, out[1].Role, "orphaned tool result becomes a user message")
	assert.Empty(t, out[1].ToolCallID)
	assert.Equal(t, msgs[4].Content, out[1].Content)
	assert.Less(t, report.AfterTokens, report.BeforeTokens)
	assert.False(t, c.OverThreshold(out))
}

func TestCompact_Idempotent(t *testing.T) {
	ctx := context.Background()
	histories := map[string][]types.Message{
		"drop middle": overflowingHistory(),
		"huge newest": {types.SystemMessage("sys"), types.UserMessage("old"), types.UserMessage(strings.Repeat("z", 9000))},
	}
	for name, msgs := range histories {
		for _, force := range []bool{false, true} {
			c := NewCompactor(smallWindow(), summaryMap{"https://a.example": "sum a"})
			once, _ := c.Compact(ctx, msgs, force)
			twice, _ := c.Compact(ctx, once, force)
			assert.Empty(t, cmp.Diff(once, twice), "%s force=%v", name, force)
			require.NotEmpty(t, twice)
			assert.Equal(t, types.RoleSystem, twice[0].Role, "%s force=%v", name, force)
		}
	}
}

func TestCompact_ForcedWithoutSystemMessage(t *testing.T) {
	c := NewCompactor(smallWindow(), nil)
	msgs := []types.Message{
		types.UserMessage(strings.Repeat("a", 1500)),
		types.AssistantMessage(strings.Repeat("b", 1500)),
		types.UserMessage("latest"),
	}
	out, report := c.Compact(context.Background(), msgs, true)
	assert.Equal(t, 1, report.Dropped)
	require.Len(t, out, 2)
	assert.Equal(t, "latest", out[1].Content)
}
