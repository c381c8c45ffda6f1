package engine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"ragent/internal/config"
	"ragent/internal/logging"
	"ragent/internal/store"
	"ragent/internal/types"
)

// summaryPrefix marks a tool result that was replaced by a cached summary.
const summaryPrefix = "[summary of "

// SummaryLookup returns the stored summary of a fetched URL.
type SummaryLookup interface {
	CachedSummary(ctx context.Context, url string) (string, bool)
}

// CompactionReport describes one compaction pass.
type CompactionReport struct {
	BeforeTokens int
	AfterTokens  int
	Summarized   int // tool results replaced by summaries
	Dropped      int // messages removed from the middle
}

// Changed reports whether the pass modified the history.
func (r CompactionReport) Changed() bool { return r.Summarized > 0 || r.Dropped > 0 }

// Compactor keeps a conversation under the configured context threshold.
type Compactor struct {
	cfg       config.ContextConfig
	summaries SummaryLookup
}

// NewCompactor creates a compactor. summaries may be nil.
func NewCompactor(cfg config.ContextConfig, summaries SummaryLookup) *Compactor {
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = 4.0
	}
	if cfg.ThresholdFraction <= 0 || cfg.ThresholdFraction > 1 {
		cfg.ThresholdFraction = 0.8
	}
	return &Compactor{cfg: cfg, summaries: summaries}
}

// EstimateTokens approximates the token count of msgs from their characters.
func (c *Compactor) EstimateTokens(msgs []types.Message) int {
	return int(math.Ceil(float64(types.CharCount(msgs)) / c.cfg.CharsPerToken))
}

// limitTokens is threshold × context size.
func (c *Compactor) limitTokens() float64 {
	return c.cfg.ThresholdFraction * float64(c.cfg.ContextSize)
}

// OverThreshold reports whether msgs exceed threshold × context size.
func (c *Compactor) OverThreshold(msgs []types.Message) bool {
	if c.cfg.ContextSize <= 0 {
		return false
	}
	return float64(types.CharCount(msgs))/c.cfg.CharsPerToken > c.limitTokens()
}

// Compact shrinks msgs when they are over the threshold, or unconditionally
// when force is set. It first swaps oversized tool results for cached
// summaries, then drops messages between the system prompt and the most
// recent tail. The input slice is never modified. Compacting an already
// compacted history returns it unchanged.
func (c *Compactor) Compact(ctx context.Context, msgs []types.Message, force bool) ([]types.Message, CompactionReport) {
	report := CompactionReport{BeforeTokens: c.EstimateTokens(msgs)}
	if !force && !c.OverThreshold(msgs) {
		report.AfterTokens = report.BeforeTokens
		return msgs, report
	}

	out, summarized := c.summarizeToolResults(ctx, msgs)
	report.Summarized = summarized

	if force || c.OverThreshold(out) {
		var dropped int
		out, dropped = c.dropMiddle(out)
		report.Dropped = dropped
	}

	report.AfterTokens = c.EstimateTokens(out)
	if report.Changed() {
		logging.Engine("compacted history: %d -> %d tokens (summarized=%d dropped=%d)",
			report.BeforeTokens, report.AfterTokens, report.Summarized, report.Dropped)
	}
	return out, report
}

// summarizeToolResults replaces large tool results with the cached summary
// of the URL their call fetched. The message count is unchanged.
func (c *Compactor) summarizeToolResults(ctx context.Context, msgs []types.Message) ([]types.Message, int) {
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	if c.summaries == nil || c.cfg.ToolResultMaxChars <= 0 {
		return out, 0
	}

	calls := make(map[string]types.ToolCall)
	for _, m := range msgs {
		for _, call := range m.ToolCalls {
			calls[call.ID] = call
		}
	}

	replaced := 0
	for i, m := range out {
		if m.Role != types.RoleTool || strings.HasPrefix(m.Content, summaryPrefix) {
			continue
		}
		if len([]rune(m.Content)) <= c.cfg.ToolResultMaxChars {
			continue
		}
		call, ok := calls[m.ToolCallID]
		if !ok {
			continue
		}
		var parts []string
		for _, u := range callURLs(call) {
			if summary, ok := c.summaries.CachedSummary(ctx, u); ok {
				parts = append(parts, fmt.Sprintf("%s%s]\n%s", summaryPrefix, u, summary))
			}
		}
		if len(parts) == 0 {
			continue
		}
		out[i].Content = strings.Join(parts, "\n\n")
		replaced++
	}
	return out, replaced
}

// callURLs returns the URLs a fetch-style tool call named.
func callURLs(call types.ToolCall) []string {
	var urls []string
	if u := types.ArgString(call.Arguments, "url"); u != "" {
		urls = append(urls, store.WithScheme(u))
	}
	for _, u := range types.ExtractStrings(call.Arguments["urls"]) {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, store.WithScheme(u))
		}
	}
	return urls
}

// dropMiddle keeps the leading system message and the newest suffix that
// fits in half the threshold, always at least the newest message. Tool
// results cut off from their assistant call are kept as user messages.
func (c *Compactor) dropMiddle(msgs []types.Message) ([]types.Message, int) {
	if len(msgs) == 0 {
		return msgs, 0
	}
	var head []types.Message
	body := msgs
	if msgs[0].Role == types.RoleSystem {
		head, body = msgs[:1], msgs[1:]
	}
	if len(body) == 0 {
		return msgs, 0
	}

	budget := int(c.limitTokens()*c.cfg.CharsPerToken)/2 - types.CharCount(head)
	start := len(body) - 1
	used := types.CharCount(body[start:])
	for start > 0 {
		next := types.CharCount(body[start-1 : start])
		if used+next > budget {
			break
		}
		used += next
		start--
	}

	out := make([]types.Message, 0, len(head)+len(body)-start)
	out = append(out, head...)
	out = append(out, body[start:]...)

	for i := len(head); i < len(out) && out[i].Role == types.RoleTool; i++ {
		out[i].Role = types.RoleUser
		out[i].ToolCallID = ""
		out[i].Name = ""
	}
	return out, start
}
