package research

import (
	"context"
	"fmt"
	"strings"

	"ragent/internal/logging"
	"ragent/internal/retrieval"
	"ragent/internal/store"
	"ragent/internal/tools"
	"ragent/internal/types"
)

const (
	defaultRelevantResults = 5
	excerptChars           = 800
	excerptOverlap         = 100
	relevantKeyphrases     = 8
)

func (k *Toolkit) relevantContentTool() *tools.Tool {
	return &tools.Tool{
		Name: "get_relevant_content",
		Description: "Rank cached documents against a query and return the best excerpts. " +
			"Searches the given URLs, else the pages read in this conversation, else the local corpus.",
		Category: tools.CategoryResearch,
		Timeout:  relevantToolTimeout,
		Execute:  k.executeRelevantContent,
		Schema: tools.ToolSchema{
			Required: []string{"query"},
			Properties: map[string]tools.Property{
				"query": {
					Type:        "string",
					Description: "What to look for",
				},
				"urls": {
					Type:        "array",
					Description: "Cached URLs to rank",
					Items:       &tools.PropertyItems{Type: "string"},
				},
				"max_results": {
					Type:        "integer",
					Description: "Number of documents to return",
					Default:     defaultRelevantResults,
				},
			},
		},
	}
}

func (k *Toolkit) executeRelevantContent(ctx context.Context, args map[string]any) tools.Result {
	query := types.ArgString(args, "query")
	if query == "" {
		return tools.Failf("get_relevant_content", "query is required")
	}
	maxResults := types.ArgInt(args, "max_results", defaultRelevantResults)
	if maxResults <= 0 {
		maxResults = defaultRelevantResults
	}

	entries, err := k.relevantEntries(ctx, types.ExtractStrings(args["urls"]))
	if err != nil {
		return tools.Fail(err)
	}
	if len(entries) == 0 {
		return tools.OK("No cached content to rank. Fetch pages with web_fetch first.")
	}

	candidates := make([]retrieval.Candidate, len(entries))
	for i, e := range entries {
		source := retrieval.SourceWeb
		if store.IsLocal(e.URL) {
			source = retrieval.SourceCorpus
		}
		candidates[i] = retrieval.Candidate{URL: e.URL, SourceType: source, Title: e.Title, Text: e.Content}
	}

	keyphrases := retrieval.ExtractKeyphrases(query, relevantKeyphrases)
	report := k.deps.Scorer.Score(ctx, candidates, query, keyphrases, nil)
	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}

	var b strings.Builder
	for _, w := range report.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	for _, c := range candidates {
		title := c.Title
		if title == "" {
			title = c.URL
		}
		fmt.Fprintf(&b, "\n[%d] %s\nSource: %s\nScore: %.2f (%s)\n\n%s\n",
			c.Rank, title, c.URL, c.FinalScore, strings.Join(c.WhySelected, "; "), bestExcerpt(c.Text, keyphrases))
	}
	logging.ToolsDebug("get_relevant_content: ranked %d documents for %q", len(entries), query)
	return tools.OK(strings.TrimSpace(b.String()))
}

// relevantEntries resolves the documents to rank: explicit URLs, else the
// conversation's reads, else the local corpus.
func (k *Toolkit) relevantEntries(ctx context.Context, urls []string) ([]store.CacheEntry, error) {
	if len(urls) == 0 {
		urls = k.tracker(ctx).URLs()
	}
	if len(urls) == 0 {
		return k.deps.Store.LocalEntries(ctx)
	}

	var out []store.CacheEntry
	for _, u := range urls {
		entry, err := k.deps.Store.GetEntry(ctx, store.WithScheme(u))
		if err != nil {
			logging.ToolsWarn("get_relevant_content: lookup %s: %v", u, err)
			continue
		}
		if entry != nil {
			out = append(out, *entry)
		}
	}
	return out, nil
}

// bestExcerpt returns the chunk of text that mentions the most keyphrases,
// preferring earlier chunks on ties.
func bestExcerpt(text string, keyphrases []string) string {
	chunks := retrieval.ChunkText(text, excerptChars, excerptOverlap)
	if len(chunks) == 0 {
		return ""
	}
	best, bestHits := 0, -1
	for i, c := range chunks {
		lower := strings.ToLower(c.Text)
		hits := 0
		for _, p := range keyphrases {
			if strings.Contains(lower, p) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	return chunks[best].Text
}
