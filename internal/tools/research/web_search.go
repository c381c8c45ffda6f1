package research

import (
	"context"
	"fmt"
	"strings"

	"ragent/internal/tools"
	"ragent/internal/types"
)

func (k *Toolkit) webSearchTool() *tools.Tool {
	return &tools.Tool{
		Name:        "web_search",
		Description: "Search the web. Returns titles, URLs and snippets; use web_fetch to read a result.",
		Category:    tools.CategoryResearch,
		Timeout:     searchToolTimeout,
		Execute:     k.executeWebSearch,
		Schema: tools.ToolSchema{
			Required: []string{"query"},
			Properties: map[string]tools.Property{
				"query": {
					Type:        "string",
					Description: "The search query",
				},
				"count": {
					Type:        "integer",
					Description: "Number of results",
					Default:     8,
				},
			},
		},
	}
}

func (k *Toolkit) executeWebSearch(ctx context.Context, args map[string]any) tools.Result {
	query := types.ArgString(args, "query")
	if query == "" {
		return tools.Failf("web_search", "query is required")
	}

	results, err := k.deps.Search.Search(ctx, query, types.ArgInt(args, "count", 0))
	if err != nil {
		return tools.Fail(err)
	}
	if len(results) == 0 {
		return tools.OK(fmt.Sprintf("No results for %q.", query))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return tools.OK(strings.TrimRight(b.String(), "\n"))
}
