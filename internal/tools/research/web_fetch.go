package research

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"ragent/internal/logging"
	"ragent/internal/store"
	"ragent/internal/tools"
	"ragent/internal/types"
)

func (k *Toolkit) webFetchTool() *tools.Tool {
	return &tools.Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its content as markdown. Each URL can be read once per conversation.",
		Category:    tools.CategoryResearch,
		Timeout:     fetchToolTimeout,
		Execute:     k.executeWebFetch,
		Schema: tools.ToolSchema{
			Required: []string{"url"},
			Properties: map[string]tools.Property{
				"url": {
					Type:        "string",
					Description: "The URL to fetch",
				},
				"max_chars": {
					Type:        "integer",
					Description: "Maximum content length in characters",
					Default:     k.maxChars(),
				},
			},
		},
	}
}

func (k *Toolkit) fetchURLsTool() *tools.Tool {
	return &tools.Tool{
		Name:        "fetch_urls",
		Description: "Fetch several web pages at once. Failures are reported per URL.",
		Category:    tools.CategoryResearch,
		Timeout:     fetchURLsToolTimeout,
		Execute:     k.executeFetchURLs,
		Schema: tools.ToolSchema{
			Required: []string{"urls"},
			Properties: map[string]tools.Property{
				"urls": {
					Type:        "array",
					Description: fmt.Sprintf("URLs to fetch (at most %d)", maxFetchURLs),
					Items:       &tools.PropertyItems{Type: "string"},
				},
				"max_chars": {
					Type:        "integer",
					Description: "Maximum content length per page in characters",
					Default:     k.maxChars(),
				},
			},
		},
	}
}

func (k *Toolkit) maxChars() int {
	if k.deps.Config.FetchMaxChars > 0 {
		return k.deps.Config.FetchMaxChars
	}
	return 20000
}

func (k *Toolkit) executeWebFetch(ctx context.Context, args map[string]any) tools.Result {
	rawURL := types.ArgString(args, "url")
	if rawURL == "" {
		return tools.Failf("web_fetch", "url is required")
	}
	out, err := k.fetchOne(ctx, rawURL, types.ArgInt(args, "max_chars", k.maxChars()))
	if err != nil {
		return tools.Fail(err)
	}
	return tools.OK(out)
}

func (k *Toolkit) executeFetchURLs(ctx context.Context, args map[string]any) tools.Result {
	urls := types.ExtractStrings(args["urls"])
	if len(urls) == 0 {
		return tools.Failf("fetch_urls", "urls must list at least one URL")
	}
	if len(urls) > maxFetchURLs {
		return tools.Failf("fetch_urls", "at most %d URLs per call, got %d", maxFetchURLs, len(urls))
	}
	maxChars := types.ArgInt(args, "max_chars", k.maxChars())

	outputs := make([]string, len(urls))
	errs := make([]error, len(urls))

	// Workers never return an error, so one failure does not cancel the rest.
	var g errgroup.Group
	g.SetLimit(k.deps.Config.FetchPoolSize)
	for i, u := range urls {
		g.Go(func() error {
			outputs[i], errs[i] = k.fetchOne(ctx, u, maxChars)
			return nil
		})
	}
	_ = g.Wait()

	var b strings.Builder
	failed := 0
	for i, u := range urls {
		fmt.Fprintf(&b, "## [%d] %s\n\n", i+1, u)
		if errs[i] != nil {
			failed++
			fmt.Fprintf(&b, "error: %v\n\n", errs[i])
			continue
		}
		b.WriteString(outputs[i])
		b.WriteString("\n\n")
	}
	logging.ToolsDebug("fetch_urls: %d urls, %d failed", len(urls), failed)
	return tools.OK(strings.TrimRight(b.String(), "\n"))
}

// fetchOne reads rawURL through the cache, fetching it on a miss. A URL
// already read in this conversation is refused without touching the network.
func (k *Toolkit) fetchOne(ctx context.Context, rawURL string, maxChars int) (string, error) {
	key, err := store.NormalizeURL(store.WithScheme(rawURL))
	if err != nil {
		return "", types.NewInvalidInput("web_fetch", "%v", err)
	}

	reads := k.tracker(ctx)
	if !reads.claim(key) {
		return "", types.NewInvalidInput("web_fetch",
			"already read %s in this conversation; use the content from the earlier result", key)
	}

	if k.deps.Store != nil {
		entry, err := k.deps.Store.GetEntry(ctx, key)
		if err != nil {
			logging.ToolsWarn("web_fetch: cache lookup for %s failed: %v", key, err)
		}
		if entry != nil {
			logging.ToolsDebug("web_fetch: cache hit %s", key)
			return formatPage(entry.Title, key, entry.Content, maxChars), nil
		}
	}
	if store.IsLocal(key) {
		reads.release(key)
		return "", types.NewInvalidInput("web_fetch", "%s is not in the local corpus", key)
	}

	page, err := k.deps.Fetcher.Fetch(ctx, key)
	if err != nil {
		reads.release(key)
		return "", err
	}

	if k.deps.Store != nil {
		summarize := k.deps.Config.SummarizeOverChars > 0 && len(page.Content) > k.deps.Config.SummarizeOverChars
		if _, err := k.deps.Store.Cache(ctx, key, page.Content, page.Title, page.Links, summarize); err != nil {
			logging.ToolsWarn("web_fetch: caching %s failed: %v", key, err)
		}
	}
	return formatPage(page.Title, key, page.Content, maxChars), nil
}

func formatPage(title, url, content string, maxChars int) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n", title)
	}
	fmt.Fprintf(&b, "Source: %s\n\n", url)

	runes := []rune(content)
	if maxChars > 0 && len(runes) > maxChars {
		b.WriteString(string(runes[:maxChars]))
		fmt.Fprintf(&b, "\n\n[truncated: showing %d of %d characters]", maxChars, len(runes))
	} else {
		b.WriteString(content)
	}
	return b.String()
}
