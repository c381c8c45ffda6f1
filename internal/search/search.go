// Package search queries web search backends: a SearXNG instance, the
// DuckDuckGo HTML endpoint or the Brave Search API.
package search

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"ragent/internal/logging"
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Engine  string `json:"engine"`
}

// Provider runs a query against one backend and returns at most count hits.
type Provider interface {
	Search(ctx context.Context, query string, count int) ([]Result, error)
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Provider          string // searxng, duckduckgo, brave
	BaseURL           string // overrides the provider's default endpoint
	APIKey            string
	Count             int
	SnippetMaxChars   int
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables pacing
}

const (
	defaultCount      = 8
	defaultSnippetMax = 300
	maxCount          = 30
)

// Client wraps a Provider with pacing, count defaults and snippet capping.
type Client struct {
	provider   Provider
	limiter    *rate.Limiter
	count      int
	snippetMax int
}

// New builds the configured provider and wraps it in a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	var p Provider
	switch strings.ToLower(cfg.Provider) {
	case "", "duckduckgo", "ddg":
		p = NewDuckDuckGo(cfg.BaseURL, httpClient)
	case "searxng":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("searxng provider requires base_url")
		}
		p = NewSearXNG(cfg.BaseURL, httpClient)
	case "brave":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("brave provider requires an API key")
		}
		p = NewBrave(cfg.APIKey, cfg.BaseURL, httpClient)
	default:
		return nil, fmt.Errorf("unknown search provider %q", cfg.Provider)
	}
	return NewClient(p, cfg.Count, cfg.SnippetMaxChars, cfg.RequestsPerSecond), nil
}

// NewClient wraps p. rps <= 0 disables pacing.
func NewClient(p Provider, count, snippetMax int, rps float64) *Client {
	if count <= 0 {
		count = defaultCount
	}
	if snippetMax <= 0 {
		snippetMax = defaultSnippetMax
	}
	c := &Client{provider: p, count: count, snippetMax: snippetMax}
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return c
}

// Name returns the underlying provider's name.
func (c *Client) Name() string { return c.provider.Name() }

// Search runs query. count <= 0 uses the configured default.
func (c *Client) Search(ctx context.Context, query string, count int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if count <= 0 {
		count = c.count
	}
	if count > maxCount {
		count = maxCount
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	timer := logging.StartTimer(logging.CategorySearch, "search."+c.provider.Name())
	results, err := c.provider.Search(ctx, query, count)
	timer.Stop()
	if err != nil {
		logging.SearchWarn("Search %q via %s failed: %v", query, c.provider.Name(), err)
		return nil, err
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		r.Title = strings.TrimSpace(r.Title)
		r.Snippet = truncateRunes(strings.Join(strings.Fields(r.Snippet), " "), c.snippetMax)
		if r.Engine == "" {
			r.Engine = c.provider.Name()
		}
		out = append(out, r)
		if len(out) >= count {
			break
		}
	}
	logging.SearchDebug("Search %q via %s: %d results", query, c.provider.Name(), len(out))
	return out, nil
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
