// Package fetch downloads web pages and reduces them to markdown-ish text,
// a title and the page's outbound links.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragent/internal/logging"
	"ragent/internal/types"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 2 << 20 // 2MB
	userAgent       = "Mozilla/5.0 (compatible; ragent/1.0)"
)

// Page is the reduced form of a fetched document.
type Page struct {
	URL         string   // requested URL
	FinalURL    string   // after redirects
	Title       string
	Content     string   // markdown
	Links       []string // absolute http(s) links, in document order, deduplicated
	ContentType string
}

// Fetcher performs bounded HTTP GETs.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// WithMaxBytes caps how much of a response body is read.
func WithMaxBytes(n int64) Option { return func(f *Fetcher) { f.maxBytes = n } }

// New returns a Fetcher whose requests give up after timeout.
func New(timeout time.Duration, opts ...Option) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	f := &Fetcher{client: http.DefaultClient, timeout: timeout, maxBytes: defaultMaxBytes}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads rawURL. Non-200 responses are transport errors carrying the
// status code.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, types.NewInvalidInput("fetch", "bad url %q: %v", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, types.NewTransportError("fetch", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, types.NewTransportError("fetch", resp.StatusCode,
			fmt.Errorf("GET %s: %s", rawURL, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, types.NewTransportError("fetch", 0, fmt.Errorf("read body: %w", err))
	}

	page := &Page{
		URL:         rawURL,
		FinalURL:    resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
	}

	ct := strings.ToLower(page.ContentType)
	if strings.Contains(ct, "text/plain") || strings.Contains(ct, "text/markdown") {
		page.Content = strings.TrimSpace(string(body))
	} else {
		doc, err := Convert(string(body), page.FinalURL)
		if err != nil {
			return nil, types.NewProtocolError("fetch", "parse html from %s: %v", rawURL, err)
		}
		page.Title = doc.Title
		page.Content = doc.Content
		page.Links = doc.Links
	}

	logging.ToolsDebug("Fetched %s (%d bytes -> %d chars, %d links)", rawURL, len(body), len(page.Content), len(page.Links))
	return page, nil
}
