package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ragent/internal/types"
)

const braveURL = "https://api.search.brave.com/res/v1/web/search"

// keyGate serializes requests that share an API key and holds the earliest
// time the next one may fire.
type keyGate struct {
	mu      sync.Mutex
	readyAt time.Time
}

var (
	gatesMu sync.Mutex
	gates   = map[string]*keyGate{}
)

func gateFor(apiKey string) *keyGate {
	gatesMu.Lock()
	defer gatesMu.Unlock()
	g, ok := gates[apiKey]
	if !ok {
		g = &keyGate{}
		gates[apiKey] = g
	}
	return g
}

// lock blocks until the caller may issue a request and returns with the gate
// held. The caller must call unlock.
func (g *keyGate) lock(ctx context.Context) error {
	for {
		g.mu.Lock()
		wait := time.Until(g.readyAt)
		if wait <= 0 {
			return nil
		}
		g.mu.Unlock()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (g *keyGate) unlock(delay time.Duration) {
	g.readyAt = time.Now().Add(delay)
	g.mu.Unlock()
}

// Brave uses the Brave Search API.
type Brave struct {
	apiKey     string
	endpoint   string
	client     *http.Client
	maxRetries int
}

// NewBrave returns the provider. An empty endpoint uses the public API.
func NewBrave(apiKey, endpoint string, client *http.Client) *Brave {
	if endpoint == "" {
		endpoint = braveURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Brave{apiKey: apiKey, endpoint: endpoint, client: client, maxRetries: 3}
}

func (b *Brave) Name() string { return "brave" }

// Search runs query. Callers sharing an API key are serialized through one
// gate; 429 responses are retried after X-RateLimit-Reset.
func (b *Brave) Search(ctx context.Context, query string, count int) ([]Result, error) {
	endpoint := fmt.Sprintf("%s?q=%s&count=%d", b.endpoint, url.QueryEscape(query), count)
	gate := gateFor(b.apiKey)

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		if err := gate.lock(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			gate.unlock(0)
			return nil, types.NewInvalidInput("search.brave", "%v", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", b.apiKey)

		resp, err = b.client.Do(req)
		if err != nil {
			gate.unlock(time.Second)
			return nil, types.NewTransportError("search.brave", 0, err)
		}
		if resp.StatusCode != http.StatusTooManyRequests || attempt >= b.maxRetries {
			gate.unlock(nextDelay(resp.Header))
			break
		}
		resp.Body.Close()
		gate.unlock(retryDelay(resp.Header))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewTransportError("search.brave", resp.StatusCode, fmt.Errorf("%s", resp.Status))
	}

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, types.NewProtocolError("search.brave", "decode response: %v", err)
	}

	results := make([]Result, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description), Engine: "brave"})
		if len(results) >= count {
			break
		}
	}
	return results, nil
}

// retryDelay reads X-RateLimit-Reset ("1, 1419704"): the smallest positive
// value in seconds, else one second.
func retryDelay(h http.Header) time.Duration {
	min := -1
	for _, part := range strings.Split(h.Get("X-RateLimit-Reset"), ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			continue
		}
		if min < 0 || n < min {
			min = n
		}
	}
	if min <= 0 {
		return time.Second
	}
	return time.Duration(min) * time.Second
}

// nextDelay holds the gate for a second when the per-second bucket in
// X-RateLimit-Remaining ("0, 14832") is exhausted or unknown.
func nextDelay(h http.Header) time.Duration {
	raw := h.Get("X-RateLimit-Remaining")
	if raw == "" {
		return time.Second
	}
	perSecond, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(raw, ",", 2)[0]))
	if err != nil || perSecond <= 0 {
		return time.Second
	}
	return 0
}

// stripTags drops the <strong> highlighting Brave puts in descriptions.
func stripTags(s string) string {
	var sb strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case depth == 0:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
