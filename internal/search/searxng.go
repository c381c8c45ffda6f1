package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"ragent/internal/types"
)

// SearXNG queries a SearXNG instance through its JSON API.
type SearXNG struct {
	baseURL string
	client  *http.Client
}

// NewSearXNG returns a provider for the instance at baseURL.
func NewSearXNG(baseURL string, client *http.Client) *SearXNG {
	if client == nil {
		client = http.DefaultClient
	}
	return &SearXNG{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *SearXNG) Name() string { return "searxng" }

func (s *SearXNG) Search(ctx context.Context, query string, count int) ([]Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("count", fmt.Sprint(count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, types.NewInvalidInput("search.searxng", "%v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, types.NewTransportError("search.searxng", 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewTransportError("search.searxng", resp.StatusCode, fmt.Errorf("%s", resp.Status))
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
			Engine  string `json:"engine"`
		} `json:"results"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, types.NewTransportError("search.searxng", 0, err)
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, types.NewProtocolError("search.searxng", "decode response: %v", err)
	}

	results := make([]Result, 0, len(payload.Results))
	for _, r := range payload.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content, Engine: r.Engine})
		if len(results) >= count {
			break
		}
	}
	return results, nil
}
