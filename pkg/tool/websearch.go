package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// WebSearchTool is the "web_search" capability backing the Research
// instrument (spec §4.2). It calls the Tavily search API directly over
// HTTP — no Tavily SDK ships in the pack, so this is a deliberately thin
// REST client rather than a hand-rolled replacement for one (see DESIGN.md).
type WebSearchTool struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// WebSearchOptions configures a WebSearchTool.
type WebSearchOptions struct {
	BaseURL string        // defaults to the Tavily search endpoint
	Timeout time.Duration // per-call timeout; default 15s
}

// NewWebSearchTool constructs a WebSearchTool from a Tavily API key.
func NewWebSearchTool(apiKey string, opts WebSearchOptions) (*WebSearchTool, error) {
	if apiKey == "" {
		return nil, errors.New("tool: tavily api key is required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.tavily.com/search"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &WebSearchTool{
		httpClient: &http.Client{Timeout: opts.Timeout},
		apiKey:     apiKey,
		baseURL:    opts.BaseURL,
	}, nil
}

func (t *WebSearchTool) Name() string           { return "web_search" }
func (t *WebSearchTool) Capabilities() []string { return []string{"web_search"} }
func (t *WebSearchTool) Version() string        { return "tavily-v1" }

// HealthCheck issues a minimal query to confirm the API key is accepted.
func (t *WebSearchTool) HealthCheck(ctx context.Context) error {
	_, err := t.Search(ctx, "healthcheck", 1)
	return err
}

// SearchResult is one hit returned by Search.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type tavilyRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []SearchResult `json:"results"`
}

// Search issues a query against Tavily and returns up to maxResults hits.
// Callers are expected to apply their own retry policy per spec §7's
// ToolError handling — Search returns a single attempt's outcome.
func (t *WebSearchTool) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	body, err := json.Marshal(tavilyRequest{APIKey: t.apiKey, Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, fmt.Errorf("web search tool: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("web search tool: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search tool: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("web search tool: tavily returned status %d", resp.StatusCode)
	}
	var parsed tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("web search tool: decode response: %w", err)
	}
	return parsed.Results, nil
}
