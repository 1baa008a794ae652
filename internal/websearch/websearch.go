// Package websearch implements the injected web_search capability over
// a SearXNG instance or the Brave Search API, with an in-process result
// cache. The executor treats it as an opaque handler; when no backend
// is configured the tool reports an error part instead.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/codebuff/agent-runtime/internal/tools"
	"github.com/codebuff/agent-runtime/pkg/models"
)

// Backend selects the search provider.
type Backend string

const (
	BackendSearXNG Backend = "searxng"
	BackendBrave   Backend = "brave"
)

const (
	// maxCacheSize caps cached responses so a chatty agent cannot grow
	// memory without bound.
	maxCacheSize = 1000

	defaultResultCount = 5
	deepResultCount    = 15
	maxResultCount     = 20
)

// Config configures the search client.
type Config struct {
	// Backend is "searxng" or "brave".
	Backend Backend

	// BaseURL is the SearXNG instance URL; unused for Brave.
	BaseURL string

	// APIKey is the Brave Search subscription token; unused for
	// SearXNG.
	APIKey string

	// CacheTTL defaults to 5 minutes.
	CacheTTL time.Duration

	// HTTPClient defaults to a 30s-timeout client.
	HTTPClient *http.Client
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Response is the full answer for one query.
type Response struct {
	Query   string   `json:"query"`
	Backend Backend  `json:"backend"`
	Results []Result `json:"results"`
}

type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Client performs web searches with caching.
type Client struct {
	cfg  Config
	http *http.Client

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// New creates a search client. Backend and its credentials must be
// set; the caller decides whether to wire the handler at all.
func New(cfg Config) (*Client, error) {
	switch cfg.Backend {
	case BackendSearXNG:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("websearch: searxng requires a base URL")
		}
	case BackendBrave:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("websearch: brave requires an API key")
		}
	default:
		return nil, fmt.Errorf("websearch: unknown backend %q", cfg.Backend)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		cfg:   cfg,
		http:  httpClient,
		cache: make(map[string]*cacheEntry),
	}, nil
}

// Handler adapts the client to the executor's injected capability
// surface.
func (c *Client) Handler() func(ctx context.Context, input json.RawMessage) ([]models.ToolResultPart, error) {
	return func(ctx context.Context, input json.RawMessage) ([]models.ToolResultPart, error) {
		var in tools.WebSearchInput
		if err := json.Unmarshal(input, &in); err != nil {
			return []models.ToolResultPart{models.ErrorPart("Invalid JSON: " + err.Error())}, nil
		}
		count := defaultResultCount
		if in.Depth == "deep" {
			count = deepResultCount
		}
		response, err := c.Search(ctx, in.Query, count)
		if err != nil {
			return []models.ToolResultPart{models.ErrorPart("Search failed: " + err.Error())}, nil
		}
		return []models.ToolResultPart{models.JSONPart(response)}, nil
	}
}

// Search runs one query, serving repeats from cache.
func (c *Client) Search(ctx context.Context, query string, count int) (*Response, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if count <= 0 {
		count = defaultResultCount
	}
	if count > maxResultCount {
		count = maxResultCount
	}

	key := fmt.Sprintf("%s:%d:%s", c.cfg.Backend, count, query)
	if cached := c.fromCache(key); cached != nil {
		return cached, nil
	}

	var (
		response *Response
		err      error
	)
	switch c.cfg.Backend {
	case BackendSearXNG:
		response, err = c.searchSearXNG(ctx, query, count)
	case BackendBrave:
		response, err = c.searchBrave(ctx, query, count)
	}
	if err != nil {
		return nil, err
	}

	c.store(key, response)
	return response, nil
}

func (c *Client) fromCache(key string) *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (c *Client) store(key string, response *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, v := range c.cache {
		if now.After(v.expiresAt) {
			delete(c.cache, k)
		}
	}
	// Still full after expiry cleanup: evict the soonest-to-expire.
	for len(c.cache) >= maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range c.cache {
			if oldestKey == "" || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
			}
		}
		delete(c.cache, oldestKey)
	}
	c.cache[key] = &cacheEntry{response: response, expiresAt: now.Add(c.cfg.CacheTTL)}
}

func (c *Client) searchSearXNG(ctx context.Context, query string, count int) (*Response, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid searxng URL: %w", err)
	}
	base.Path = "/search"
	values := url.Values{}
	values.Set("q", query)
	values.Set("format", "json")
	values.Set("categories", "general")
	base.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("malformed searxng response: %w", err)
	}

	response := &Response{Query: query, Backend: BackendSearXNG}
	for _, r := range parsed.Results {
		if len(response.Results) >= count {
			break
		}
		response.Results = append(response.Results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}
	return response, nil
}

func (c *Client) searchBrave(ctx context.Context, query string, count int) (*Response, error) {
	values := url.Values{}
	values.Set("q", query)
	values.Set("count", fmt.Sprintf("%d", count))
	endpoint := "https://api.search.brave.com/res/v1/web/search?" + values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.cfg.APIKey)
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("malformed brave response: %w", err)
	}

	response := &Response{Query: query, Backend: BackendBrave}
	for _, r := range parsed.Web.Results {
		if len(response.Results) >= count {
			break
		}
		response.Results = append(response.Results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}
	return response, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", req.URL.Host, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
