package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"agentswarm/internal/domain"
)

const (
	maxSearchBodySize = 512 << 10
	maxSnippet        = 300
)

// SearchBackend is a web search engine.
type SearchBackend interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
	Name() string
}

// SearchResult is one hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// SearXNGBackend queries a SearXNG instance through its JSON API.
type SearXNGBackend struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// NewSearXNGBackend targets the instance at baseURL.
func NewSearXNGBackend(baseURL string, logger *slog.Logger) *SearXNGBackend {
	return &SearXNGBackend{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (b *SearXNGBackend) Name() string { return "searxng" }

// Search returns up to count hits, dropping entries without a URL and
// repeats of a URL already seen. Snippets are cut to maxSnippet bytes.
func (b *SearXNGBackend) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	u := b.base + "/search?" + url.Values{"q": {query}, "format": {"json"}, "pageno": {"1"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBodySize))
	if err != nil {
		return nil, fmt.Errorf("searxng: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("searxng HTTP %d: %w", resp.StatusCode, domain.ErrRateLimit)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("searxng HTTP %d: %w", resp.StatusCode, domain.ErrProviderError)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("searxng HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var page struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("searxng: decode: %w", err)
	}

	seen := make(map[string]bool, len(page.Results))
	out := make([]SearchResult, 0, min(count, len(page.Results)))
	for _, r := range page.Results {
		if len(out) == count {
			break
		}
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		r.Content = truncate(strings.TrimSpace(r.Content), maxSnippet)
		out = append(out, r)
	}
	b.logger.Debug("search done", "backend", b.Name(), "query", query, "hits", len(out))
	return out, nil
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// renderResults formats hits as a numbered list for the model.
func renderResults(results []SearchResult) string {
	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Content != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Content)
		}
	}
	return sb.String()
}

// Search serves browser:search.
type Search struct {
	backend  SearchBackend
	limiter  *rate.Limiter
	maxCount int
	logger   *slog.Logger
}

// NewSearch creates the search executor.
func NewSearch(backend SearchBackend, ratePerMinute, maxCount int, logger *slog.Logger) *Search {
	if maxCount <= 0 {
		maxCount = 10
	}
	return &Search{backend: backend, limiter: newLimiter(ratePerMinute), maxCount: maxCount, logger: logger}
}

type searchParams struct {
	Query string `json:"query"`
	Count int    `json:"count,omitempty"`
}

// Endpoints returns browser_search.
func (s *Search) Endpoints() []Endpoint {
	return []Endpoint{
		endpoint("browser_search", domain.TopicBrowserSearch, "Search the web and return result titles, URLs and snippets", `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"count": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"]
		}`, Handler("executor.browser_search", s.logger, s.search)),
	}
}

func (s *Search) search(ctx context.Context, _ trace.Span, p searchParams) (any, error) {
	if !s.limiter.Allow() {
		return nil, domain.NewDomainError("Search.search", domain.ErrRateLimit, "browser_search budget exhausted")
	}
	count := p.Count
	if count <= 0 || count > s.maxCount {
		count = s.maxCount
	}
	results, err := s.backend.Search(ctx, p.Query, count)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return "no results", nil
	}
	return renderResults(results), nil
}
