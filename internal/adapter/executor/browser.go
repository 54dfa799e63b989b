package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"agentswarm/internal/domain"
	"agentswarm/internal/security"
)

// BrowserBackend abstracts an embedded browser.
type BrowserBackend interface {
	// Fetch navigates to url and extracts the page as AI-friendly text. If
	// selector is non-empty only that element's subtree is extracted.
	Fetch(ctx context.Context, url, selector string) (*PageContent, error)
	Close() error
	Name() string
}

// PageContent holds extracted page content.
type PageContent struct {
	Title string     `json:"title"`
	URL   string     `json:"url"`
	Text  string     `json:"text"`
	Links []PageLink `json:"links,omitempty"`
}

// PageLink represents an extracted link from the page.
type PageLink struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// Browser serves browser:browse.
type Browser struct {
	backend BrowserBackend
	policy  security.URLPolicy
	logger  *slog.Logger
}

// NewBrowser creates the browser executor.
func NewBrowser(backend BrowserBackend, policy security.URLPolicy, logger *slog.Logger) *Browser {
	return &Browser{backend: backend, policy: policy, logger: logger}
}

type browseParams struct {
	URL      string `json:"url"`
	Selector string `json:"selector,omitempty"`
}

// Endpoints returns browser_browse.
func (b *Browser) Endpoints() []Endpoint {
	return []Endpoint{
		endpoint("browser_browse", domain.TopicBrowserBrowse, "Load a page in a real browser and return its readable text and links", `{
			"type": "object",
			"properties": {
				"url": {"type": "string"},
				"selector": {"type": "string", "description": "Optional CSS selector to narrow extraction"}
			},
			"required": ["url"]
		}`, Handler("executor.browser_browse", b.logger, b.browse)),
	}
}

func (b *Browser) browse(ctx context.Context, _ trace.Span, p browseParams) (any, error) {
	if err := b.policy.Validate(ctx, p.URL); err != nil {
		return nil, err
	}
	page, err := b.backend.Fetch(ctx, p.URL, p.Selector)
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", p.URL, err)
	}
	if page.URL != "" && page.URL != p.URL {
		if err := b.policy.Validate(ctx, page.URL); err != nil {
			return nil, fmt.Errorf("browse %s: redirected to %s: %w", p.URL, page.URL, err)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n%s\n\n%s\n", page.Title, page.URL, page.Text)
	if len(page.Links) > 0 {
		sb.WriteString("\nLinks:\n")
		for i, l := range page.Links {
			fmt.Fprintf(&sb, "[%d] %s -> %s\n", i, l.Text, l.Href)
		}
	}
	return sb.String(), nil
}
