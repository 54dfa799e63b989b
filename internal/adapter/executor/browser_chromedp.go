package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"
)

const (
	// maxPageText bounds the text returned for one page.
	maxPageText  = 50000
	maxPageLinks = 100
	defaultTabs  = 4
)

// ChromeDPConfig configures the chromedp backend.
type ChromeDPConfig struct {
	// RemoteURL is the DevTools WebSocket of an existing Chrome. Empty
	// launches a local one.
	RemoteURL string
	Headless  bool
	// Timeout bounds browser start-up and each fetch.
	Timeout time.Duration
	// MaxTabs bounds concurrent fetches. Each fetch gets its own tab.
	MaxTabs int
}

// ChromeDPBackend drives one Chrome process. Concurrent fetches run in
// separate tabs, at most MaxTabs at a time.
type ChromeDPBackend struct {
	browser context.Context
	cancel  func()
	tabs    *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
}

var _ BrowserBackend = (*ChromeDPBackend)(nil)

// NewChromeDPBackend starts or attaches to Chrome and waits until it answers.
func NewChromeDPBackend(cfg ChromeDPConfig, logger *slog.Logger) (*ChromeDPBackend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTabs <= 0 {
		cfg.MaxTabs = defaultTabs
	}

	var alloc context.Context
	var allocCancel context.CancelFunc
	if cfg.RemoteURL != "" {
		alloc, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:0:0], chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts,
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-extensions", true),
		)
		alloc, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	browser, browserCancel := chromedp.NewContext(alloc)

	b := &ChromeDPBackend{
		browser: browser,
		cancel:  func() { browserCancel(); allocCancel() },
		tabs:    semaphore.NewWeighted(int64(cfg.MaxTabs)),
		timeout: cfg.Timeout,
		logger:  logger,
	}

	// The first Run allocates the browser and binds it to browser's
	// lifetime, so it cannot carry the start-up deadline itself.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browser) }()
	select {
	case err := <-started:
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-time.After(cfg.Timeout):
		b.Close()
		return nil, fmt.Errorf("start browser: no response after %v", cfg.Timeout)
	}
	logger.Info("browser ready", "remote", cfg.RemoteURL != "", "headless", cfg.Headless, "max_tabs", cfg.MaxTabs)
	return b, nil
}

func (b *ChromeDPBackend) Name() string { return "chromedp" }

// Fetch opens url in a fresh tab and extracts the title, the final URL after
// redirects, the visible text of selector (body when empty) and its links.
func (b *ChromeDPBackend) Fetch(ctx context.Context, url, selector string) (*PageContent, error) {
	if err := b.tabs.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.tabs.Release(1)

	tab, closeTab := chromedp.NewContext(b.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, b.timeout)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	if selector == "" {
		selector = "body"
	}
	var page PageContent
	err := chromedp.Run(tab,
		chromedp.Navigate(url),
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Title(&page.Title),
		chromedp.Location(&page.URL),
		chromedp.Text(selector, &page.Text, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.Evaluate(linksJS(selector), &page.Links),
	)
	if err != nil {
		return nil, err
	}

	page.Text = collapseBlankLines(page.Text)
	if len(page.Text) > maxPageText {
		page.Text = truncate(page.Text, maxPageText)
	}
	b.logger.Debug("page fetched", "url", page.URL, "chars", len(page.Text), "links", len(page.Links))
	return &page, nil
}

// linksJS lists up to maxPageLinks anchors under the first match of selector.
func linksJS(selector string) string {
	return fmt.Sprintf(`(() => {
  const root = document.querySelector(%q);
  if (!root) return [];
  return Array.from(root.querySelectorAll("a[href]"))
    .map(a => ({text: a.innerText.trim(), href: a.href}))
    .filter(l => l.text && l.href.startsWith("http"))
    .slice(0, %d);
})()`, selector, maxPageLinks)
}

// collapseBlankLines trims each line and squeezes runs of blank lines.
func collapseBlankLines(s string) string {
	var sb strings.Builder
	blank := false
	for line := range strings.Lines(s) {
		line = strings.TrimSpace(line)
		if line == "" {
			blank = sb.Len() > 0
			continue
		}
		if blank {
			sb.WriteByte('\n')
			blank = false
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Close shuts the browser down.
func (b *ChromeDPBackend) Close() error {
	b.cancel()
	return nil
}
