package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
	"agentswarm/internal/security"
)

type fakeBrowser struct {
	page     *PageContent
	err      error
	gotURL   string
	selector string
}

func (f *fakeBrowser) Name() string { return "fake" }
func (f *fakeBrowser) Close() error { return nil }

func (f *fakeBrowser) Fetch(_ context.Context, url, selector string) (*PageContent, error) {
	f.gotURL, f.selector = url, selector
	return f.page, f.err
}

func TestBrowserExecutor(t *testing.T) {
	bus := newBus(t)
	backend := &fakeBrowser{page: &PageContent{
		Title: "Example",
		URL:   "http://127.0.0.1/docs",
		Text:  "[h1] Docs",
		Links: []PageLink{{Text: "API", Href: "http://127.0.0.1/api"}},
	}}
	mount(t, bus, NewRegistry(quietLogger()),
		NewBrowser(backend, security.URLPolicy{AllowPrivate: true}, quietLogger()).Endpoints()...)

	reply := call(t, bus, domain.TopicBrowserBrowse, "architect", map[string]string{"url": "http://127.0.0.1/docs", "selector": "main"})
	require.False(t, reply.IsError(), reply.Error)
	assert.Contains(t, reply.Output, "# Example")
	assert.Contains(t, reply.Output, "[0] API -> http://127.0.0.1/api")
	assert.Equal(t, "main", backend.selector)
}

func TestBrowserExecutor_Failures(t *testing.T) {
	bus := newBus(t)
	backend := &fakeBrowser{err: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	mount(t, bus, NewRegistry(quietLogger()), NewBrowser(backend, security.URLPolicy{}, quietLogger()).Endpoints()...)

	reply := call(t, bus, domain.TopicBrowserBrowse, "architect", map[string]string{"url": "file:///etc/passwd"})
	assert.True(t, reply.IsError())
	assert.Empty(t, backend.gotURL, "blocked URL never reaches the browser")

	reply = call(t, bus, domain.TopicBrowserBrowse, "architect", map[string]string{"url": "http://93.184.216.34/"})
	assert.True(t, reply.IsError())
	assert.Contains(t, reply.Error, "ERR_NAME_NOT_RESOLVED")
}

func TestBrowserExecutor_RedirectToPrivate(t *testing.T) {
	bus := newBus(t)
	backend := &fakeBrowser{page: &PageContent{Title: "meta", URL: "http://169.254.169.254/latest"}}
	mount(t, bus, NewRegistry(quietLogger()), NewBrowser(backend, security.URLPolicy{}, quietLogger()).Endpoints()...)

	reply := call(t, bus, domain.TopicBrowserBrowse, "architect", map[string]string{"url": "http://93.184.216.34/"})
	require.True(t, reply.IsError())
	assert.Contains(t, reply.Error, "redirected to http://169.254.169.254/latest")
	assert.NotContains(t, reply.Output, "meta")
}

func TestLinksJS(t *testing.T) {
	js := linksJS("main")
	assert.Contains(t, js, `document.querySelector("main")`)
	assert.Contains(t, js, ".slice(0, 100)")
}

func TestCollapseBlankLines(t *testing.T) {
	in := "\n\n  Title  \n\n\n\tbody one\nbody two\n\n"
	assert.Equal(t, "Title\n\nbody one\nbody two", collapseBlankLines(in))
}
