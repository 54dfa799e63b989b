package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentswarm/internal/domain"
)

func TestSearXNGBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "golang errgroup", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`{"results":[
			{"title":"errgroup","url":"https://pkg.go.dev/golang.org/x/sync/errgroup","content":"Package errgroup"},
			{"title":"second","url":"https://example.com/2"},
			{"title":"third","url":"https://example.com/3"}
		]}`))
	}))
	defer srv.Close()

	b := NewSearXNGBackend(srv.URL+"/", quietLogger())
	results, err := b.Search(context.Background(), "golang errgroup", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "errgroup", results[0].Title)
	assert.Equal(t, "Package errgroup", results[0].Content)
}

func TestSearXNGBackend_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSearXNGBackend(srv.URL, quietLogger()).Search(context.Background(), "q", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

type fakeSearch struct {
	gotCount int
	results  []SearchResult
}

func (f *fakeSearch) Name() string { return "fake" }

func (f *fakeSearch) Search(_ context.Context, _ string, count int) ([]SearchResult, error) {
	f.gotCount = count
	return f.results, nil
}

func TestSearchExecutor(t *testing.T) {
	bus := newBus(t)
	backend := &fakeSearch{results: []SearchResult{{Title: "Go", URL: "https://go.dev"}}}
	mount(t, bus, NewRegistry(quietLogger()), NewSearch(backend, 0, 5, quietLogger()).Endpoints()...)

	reply := call(t, bus, domain.TopicBrowserSearch, "architect", map[string]any{"query": "go", "count": 50})
	require.False(t, reply.IsError(), reply.Error)
	assert.Contains(t, reply.Output, "https://go.dev")
	assert.Equal(t, 5, backend.gotCount, "count is capped")

	reply = call(t, bus, domain.TopicBrowserSearch, "architect", map[string]any{"query": ""})
	assert.True(t, reply.IsError(), "empty query fails schema validation")
}

func TestSearXNGBackend_SkipsDuplicatesAndTrims(t *testing.T) {
	long := strings.Repeat("é", maxSnippet)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"results":[
			{"title":"a","url":"https://a.example"},
			{"title":"a again","url":"https://a.example"},
			{"title":"no url"},
			{"title":"b","url":"https://b.example","content":%q}
		]}`, long)
	}))
	defer srv.Close()

	results, err := NewSearXNGBackend(srv.URL, quietLogger()).Search(context.Background(), "q", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "b", results[1].Title)
	assert.True(t, utf8.ValidString(results[1].Content))
	assert.LessOrEqual(t, len(results[1].Content), maxSnippet+3)
}

func TestSearXNGBackend_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusBadGateway, domain.ErrProviderError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := NewSearXNGBackend(srv.URL, quietLogger()).Search(context.Background(), "q", 5)
		srv.Close()
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}

func TestRenderResults(t *testing.T) {
	out := renderResults([]SearchResult{
		{Title: "Go", URL: "https://go.dev", Content: "The Go language"},
		{Title: "Pkg", URL: "https://pkg.go.dev"},
	})
	assert.Equal(t, "1. Go\n   https://go.dev\n   The Go language\n2. Pkg\n   https://pkg.go.dev\n", out)
}
