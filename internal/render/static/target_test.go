package static

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/render"
)

func newSerialServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chapter/1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><h1> Chapter 1 </h1>
<article><p>First paragraph.</p><p>  </p><p>Second paragraph.</p></article>
<a rel="next" href="/chapter/2">Next</a></body></html>`)
	})
	mux.HandleFunc("/chapter/2", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><h1>Chapter 2</h1><article><p>The end.</p></article></body></html>`)
	})
	mux.HandleFunc("/loading", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><div class="spinner"></div></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type countingLimiter struct{ calls int }

func (c *countingLimiter) Wait(context.Context, string) error {
	c.calls++
	return nil
}

func TestOpenExtractFollowsNext(t *testing.T) {
	t.Parallel()

	srv := newSerialServer(t)
	limiter := &countingLimiter{}
	target := New(Config{UserAgent: "serialcrawler-test"}, limiter, nil)
	ctx := context.Background()

	handle, err := target.Open(ctx, srv.URL+"/chapter/1")
	require.NoError(t, err)
	require.Equal(t, 1, limiter.calls)

	present, err := target.ContentPresent(ctx, handle)
	require.NoError(t, err)
	require.True(t, present)

	page, err := target.Extract(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, "Chapter 1", page.Title)
	require.Equal(t, "First paragraph.\n\nSecond paragraph.", page.Body)
	require.Equal(t, srv.URL+"/chapter/2", page.NextLocator)

	require.NoError(t, target.Close(ctx, handle))
	require.NoError(t, target.Close(ctx, handle))
	require.Zero(t, target.OpenDocuments())

	handle, err = target.Open(ctx, page.NextLocator)
	require.NoError(t, err)
	page, err = target.Extract(ctx, handle)
	require.NoError(t, err)
	require.Equal(t, "Chapter 2", page.Title)
	require.Empty(t, page.NextLocator)
}

func TestContentPresentFalseWithoutReadySelector(t *testing.T) {
	t.Parallel()

	srv := newSerialServer(t)
	target := New(Config{}, nil, nil)

	handle, err := target.Open(context.Background(), srv.URL+"/loading")
	require.NoError(t, err)
	present, err := target.ContentPresent(context.Background(), handle)
	require.NoError(t, err)
	require.False(t, present)
}

func TestCustomSelectors(t *testing.T) {
	t.Parallel()

	srv := newSerialServer(t)
	target := New(Config{Selectors: render.Selectors{Ready: "div.spinner", Title: "title"}}, nil, nil)

	handle, err := target.Open(context.Background(), srv.URL+"/loading")
	require.NoError(t, err)
	present, err := target.ContentPresent(context.Background(), handle)
	require.NoError(t, err)
	require.True(t, present)
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	srv := newSerialServer(t)
	target := New(Config{}, nil, nil)

	_, err := target.Open(context.Background(), "")
	require.ErrorIs(t, err, crawler.ErrNavigation)

	_, err = target.Open(context.Background(), srv.URL+"/missing")
	require.ErrorIs(t, err, crawler.ErrNavigation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = target.Open(ctx, srv.URL+"/chapter/1")
	require.Error(t, err)
}

func TestUnknownHandle(t *testing.T) {
	t.Parallel()

	target := New(Config{}, nil, nil)
	_, err := target.ContentPresent(context.Background(), "doc-x")
	require.ErrorIs(t, err, render.ErrUnknownHandle)
	_, err = target.Extract(context.Background(), "doc-x")
	require.ErrorIs(t, err, render.ErrUnknownHandle)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/book/3")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/book/4", resolve(base, "4"))
	require.Equal(t, "https://other.org/x", resolve(base, "https://other.org/x"))
	require.Empty(t, resolve(base, "#top"))
	require.Empty(t, resolve(base, "javascript:void(0)"))
	require.Empty(t, resolve(base, "  "))
}
