// Package static implements crawler.RenderTarget for server-rendered pages.
// Pages are fetched with colly and queried with goquery; a handle is one
// fetched document.
package static

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/id/uuid"
	"github.com/JakeFAU/serialcrawler/internal/render"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Selectors     render.Selectors
}

type document struct {
	doc *goquery.Document
	// base is the final URL after redirects; relative next links resolve against it.
	base *url.URL
}

// Target fetches pages over HTTP and evaluates selectors against the parsed DOM.
type Target struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       render.Limiter
	ids           crawler.IDGenerator
	logger        *zap.Logger

	mu   sync.Mutex
	docs map[string]*document
}

var _ crawler.RenderTarget = (*Target)(nil)

// New builds a Target. limiter may be nil.
func New(cfg Config, limiter render.Limiter, logger *zap.Logger) *Target {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.Selectors = cfg.Selectors.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newRobotsTransport(newHTTPTransport(), logger.Named("robots")))
	return &Target{
		cfg:           cfg,
		baseCollector: c,
		limiter:       limiter,
		ids:           uuid.NewPrefixed("doc-"),
		logger:        logger.Named("static"),
		docs:          make(map[string]*document),
	}
}

// Open fetches locator and keeps the parsed document under a new handle.
func (t *Target) Open(ctx context.Context, locator string) (string, error) {
	if locator == "" {
		return "", fmt.Errorf("%w: empty locator", crawler.ErrNavigation)
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, locator); err != nil {
			return "", fmt.Errorf("%w: %w", crawler.ErrNavigation, err)
		}
	}

	var (
		doc      *document
		fetchErr error
	)
	collector := t.buildCollector()
	collector.OnResponse(func(r *colly.Response) {
		parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			fetchErr = fmt.Errorf("parse html: %w", err)
			return
		}
		doc = &document{doc: parsed, base: r.Request.URL}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := runCollector(ctx, collector, locator); err != nil {
		return "", fmt.Errorf("%w: %s: %w", crawler.ErrNavigation, locator, err)
	}
	if fetchErr != nil {
		return "", fmt.Errorf("%w: %s: %w", crawler.ErrNavigation, locator, fetchErr)
	}
	if doc == nil {
		return "", fmt.Errorf("%w: %s: empty response", crawler.ErrNavigation, locator)
	}

	handle, err := t.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate document handle: %w", err)
	}
	t.mu.Lock()
	t.docs[handle] = doc
	t.mu.Unlock()
	t.logger.Debug("document fetched", zap.String("handle", handle), zap.String("url", locator))
	return handle, nil
}

// ContentPresent reports whether the ready selector matches.
func (t *Target) ContentPresent(_ context.Context, handle string) (bool, error) {
	d, err := t.lookup(handle)
	if err != nil {
		return false, err
	}
	return d.doc.Find(t.cfg.Selectors.Ready).Length() > 0, nil
}

// Extract evaluates the selectors against the stored document.
func (t *Target) Extract(_ context.Context, handle string) (crawler.Page, error) {
	d, err := t.lookup(handle)
	if err != nil {
		return crawler.Page{}, err
	}
	sel := t.cfg.Selectors

	var parts []string
	d.doc.Find(sel.Body).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	page := crawler.Page{
		Title: strings.TrimSpace(d.doc.Find(sel.Title).First().Text()),
		Body:  strings.Join(parts, "\n\n"),
	}
	if href, ok := d.doc.Find(sel.Next).First().Attr("href"); ok {
		page.NextLocator = resolve(d.base, href)
	}
	return page, nil
}

// Close forgets the document. Unknown handles are ignored.
func (t *Target) Close(_ context.Context, handle string) error {
	t.mu.Lock()
	delete(t.docs, handle)
	t.mu.Unlock()
	return nil
}

// OpenDocuments reports how many handles are held.
func (t *Target) OpenDocuments() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.docs)
}

func (t *Target) lookup(handle string) (*document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", render.ErrUnknownHandle, handle)
	}
	return d, nil
}

func (t *Target) buildCollector() *colly.Collector {
	collector := t.baseCollector.Clone()
	if t.cfg.UserAgent != "" {
		collector.UserAgent = t.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !t.cfg.RespectRobots
	// Sessions may legitimately re-open a page another session already read.
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(t.cfg.Timeout)
	return collector
}

func runCollector(ctx context.Context, collector *colly.Collector, locator string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("colly fetch canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(locator)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
