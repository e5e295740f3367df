// Package headless implements crawler.RenderTarget on headless Chrome via
// chromedp. Each handle is one browser tab.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/id/uuid"
	"github.com/JakeFAU/serialcrawler/internal/render"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the headless target.
type Config struct {
	// MaxTabs caps concurrently open tabs; 0 means unlimited.
	MaxTabs           int
	UserAgent         string
	NavigationTimeout time.Duration
	Selectors         render.Selectors
	// ExecPath overrides the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
}

type tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	locator string
}

// Target drives one browser process and hands out tabs as handles.
type Target struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	limiter     render.Limiter
	ids         crawler.IDGenerator
	logger      *zap.Logger
	scripts     scripts

	mu   sync.Mutex
	tabs map[string]*tab
}

var _ crawler.RenderTarget = (*Target)(nil)

// New creates a headless target. limiter may be nil.
func New(cfg Config, limiter render.Limiter, logger *zap.Logger) (*Target, error) {
	if cfg.MaxTabs < 0 {
		return nil, fmt.Errorf("max tabs must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	cfg.Selectors = cfg.Selectors.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	var slots chan struct{}
	if cfg.MaxTabs > 0 {
		slots = make(chan struct{}, cfg.MaxTabs)
	}
	scr, err := buildScripts(cfg.Selectors)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Target{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		limiter:     limiter,
		ids:         uuid.NewPrefixed("tab-"),
		logger:      logger.Named("headless"),
		scripts:     scr,
		tabs:        make(map[string]*tab),
	}, nil
}

// Open creates a tab and navigates it to locator. The page may still be
// rendering when Open returns.
func (t *Target) Open(ctx context.Context, locator string) (string, error) {
	if locator == "" {
		return "", fmt.Errorf("%w: empty locator", crawler.ErrNavigation)
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, locator); err != nil {
			return "", fmt.Errorf("%w: %w", crawler.ErrNavigation, err)
		}
	}
	if err := t.acquire(ctx); err != nil {
		return "", err
	}

	tabCtx, tabCancel := chromedp.NewContext(t.allocator)
	// The first Run binds the tab to tabCtx; later runs use derived contexts.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		t.release()
		return "", fmt.Errorf("%w: open tab: %w", crawler.ErrNavigation, err)
	}
	navCtx, navCancel := context.WithTimeout(tabCtx, t.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, navCancel)
	err := chromedp.Run(navCtx, t.networkSetupAction(), chromedp.Navigate(locator))
	stop()
	navCancel()
	if err != nil {
		tabCancel()
		t.release()
		return "", fmt.Errorf("%w: navigate %s: %w", crawler.ErrNavigation, locator, err)
	}

	handle, err := t.ids.NewID()
	if err != nil {
		tabCancel()
		t.release()
		return "", fmt.Errorf("generate tab handle: %w", err)
	}
	t.mu.Lock()
	t.tabs[handle] = &tab{ctx: tabCtx, cancel: tabCancel, locator: locator}
	t.mu.Unlock()
	t.logger.Debug("tab opened", zap.String("handle", handle), zap.String("url", locator))
	return handle, nil
}

// ContentPresent reports whether the ready selector matches in the tab.
func (t *Target) ContentPresent(ctx context.Context, handle string) (bool, error) {
	var present bool
	if err := t.run(ctx, handle, chromedp.Evaluate(t.scripts.ready, &present)); err != nil {
		return false, err
	}
	return present, nil
}

// Extract evaluates the selectors in the tab and returns the page content.
func (t *Target) Extract(ctx context.Context, handle string) (crawler.Page, error) {
	var page crawler.Page
	if err := t.run(ctx, handle, chromedp.Evaluate(t.scripts.extract, &page)); err != nil {
		return crawler.Page{}, err
	}
	return page, nil
}

// Close closes the tab. Closing an unknown or already closed handle is a no-op.
func (t *Target) Close(_ context.Context, handle string) error {
	t.mu.Lock()
	tb, ok := t.tabs[handle]
	delete(t.tabs, handle)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	tb.cancel()
	t.release()
	t.logger.Debug("tab closed", zap.String("handle", handle))
	return nil
}

// OpenTabs reports how many tabs are currently open.
func (t *Target) OpenTabs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tabs)
}

// Shutdown closes every tab and the browser process.
func (t *Target) Shutdown() {
	t.mu.Lock()
	tabs := t.tabs
	t.tabs = make(map[string]*tab)
	t.mu.Unlock()
	for _, tb := range tabs {
		tb.cancel()
	}
	t.allocCancel()
}

func (t *Target) run(ctx context.Context, handle string, actions ...chromedp.Action) error {
	t.mu.Lock()
	tb, ok := t.tabs[handle]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", render.ErrUnknownHandle, handle)
	}
	runCtx, cancel := context.WithCancel(tb.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (t *Target) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if t.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(t.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (t *Target) acquire(ctx context.Context) error {
	if t.slots == nil {
		return nil
	}
	select {
	case t.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tab slot wait canceled: %w", ctx.Err())
	}
}

func (t *Target) release() {
	if t.slots == nil {
		return
	}
	select {
	case <-t.slots:
	default:
	}
}

type scripts struct {
	ready   string
	extract string
}

// buildScripts embeds the selectors as JSON string literals so arbitrary
// selector text cannot break out of the expression.
func buildScripts(sel render.Selectors) (scripts, error) {
	quote := func(s string) (string, error) {
		b, err := json.Marshal(s)
		if err != nil {
			return "", fmt.Errorf("encode selector %q: %w", s, err)
		}
		return string(b), nil
	}
	ready, err := quote(sel.Ready)
	if err != nil {
		return scripts{}, err
	}
	title, err := quote(sel.Title)
	if err != nil {
		return scripts{}, err
	}
	body, err := quote(sel.Body)
	if err != nil {
		return scripts{}, err
	}
	next, err := quote(sel.Next)
	if err != nil {
		return scripts{}, err
	}
	return scripts{
		ready: fmt.Sprintf(`document.querySelector(%s) !== null`, ready),
		extract: fmt.Sprintf(`(() => {
	const text = (el) => el ? (el.innerText || el.textContent || "").trim() : "";
	const body = Array.from(document.querySelectorAll(%[2]s)).map(text).filter(Boolean).join("\n\n");
	const next = document.querySelector(%[3]s);
	return {title: text(document.querySelector(%[1]s)), body: body, next_locator: next && next.href ? next.href : ""};
})()`, title, body, next),
	}, nil
}
