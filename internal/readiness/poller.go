// Package readiness decides when a dynamically rendered page has settled.
//
// A page is ready once its content is present and two consecutive polls
// produce the same fingerprint of title, body and next link. The poll interval
// grows with elapsed time and the wait is bounded by a hard timeout.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/hash/xxhash"
	"github.com/JakeFAU/serialcrawler/internal/metrics"
)

// Defaults applied when Config fields are zero.
const (
	DefaultTimeout      = 60 * time.Second
	DefaultBaseInterval = 500 * time.Millisecond
	DefaultMaxInterval  = 2 * time.Second
	DefaultSlope        = 10
)

var (
	errNotPresent = errors.New("content not present")
	errUnstable   = errors.New("content still changing")
)

// Config bounds the polling schedule.
type Config struct {
	Timeout      time.Duration
	BaseInterval time.Duration
	MaxInterval  time.Duration
	// Slope divides elapsed time before it is added to BaseInterval.
	Slope int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = c.BaseInterval
	}
	if c.Slope <= 0 {
		c.Slope = DefaultSlope
	}
	return c
}

// Fingerprinter digests page parts into a comparable string.
type Fingerprinter interface {
	HashStrings(parts ...string) string
}

// Poller waits for a render target to become ready.
type Poller struct {
	target crawler.RenderTarget
	cfg    Config
	fp     Fingerprinter
	logger *zap.Logger
	now    func() time.Time
}

// NewPoller builds a Poller. A nil fingerprinter selects xxHash.
func NewPoller(target crawler.RenderTarget, cfg Config, fp Fingerprinter, logger *zap.Logger) *Poller {
	if fp == nil {
		fp = xxhash.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		target: target,
		cfg:    cfg.withDefaults(),
		fp:     fp,
		logger: logger,
		now:    time.Now,
	}
}

// Config returns the effective configuration after defaults.
func (p *Poller) Config() Config {
	return p.cfg
}

// WaitUntilReady polls handle until its content is stable. It returns false on
// timeout or when ctx is canceled. Render target errors count as "not yet".
// Render target calls share the Timeout deadline, so a call that never
// returns still ends the wait.
func (p *Poller) WaitUntilReady(ctx context.Context, handle string) bool {
	start := p.now()
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	var (
		last  string
		polls int
	)
	op := func() error {
		polls++
		present, err := p.target.ContentPresent(waitCtx, handle)
		if err != nil {
			last = ""
			p.logger.Debug("readiness probe failed", zap.String("handle", handle), zap.Error(err))
			return fmt.Errorf("content present: %w", err)
		}
		if !present {
			last = ""
			return errNotPresent
		}
		page, err := p.target.Extract(waitCtx, handle)
		if err != nil {
			last = ""
			p.logger.Debug("readiness extract failed", zap.String("handle", handle), zap.Error(err))
			return fmt.Errorf("extract: %w", err)
		}
		fp := p.fp.HashStrings(page.Title, page.Body, page.NextLocator)
		if last != "" && fp == last {
			return nil
		}
		last = fp
		return errUnstable
	}

	b := backoff.WithContext(&escalatingBackOff{cfg: p.cfg, now: p.now}, waitCtx)
	err := backoff.Retry(op, b)
	elapsed := p.now().Sub(start)
	switch {
	case err == nil:
		metrics.ObserveReadiness("ready", elapsed)
		p.logger.Debug("content ready", zap.String("handle", handle), zap.Int("polls", polls), zap.Duration("elapsed", elapsed))
		return true
	case ctx.Err() != nil:
		metrics.ObserveReadiness("canceled", elapsed)
		return false
	default:
		metrics.ObserveReadiness("timeout", elapsed)
		p.logger.Info("content never stabilized",
			zap.String("handle", handle),
			zap.Int("polls", polls),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return false
	}
}

// escalatingBackOff yields min(MaxInterval, BaseInterval + elapsed/Slope),
// clamped to the time left before Timeout, and Stop once Timeout has passed.
type escalatingBackOff struct {
	cfg   Config
	now   func() time.Time
	start time.Time
}

func (b *escalatingBackOff) Reset() {
	b.start = b.now()
}

func (b *escalatingBackOff) NextBackOff() time.Duration {
	if b.start.IsZero() {
		b.Reset()
	}
	elapsed := b.now().Sub(b.start)
	remaining := b.cfg.Timeout - elapsed
	if remaining <= 0 {
		return backoff.Stop
	}
	next := b.cfg.BaseInterval + elapsed/time.Duration(b.cfg.Slope)
	if next > b.cfg.MaxInterval {
		next = b.cfg.MaxInterval
	}
	if next > remaining {
		next = remaining
	}
	return next
}
