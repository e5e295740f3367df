// Package extraction pulls structured content from a ready page, retrying
// transient failures at a constant delay up to a fixed attempt budget.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/crawler"
	"github.com/JakeFAU/serialcrawler/internal/metrics"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxAttempts = 30
	DefaultDelay       = time.Second
)

var errEmptyPage = errors.New("page has no title or body")

// Config bounds the retry loop. Worst-case stall is
// MaxAttempts * (Delay + AttemptTimeout).
type Config struct {
	MaxAttempts int
	Delay       time.Duration
	// AttemptTimeout caps a single Extract call. Zero selects Delay.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = c.Delay
	}
	return c
}

// ExhaustedError reports that every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", crawler.ErrExtractionExhausted, e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last underlying failure.
func (e *ExhaustedError) Unwrap() []error {
	return []error{crawler.ErrExtractionExhausted, e.Last}
}

// Retrier wraps RenderTarget.Extract with bounded retries.
type Retrier struct {
	target crawler.RenderTarget
	cfg    Config
	logger *zap.Logger
}

// NewRetrier builds a Retrier.
func NewRetrier(target crawler.RenderTarget, cfg Config, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{target: target, cfg: cfg.withDefaults(), logger: logger}
}

// Config returns the effective configuration after defaults.
func (r *Retrier) Config() Config {
	return r.cfg
}

// Extract returns the first successful extraction. An empty page or an attempt
// that outlives AttemptTimeout counts as a failed attempt. Cancellation of ctx
// ends the loop with ctx's error.
func (r *Retrier) Extract(ctx context.Context, handle string) (crawler.Page, error) {
	var (
		page     crawler.Page
		attempts int
	)
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
		p, err := r.target.Extract(attemptCtx, handle)
		if err != nil {
			return fmt.Errorf("extract %s: %w", handle, err)
		}
		if p.Title == "" && p.Body == "" {
			return errEmptyPage
		}
		page = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("extraction attempt failed",
			zap.String("handle", handle),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	b := backoff.WithMaxRetries(
		backoff.WithContext(backoff.NewConstantBackOff(r.cfg.Delay), ctx),
		uint64(r.cfg.MaxAttempts-1),
	)
	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		metrics.ObserveExtraction("success", attempts)
		return page, nil
	case ctx.Err() != nil:
		metrics.ObserveExtraction("canceled", attempts)
		return crawler.Page{}, fmt.Errorf("extraction canceled after %d attempts: %w", attempts, ctx.Err())
	default:
		metrics.ObserveExtraction("exhausted", attempts)
		return crawler.Page{}, &ExhaustedError{Attempts: attempts, Last: err}
	}
}
