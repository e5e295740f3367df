// Package ratelimit implements a per-domain token bucket that budgets page
// navigations.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/serialcrawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS is the per-domain navigation rate; <= 0 disables limiting.
	DefaultRPS   float64
	DefaultBurst int
	// MaxDomains caps how many host buckets are kept. The least recently
	// used host starts over with a full bucket once evicted.
	MaxDomains int
}

const defaultMaxDomains = 1024

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     *lru.Cache[string, *rate.Limiter]
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	size := cfg.MaxDomains
	if size <= 0 {
		size = defaultMaxDomains
	}
	// lru.New only fails on a non-positive size.
	limiters, _ := lru.New[string, *rate.Limiter](size)
	return &Limiter{
		limiters:     limiters,
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the locator's host, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, locator string) error {
	if l == nil {
		return nil
	}
	domain := hostOf(locator)
	limiter := l.forDomain(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not interesting; only record real delays.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, d)
	}
	return nil
}

// Domains reports how many distinct hosts have a bucket.
func (l *Limiter) Domains() int {
	return l.limiters.Len()
}

func (l *Limiter) forDomain(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters.Get(domain)
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters.Add(domain, limiter)
	}
	return limiter
}

func hostOf(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
