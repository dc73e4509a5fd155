// Package ratelimit implements per-host politeness for outbound fetches.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// Limiter manages one token bucket per host, plus a per-host cool-down set
// after the host answers 429.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	notBefore    map[string]time.Time
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter. A non-positive RPS disables throttling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		notBefore:    make(map[string]time.Time),
		defaultRate:  r,
		defaultBurst: burst,
		now:          time.Now,
	}
}

// Wait blocks until the host of rawURL may be fetched, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := hostKey(rawURL)

	l.mu.Lock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	coolDown := l.notBefore[domain].Sub(l.now())
	l.mu.Unlock()

	start := time.Now()
	if coolDown > 0 {
		timer := time.NewTimer(coolDown)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("politeness wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePolitenessDelay(domain, waited)
	}
	return nil
}

// Penalize holds further fetches of the host until d has elapsed. Shorter
// penalties never shrink an existing one.
func (l *Limiter) Penalize(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	domain := hostKey(rawURL)
	until := l.now().Add(d)

	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.notBefore[domain]) {
		l.notBefore[domain] = until
	}
}

func hostKey(rawURL string) string {
	if host := crawler.HostOf(rawURL); host != "" {
		return host
	}
	return "unknown"
}
