package admission

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// WindowCounter increments a counter that expires after window and returns
// the new value.
type WindowCounter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	Window       time.Duration
	DefaultLimit int64
	// Limits overrides DefaultLimit per credential.
	Limits    map[string]int64
	KeyPrefix string
}

// RateLimiter enforces a fixed window per API credential across every
// replica sharing the counter.
type RateLimiter struct {
	counter WindowCounter
	cfg     RateLimitConfig
	clock   crawler.Clock
}

// NewRateLimiter builds a RateLimiter.
func NewRateLimiter(counter WindowCounter, cfg RateLimitConfig, clock crawler.Clock) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit"
	}
	if clock == nil {
		clock = system.New()
	}
	return &RateLimiter{counter: counter, cfg: cfg, clock: clock}
}

// LimitFor returns the effective limit for credential. Zero means unlimited.
func (r *RateLimiter) LimitFor(credential string) int64 {
	if limit, ok := r.cfg.Limits[credential]; ok {
		return limit
	}
	return r.cfg.DefaultLimit
}

// Allow counts one request. It returns *crawler.RateLimitExceededError once
// the credential exceeds its limit in the current window.
func (r *RateLimiter) Allow(ctx context.Context, credential string) error {
	limit := r.LimitFor(credential)
	if limit <= 0 {
		return nil
	}
	now := r.clock.Now()
	windowStart := now.Truncate(r.cfg.Window)
	key := r.cfg.KeyPrefix + ":" + credential + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	count, err := r.counter.Incr(ctx, key, r.cfg.Window)
	if err != nil {
		return fmt.Errorf("increment rate window: %w", err)
	}
	if count > limit {
		metrics.ObserveRateLimitRejection()
		return &crawler.RateLimitExceededError{
			Key:        credential,
			Limit:      limit,
			RetryAfter: windowStart.Add(r.cfg.Window).Sub(now),
		}
	}
	return nil
}

// MemoryCounter is a single-process WindowCounter.
type MemoryCounter struct {
	mu      sync.Mutex
	clock   crawler.Clock
	entries map[string]memoryWindow
}

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounter builds a MemoryCounter.
func NewMemoryCounter(clock crawler.Clock) *MemoryCounter {
	if clock == nil {
		clock = system.New()
	}
	return &MemoryCounter{clock: clock, entries: make(map[string]memoryWindow)}
}

// Incr implements WindowCounter. Expired windows are pruned on access.
func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for k, w := range m.entries {
		if !w.expiresAt.After(now) {
			delete(m.entries, k)
		}
	}
	w, ok := m.entries[key]
	if !ok {
		w = memoryWindow{expiresAt: now.Add(window)}
	}
	w.count++
	m.entries[key] = w
	return w.count, nil
}
