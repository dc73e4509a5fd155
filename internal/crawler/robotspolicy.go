package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// RobotsEnforcer answers robots.txt questions, caching one document per scheme+host.
type RobotsEnforcer struct {
	client *http.Client
	cache  sync.Map
	logger *zap.Logger
}

// NewRobotsEnforcer builds a RobotsPolicy. When respect is false every URL is
// allowed and no crawl-delay is reported.
func NewRobotsEnforcer(respect bool, client *http.Client, logger *zap.Logger) RobotsPolicy {
	if !respect {
		return allowAllPolicy{}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsEnforcer{client: client, logger: logger}
}

// Allowed implements RobotsPolicy. Fetch failures allow access.
func (r *RobotsEnforcer) Allowed(ctx context.Context, rawURL, userAgent string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	group, ok := r.group(ctx, parsed, userAgent)
	if !ok {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

// CrawlDelay implements RobotsPolicy.
func (r *RobotsEnforcer) CrawlDelay(ctx context.Context, rawURL, userAgent string) (time.Duration, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	group, ok := r.group(ctx, parsed, userAgent)
	if !ok || group.CrawlDelay <= 0 {
		return 0, false
	}
	return group.CrawlDelay, true
}

func (r *RobotsEnforcer) group(ctx context.Context, parsed *url.URL, userAgent string) (*robotstxt.Group, bool) {
	data, err := r.load(ctx, parsed, userAgent)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return nil, false
	}
	group := data.FindGroup(userAgent)
	if group == nil {
		return nil, false
	}
	return group, true
}

func (r *RobotsEnforcer) load(ctx context.Context, parsed *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := r.cache.Load(hostKey); ok {
		cached, assertOK := data.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", data)
		}
		return cached, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	r.cache.Store(hostKey, data)
	return data, nil
}

type allowAllPolicy struct{}

func (allowAllPolicy) Allowed(context.Context, string, string) bool { return true }

func (allowAllPolicy) CrawlDelay(context.Context, string, string) (time.Duration, bool) {
	return 0, false
}
