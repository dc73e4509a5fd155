// Package headless contains the browser engine, which executes JavaScript
// via headless Chrome.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// Name is the engine name reported to the router.
const Name = "browser"

const (
	defaultNavTimeout = 45 * time.Second
	screenshotQuality = 90
	mobileWidth       = 390
	mobileHeight      = 844
	mobileScale       = 3
)

// Config controls the behavior of the browser engine.
type Config struct {
	MaxParallel       int
	UserAgent         string
	MobileUserAgent   string
	NavigationTimeout time.Duration
	// SettleDelay is waited after the body is ready so client-side
	// rendering can finish.
	SettleDelay time.Duration
}

// Engine implements crawler.Engine using chromedp and headless Chrome.
type Engine struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a browser engine backed by chromedp.
func NewChromedp(cfg Config) (*Engine, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Engine{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and shuts Chrome down.
func (e *Engine) Close() {
	e.allocCancel()
}

// Name implements crawler.Engine.
func (e *Engine) Name() string { return Name }

// SupportScore implements crawler.Engine.
func (e *Engine) SupportScore(req crawler.ScrapeRequest) int {
	if req.RequireJS || req.Screenshot || req.Mobile {
		return 100
	}
	return 10
}

// Scrape navigates with a headless browser and returns the rendered DOM,
// plus a full-page screenshot when requested.
func (e *Engine) Scrape(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
	if err := e.acquire(ctx); err != nil {
		return crawler.ScrapeResponse{}, err
	}
	defer e.release()

	taskCtx, taskCancel := chromedp.NewContext(e.allocator)
	defer taskCancel()

	timeout := e.cfg.NavigationTimeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	page, err := e.runHeadless(taskCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.ScrapeResponse{}, fmt.Errorf("browser fetch canceled: %w", ctx.Err())
		}
		return crawler.ScrapeResponse{}, crawler.Retryable(err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(req.URL, page.finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	contentType := headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}

	return crawler.ScrapeResponse{
		URL:         responseURL,
		StatusCode:  status,
		ContentType: contentType,
		Headers:     headers,
		Content:     []byte(page.html),
		Screenshot:  page.screenshot,
		Duration:    time.Since(start),
		Engine:      Name,
	}, nil
}

type renderedPage struct {
	html       string
	finalURL   string
	screenshot []byte
}

func (e *Engine) runHeadless(ctx context.Context, req crawler.ScrapeRequest) (renderedPage, error) {
	var page renderedPage
	actions := []chromedp.Action{
		e.networkSetupAction(req),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(e.cfg.SettleDelay),
		chromedp.Location(&page.finalURL),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	}
	if req.Screenshot {
		actions = append(actions, chromedp.FullScreenshot(&page.screenshot, screenshotQuality))
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

func (e *Engine) networkSetupAction(req crawler.ScrapeRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := e.userAgent(req); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if req.Mobile {
			if err := emulation.SetDeviceMetricsOverride(mobileWidth, mobileHeight, mobileScale, true).Do(ctx); err != nil {
				return fmt.Errorf("set device metrics: %w", err)
			}
			if err := emulation.SetTouchEmulationEnabled(true).Do(ctx); err != nil {
				return fmt.Errorf("enable touch emulation: %w", err)
			}
		}
		if len(req.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(req.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (e *Engine) userAgent(req crawler.ScrapeRequest) string {
	switch {
	case req.Mobile && e.cfg.MobileUserAgent != "":
		return e.cfg.MobileUserAgent
	case req.UserAgent != "":
		return req.UserAgent
	default:
		return e.cfg.UserAgent
	}
}

func (e *Engine) acquire(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	select {
	case e.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (e *Engine) release() {
	if e.limiter == nil {
		return
	}
	select {
	case <-e.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

// capture keeps the last document response, which follows redirects.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
