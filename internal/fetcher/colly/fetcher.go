// Package collyfetcher implements the http and tls engines using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// Engine names.
const (
	NameHTTP = "http"
	NameTLS  = "tls"
)

const defaultTimeout = 30 * time.Second

// DefaultMobileUserAgent is sent when a request asks for mobile emulation.
const DefaultMobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) " +
	"AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	MobileUserAgent string
	Timeout         time.Duration
	MaxBodyBytes    int
}

// Engine implements crawler.Engine on top of a Colly collector.
type Engine struct {
	name          string
	cfg           Config
	hardened      bool
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewHTTP builds the plain HTTP engine.
func NewHTTP(cfg Config) *Engine {
	return newEngine(NameHTTP, cfg, newHTTPTransport(), false)
}

// NewTLS builds the engine with the hardened TLS transport and
// browser-like request headers.
func NewTLS(cfg Config) *Engine {
	return newEngine(NameTLS, cfg, newTLSTransport(), true)
}

func newEngine(name string, cfg Config, transport http.RoundTripper, hardened bool) *Engine {
	if cfg.MobileUserAgent == "" {
		cfg.MobileUserAgent = DefaultMobileUserAgent
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	return &Engine{
		name:          name,
		cfg:           cfg,
		hardened:      hardened,
		baseCollector: c,
	}
}

// Name implements crawler.Engine.
func (e *Engine) Name() string { return e.name }

// SupportScore implements crawler.Engine.
func (e *Engine) SupportScore(req crawler.ScrapeRequest) int {
	if e.hardened {
		switch {
		case req.RequireJS || req.Screenshot:
			return 0
		case req.TLSFingerprint:
			return 100
		default:
			return 50
		}
	}
	switch {
	case req.Screenshot:
		return 0
	case req.RequireJS:
		return 10
	case req.TLSFingerprint || req.Mobile:
		return 80
	default:
		return 100
	}
}

// Scrape executes a single GET using Colly. Any HTTP status is returned as
// a response; only transport failures are errors.
func (e *Engine) Scrape(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
	var (
		result   crawler.ScrapeResponse
		fetchErr error
	)
	start := time.Now()
	collector := e.buildCollector(req, start, &result, &fetchErr)

	if err := e.runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		return crawler.ScrapeResponse{}, err
	}
	return result, nil
}

func (e *Engine) buildCollector(
	req crawler.ScrapeRequest,
	start time.Time,
	result *crawler.ScrapeResponse,
	fetchErr *error,
) *colly.Collector {
	collector := e.baseCollector.Clone()
	collector.UserAgent = e.userAgent(req)
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	if e.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = e.cfg.MaxBodyBytes
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	e.configureCollectorHooks(collector, req, start, result, fetchErr)
	return collector
}

func (e *Engine) userAgent(req crawler.ScrapeRequest) string {
	switch {
	case req.Mobile:
		return e.cfg.MobileUserAgent
	case req.UserAgent != "":
		return req.UserAgent
	default:
		return e.cfg.UserAgent
	}
}

func (e *Engine) configureCollectorHooks(
	hooks collectorHooks,
	req crawler.ScrapeRequest,
	start time.Time,
	result *crawler.ScrapeResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if e.hardened {
			setBrowserHeaders(r)
		}
		copyHeaders(req.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.ScrapeResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: headers.Get("Content-Type"),
			Headers:     headers,
			Content:     append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
			Engine:      e.name,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (e *Engine) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s fetch canceled: %w", e.name, ctx.Err())
	case err := <-done:
		if err != nil {
			return classify(fmt.Errorf("%s visit failed: %w", e.name, err))
		}
		if *fetchErr != nil {
			return classify(fmt.Errorf("%s response failed: %w", e.name, *fetchErr))
		}
		return nil
	}
}

// classify marks malformed targets terminal and everything else retryable.
func classify(err error) error {
	if errors.Is(err, colly.ErrMissingURL) || errors.Is(err, colly.ErrForbiddenDomain) ||
		errors.Is(err, colly.ErrForbiddenURL) {
		return crawler.Terminal(err)
	}
	return crawler.Retryable(err)
}

func copyHeaders(src http.Header, r *colly.Request) {
	if src == nil {
		return
	}
	for key, values := range src {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func setBrowserHeaders(r *colly.Request) {
	r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	r.Headers.Set("Upgrade-Insecure-Requests", "1")
	r.Headers.Set("Sec-Fetch-Dest", "document")
	r.Headers.Set("Sec-Fetch-Mode", "navigate")
	r.Headers.Set("Sec-Fetch-Site", "none")
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

func newTLSTransport() *http.Transport {
	t := newHTTPTransport()
	t.ForceAttemptHTTP2 = true
	t.TLSClientConfig = &tls.Config{
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
	}
	return t
}
