package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

func TestSupportScores(t *testing.T) {
	t.Parallel()

	httpEngine := NewHTTP(Config{})
	tlsEngine := NewTLS(Config{})

	cases := []struct {
		name     string
		req      crawler.ScrapeRequest
		httpWant int
		tlsWant  int
	}{
		{"plain", crawler.ScrapeRequest{}, 100, 50},
		{"screenshot", crawler.ScrapeRequest{Screenshot: true}, 0, 0},
		{"javascript", crawler.ScrapeRequest{RequireJS: true}, 10, 0},
		{"tls fingerprint", crawler.ScrapeRequest{TLSFingerprint: true}, 80, 100},
		{"mobile", crawler.ScrapeRequest{Mobile: true}, 80, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.httpWant, httpEngine.SupportScore(tc.req))
			assert.Equal(t, tc.tlsWant, tlsEngine.SupportScore(tc.req))
		})
	}
	assert.Equal(t, NameHTTP, httpEngine.Name())
	assert.Equal(t, NameTLS, tlsEngine.Name())
}

func TestBuildCollector(t *testing.T) {
	t.Parallel()

	e := NewHTTP(Config{UserAgent: "crawlq-test", Timeout: time.Second, MaxBodyBytes: 1024})
	collector := e.buildCollector(crawler.ScrapeRequest{URL: "https://example.com"}, time.Unix(0, 0),
		&crawler.ScrapeResponse{}, new(error))
	assert.Equal(t, "crawlq-test", collector.UserAgent)
	assert.True(t, collector.IgnoreRobotsTxt)
	assert.True(t, collector.AllowURLRevisit)
	assert.True(t, collector.ParseHTTPErrorResponse)
	assert.Equal(t, 1024, collector.MaxBodySize)

	mobile := e.buildCollector(crawler.ScrapeRequest{Mobile: true, UserAgent: "ignored"}, time.Unix(0, 0),
		&crawler.ScrapeResponse{}, new(error))
	assert.Equal(t, DefaultMobileUserAgent, mobile.UserAgent)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	e := NewTLS(Config{})
	req := crawler.ScrapeRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}, "Accept-Language": {"de"}},
	}
	var result crawler.ScrapeResponse
	var fetchErr error

	hooks := &stubHooks{}
	e.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	assert.Equal(t, "de", collyReq.Headers.Get("Accept-Language"), "caller headers override browser defaults")
	assert.Equal(t, "navigate", collyReq.Headers.Get("Sec-Fetch-Mode"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	assert.Equal(t, http.StatusCreated, result.StatusCode)
	assert.Equal(t, "body", string(result.Content))
	assert.Equal(t, "text/html", result.ContentType)
	assert.Equal(t, "https://example.com/final", result.URL)
	assert.Equal(t, NameTLS, result.Engine)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestScrapeReturnsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><body>" + r.UserAgent() + "</body></html>"))
		}
	}))
	defer srv.Close()

	e := NewHTTP(Config{UserAgent: "crawlq-test"})

	resp, err := e.Scrape(context.Background(), crawler.ScrapeRequest{URL: srv.URL + "/ok"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Content), "crawlq-test")
	assert.Equal(t, "text/html; charset=utf-8", resp.ContentType)

	resp, err = e.Scrape(context.Background(), crawler.ScrapeRequest{URL: srv.URL + "/busy"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestScrapeHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTP(Config{}).Scrape(ctx, crawler.ScrapeRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScrapeConnectionFailureIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	_, err := NewHTTP(Config{Timeout: time.Second}).Scrape(context.Background(), crawler.ScrapeRequest{URL: target})
	require.Error(t, err)
	var retryable *crawler.RetryableError
	assert.ErrorAs(t, err, &retryable)
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	collyReq := &colly.Request{Headers: &http.Header{}}
	copyHeaders(nil, collyReq)
	assert.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
