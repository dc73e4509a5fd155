// Package worker implements the lease, admit, fetch and settle loop that
// executes queued tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
	"github.com/JakeFAU/crawlq/internal/notify"
)

const (
	defaultPollInterval    = time.Second
	defaultLeaseDuration   = 5 * time.Minute
	defaultTaskTimeout     = 30 * time.Second
	defaultBacklogHold     = 30 * time.Second
	defaultBrowserEngine   = "browser"
	defaultThrottlePenalty = 30 * time.Second
	releaseTimeout         = 5 * time.Second
)

var tracer = otel.Tracer("github.com/JakeFAU/crawlq/internal/worker")

// Config controls a single worker loop. BacklogHold keeps a task denied
// admission out of AcquireNext until the backlog drain (or the hold) makes it
// eligible again. BrowserEngine names the engine used for headless promotion.
// ThrottlePenalty slows a host that answered 429 without a Retry-After.
type Config struct {
	ID              string
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	DefaultTimeout  time.Duration
	BacklogHold     time.Duration
	ThrottlePenalty time.Duration
	UserAgent       string
	ScreenshotCost  int64
	BrowserEngine   string
}

// Admitter gates tasks on per-team capacity.
type Admitter interface {
	TryAdmit(ctx context.Context, task crawler.Task) (func(), bool, error)
}

// Router picks an engine for a request.
type Router interface {
	Route(req crawler.ScrapeRequest) (crawler.Engine, error)
	Has(name string) bool
}

// Politeness spaces requests to one host.
type Politeness interface {
	Wait(ctx context.Context, rawURL string) error
	Penalize(rawURL string, d time.Duration)
}

// Discoverer expands crawl pages into child tasks.
type Discoverer interface {
	Discover(ctx context.Context, parent crawler.Task, page crawler.ScrapeResponse) ([]crawler.Task, error)
}

// Charger debits credits.
type Charger interface {
	CheckAndDeductQuota(
		ctx context.Context,
		team uuid.UUID,
		amount int64,
		kind crawler.CreditKind,
		description string,
		ref *uuid.UUID,
	) (crawler.CreditTransaction, error)
}

// RetryPolicy decides whether and when a failed task runs again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt, maxRetries int) bool
	Backoff(attempt int) time.Duration
}

// Deps are the collaborators of a Worker. Politeness, Detector, Discovery,
// Credits, Notifier, Crawls and the wake hooks are optional.
type Deps struct {
	Tasks      crawler.TaskStore
	Crawls     crawler.CrawlStore
	Admission  Admitter
	Router     Router
	Politeness Politeness
	Detector   crawler.HeadlessDetector
	Results    crawler.ResultSink
	Discovery  Discoverer
	Credits    Charger
	Notifier   notify.Emitter
	Retry      RetryPolicy
	Clock      crawler.Clock
	// WakeCh interrupts the idle poll wait.
	WakeCh <-chan struct{}
	// Wake is called after discovery created new tasks.
	Wake func()
}

// Worker leases tasks one at a time and drives them to a terminal state.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Worker, error) {
	if deps.Tasks == nil || deps.Admission == nil || deps.Router == nil || deps.Results == nil {
		return nil, errors.New("worker requires task store, admission, router and result sink")
	}
	if deps.Clock == nil || deps.Retry == nil {
		return nil, errors.New("worker requires clock and retry policy")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTaskTimeout
	}
	if cfg.BacklogHold <= 0 {
		cfg.BacklogHold = defaultBacklogHold
	}
	if cfg.ThrottlePenalty <= 0 {
		cfg.ThrottlePenalty = defaultThrottlePenalty
	}
	if cfg.BrowserEngine == "" {
		cfg.BrowserEngine = defaultBrowserEngine
	}
	if deps.Wake == nil {
		deps.Wake = func() {}
	}
	return &Worker{cfg: cfg, deps: deps, logger: logger.With(zap.String("worker_id", cfg.ID))}, nil
}

// ID returns the lease owner name.
func (w *Worker) ID() string { return w.cfg.ID }

// Run blocks, leasing and processing tasks until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")
	for ctx.Err() == nil {
		task, err := w.deps.Tasks.AcquireNext(ctx, w.cfg.ID, w.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("acquire task failed", zap.Error(err))
			if !w.idle(ctx) {
				return
			}
			continue
		}
		if task == nil {
			if !w.idle(ctx) {
				return
			}
			continue
		}
		metrics.ObserveAcquired()
		w.process(ctx, *task)
	}
}

// idle waits for the poll interval or a wake-up. It reports false once ctx is done.
func (w *Worker) idle(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-w.deps.WakeCh:
	}
	return true
}

func (w *Worker) process(ctx context.Context, task crawler.Task) {
	start := time.Now()
	logger := w.logger.With(
		zap.String("task_id", task.ID.String()),
		zap.String("kind", string(task.Kind)),
		zap.String("url", task.URL),
	)
	ctx, span := tracer.Start(ctx, "task.process", trace.WithAttributes(
		attribute.String("task.id", task.ID.String()),
		attribute.String("task.kind", string(task.Kind)),
		attribute.String("task.url", task.URL),
		attribute.Int("task.attempt", task.AttemptCount),
	))
	defer span.End()

	status := "panicked"
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			span.SetStatus(codes.Error, "panic")
			status = w.fail(ctx, task, crawler.Retryable(fmt.Errorf("panic: %v", r)), logger)
		}
		metrics.ObserveTaskFinished(string(task.Kind), status, time.Since(start))
	}()

	if task.Expired(w.deps.Clock.Now()) {
		status = w.markFailed(ctx, task, crawler.ErrTaskExpired.Error(), logger)
		return
	}

	release, admitted, err := w.deps.Admission.TryAdmit(ctx, task)
	if err != nil {
		logger.Warn("admission bookkeeping failed", zap.Error(err))
	}
	if !admitted {
		status = w.hold(ctx, task, logger)
		return
	}
	defer release()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	resp, record, err := w.execute(ctx, task, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status = w.fail(ctx, task, err, logger)
		return
	}
	span.SetAttributes(attribute.String("engine", resp.Engine), attribute.Int("http.status_code", resp.StatusCode))
	status = w.complete(ctx, task, record, logger)
}

// hold releases a task denied admission with a delay so it is not leased
// again in a tight loop.
func (w *Worker) hold(ctx context.Context, task crawler.Task, logger *zap.Logger) string {
	until := w.deps.Clock.Now().Add(w.cfg.BacklogHold)
	if err := w.deps.Tasks.Release(ctx, task.ID, task.Token(), &until); err != nil {
		if errors.Is(err, crawler.ErrLeaseLost) {
			logger.Info("task left the lease before it could be held")
			return "lease_lost"
		}
		logger.Error("release held task failed", zap.Error(err))
		return "error"
	}
	logger.Debug("task held for team capacity", zap.Time("until", until))
	return "held"
}

// execute fetches, persists and expands the task. The returned error is
// already classified retryable or terminal.
func (w *Worker) execute(
	ctx context.Context,
	task crawler.Task,
	logger *zap.Logger,
) (crawler.ScrapeResponse, crawler.ResultRecord, error) {
	opts, err := task.Options()
	if err != nil {
		return crawler.ScrapeResponse{}, crawler.ResultRecord{}, crawler.Terminal(err)
	}
	req := w.buildRequest(task, opts)

	resp, err := w.fetch(ctx, req, logger)
	if err != nil {
		return resp, crawler.ResultRecord{}, err
	}
	if err := w.checkStatus(resp, req.URL); err != nil {
		return resp, crawler.ResultRecord{}, err
	}

	record, err := w.deps.Results.Persist(ctx, w.buildRecord(task, opts, resp))
	if err != nil {
		return resp, record, crawler.Retryable(fmt.Errorf("persist result: %w", err))
	}

	if task.Kind == crawler.TaskKindCrawl && w.deps.Discovery != nil {
		children, err := w.deps.Discovery.Discover(ctx, task, resp)
		if err != nil {
			return resp, record, classify(fmt.Errorf("discover links: %w", err))
		}
		if len(children) > 0 {
			logger.Debug("discovered links", zap.Int("children", len(children)))
			w.deps.Wake()
		}
	}

	if opts.Screenshot && len(resp.Screenshot) > 0 {
		w.chargeScreenshot(ctx, task, logger)
	}
	return resp, record, nil
}

func (w *Worker) buildRequest(task crawler.Task, opts crawler.TaskOptions) crawler.ScrapeRequest {
	timeout := w.cfg.DefaultTimeout
	if opts.TimeoutMs > 0 && opts.TimeoutMs <= crawler.MaxTimeoutMs {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	var headers http.Header
	if len(opts.Headers) > 0 {
		headers = make(http.Header, len(opts.Headers))
		for k, v := range opts.Headers {
			headers.Set(k, v)
		}
	}
	return crawler.ScrapeRequest{
		TaskID:         task.ID,
		URL:            task.URL,
		Headers:        headers,
		Timeout:        timeout,
		UserAgent:      w.cfg.UserAgent,
		RequireJS:      opts.RequireJS,
		Screenshot:     opts.Screenshot,
		TLSFingerprint: opts.TLSFingerprint,
		Mobile:         opts.Mobile,
	}
}

func (w *Worker) fetch(ctx context.Context, req crawler.ScrapeRequest, logger *zap.Logger) (crawler.ScrapeResponse, error) {
	eng, err := w.deps.Router.Route(req)
	if err != nil {
		return crawler.ScrapeResponse{}, crawler.Terminal(err)
	}
	resp, err := w.scrape(ctx, eng, req)
	if err != nil {
		return resp, err
	}
	if promoted, ok := w.maybePromote(ctx, eng, req, resp, logger); ok {
		return promoted, nil
	}
	return resp, nil
}

func (w *Worker) scrape(ctx context.Context, eng crawler.Engine, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
	if w.deps.Politeness != nil {
		if err := w.deps.Politeness.Wait(ctx, req.URL); err != nil {
			return crawler.ScrapeResponse{}, fmt.Errorf("politeness wait: %w", err)
		}
	}
	scrapeCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	resp, err := eng.Scrape(scrapeCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return resp, fmt.Errorf("scrape with %s: %w", eng.Name(), ctx.Err())
		}
		return resp, classify(fmt.Errorf("scrape with %s: %w", eng.Name(), err))
	}
	if resp.Engine == "" {
		resp.Engine = eng.Name()
	}
	return resp, nil
}

// maybePromote re-fetches with a JS-capable engine when the first response
// looks like an unrendered application shell.
func (w *Worker) maybePromote(
	ctx context.Context,
	first crawler.Engine,
	req crawler.ScrapeRequest,
	resp crawler.ScrapeResponse,
	logger *zap.Logger,
) (crawler.ScrapeResponse, bool) {
	if req.RequireJS || w.deps.Detector == nil || first.Name() == w.cfg.BrowserEngine {
		return resp, false
	}
	if !w.deps.Router.Has(w.cfg.BrowserEngine) || !w.deps.Detector.ShouldPromote(resp) {
		return resp, false
	}
	req.RequireJS = true
	eng, err := w.deps.Router.Route(req)
	if err != nil || eng.Name() == first.Name() {
		return resp, false
	}
	promoted, err := w.scrape(ctx, eng, req)
	if err != nil {
		logger.Warn("headless promotion failed", zap.String("engine", eng.Name()), zap.Error(err))
		return resp, false
	}
	logger.Info("headless promotion applied", zap.String("engine", eng.Name()))
	return promoted, true
}

// statusError reports an upstream HTTP failure.
type statusError struct {
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.code)
}

// checkStatus maps 429 and 5xx to retryable failures and other 4xx to
// terminal ones. A 429 also slows the host down.
func (w *Worker) checkStatus(resp crawler.ScrapeResponse, rawURL string) error {
	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		after := retryAfter(resp.Headers.Get("Retry-After"), w.deps.Clock.Now())
		if w.deps.Politeness != nil {
			penalty := after
			if penalty <= 0 {
				penalty = w.cfg.ThrottlePenalty
			}
			w.deps.Politeness.Penalize(rawURL, penalty)
		}
		return crawler.Retryable(&statusError{code: code, retryAfter: after})
	case code >= 500:
		return crawler.Retryable(&statusError{code: code})
	case code >= 400:
		return crawler.Terminal(&statusError{code: code})
	default:
		return nil
	}
}

// retryAfter parses a Retry-After header in either delta-seconds or HTTP-date form.
func retryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func (w *Worker) buildRecord(task crawler.Task, opts crawler.TaskOptions, resp crawler.ScrapeResponse) crawler.ResultRecord {
	metadata := map[string]any{
		"engine":    resp.Engine,
		"final_url": resp.URL,
		"kind":      string(task.Kind),
	}
	if task.CrawlID != nil {
		metadata["crawl_id"] = task.CrawlID.String()
		metadata["depth"] = opts.Depth
	}
	if opts.Query != "" {
		metadata["query"] = opts.Query
	}
	if len(opts.ExtractSchema) > 0 {
		metadata["extract_schema"] = opts.ExtractSchema
	}
	return crawler.ResultRecord{
		TaskID:         task.ID,
		StatusCode:     resp.StatusCode,
		ContentType:    resp.ContentType,
		Headers:        resp.Headers,
		Content:        resp.Content,
		Screenshot:     resp.Screenshot,
		Metadata:       metadata,
		ResponseTimeMs: resp.Duration.Milliseconds(),
		CreatedAt:      w.deps.Clock.Now(),
	}
}

func (w *Worker) chargeScreenshot(ctx context.Context, task crawler.Task, logger *zap.Logger) {
	if w.deps.Credits == nil || w.cfg.ScreenshotCost <= 0 {
		return
	}
	ref := task.ID
	kind := crawler.CreditScrape
	if task.Kind == crawler.TaskKindCrawl {
		kind = crawler.CreditCrawl
	}
	if _, err := w.deps.Credits.CheckAndDeductQuota(ctx, task.TeamID, w.cfg.ScreenshotCost, kind, "screenshot surcharge", &ref); err != nil {
		logger.Warn("screenshot surcharge failed", zap.Int64("amount", w.cfg.ScreenshotCost), zap.Error(err))
	}
}

func (w *Worker) complete(ctx context.Context, task crawler.Task, record crawler.ResultRecord, logger *zap.Logger) string {
	if err := w.deps.Tasks.MarkCompleted(ctx, task.ID, task.Token()); err != nil {
		if errors.Is(err, crawler.ErrLeaseLost) {
			logger.Info("task was cancelled or reclaimed while running")
			return "lease_lost"
		}
		logger.Error("mark completed failed", zap.Error(err))
		return "error"
	}
	evt := notify.TaskEvent(notify.TaskCompleted, task, w.deps.Clock.Now())
	evt.StatusCode = record.StatusCode
	evt.ContentURI = record.ContentURI
	w.emit(evt)
	w.recordOutcome(ctx, task, true, logger)
	logger.Info("task completed", zap.Int("status_code", record.StatusCode), zap.String("content_uri", record.ContentURI))
	return string(crawler.TaskStatusCompleted)
}

// fail settles a task whose execution returned err.
func (w *Worker) fail(ctx context.Context, task crawler.Task, err error, logger *zap.Logger) string {
	if ctx.Err() != nil {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := w.deps.Tasks.Release(relCtx, task.ID, task.Token(), nil); relErr != nil &&
			!errors.Is(relErr, crawler.ErrLeaseLost) {
			logger.Warn("release on shutdown failed", zap.Error(relErr))
		}
		return "released"
	}
	if errors.Is(err, crawler.ErrLeaseLost) {
		logger.Info("task was cancelled or reclaimed while running")
		return "lease_lost"
	}

	if w.deps.Retry.ShouldRetry(err, task.AttemptCount, task.MaxRetries) {
		delay := w.deps.Retry.Backoff(task.AttemptCount)
		var se *statusError
		if errors.As(err, &se) && se.retryAfter > delay {
			delay = se.retryAfter
		}
		at := w.deps.Clock.Now().Add(delay)
		if reqErr := w.deps.Tasks.Requeue(ctx, task.ID, task.Token(), &at, err.Error()); reqErr != nil {
			if errors.Is(reqErr, crawler.ErrLeaseLost) {
				logger.Info("task was cancelled or reclaimed while running")
				return "lease_lost"
			}
			logger.Error("requeue failed", zap.Error(reqErr))
			return "error"
		}
		logger.Warn("task failed, retrying",
			zap.Int("attempt", task.AttemptCount+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		return "retried"
	}
	return w.markFailed(ctx, task, err.Error(), logger)
}

func (w *Worker) markFailed(ctx context.Context, task crawler.Task, reason string, logger *zap.Logger) string {
	if err := w.deps.Tasks.MarkFailed(ctx, task.ID, task.Token(), reason); err != nil {
		if errors.Is(err, crawler.ErrLeaseLost) {
			logger.Info("task was cancelled or reclaimed while running")
			return "lease_lost"
		}
		logger.Error("mark failed failed", zap.Error(err))
		return "error"
	}
	evt := notify.TaskEvent(notify.TaskFailed, task, w.deps.Clock.Now())
	evt.Error = reason
	w.emit(evt)
	w.recordOutcome(ctx, task, false, logger)
	logger.Warn("task failed", zap.String("reason", reason))
	return string(crawler.TaskStatusFailed)
}

// recordOutcome updates the crawl counters and announces the crawl once its
// last task finishes.
func (w *Worker) recordOutcome(ctx context.Context, task crawler.Task, completed bool, logger *zap.Logger) {
	if task.CrawlID == nil || w.deps.Crawls == nil {
		return
	}
	crawl, err := w.deps.Crawls.RecordOutcome(ctx, *task.CrawlID, completed)
	if err != nil {
		logger.Error("record crawl outcome failed", zap.String("crawl_id", task.CrawlID.String()), zap.Error(err))
		return
	}
	if crawl.Status == crawler.CrawlStatusCompleted && crawl.Completed+crawl.Failed == crawl.Total {
		logger.Info("crawl completed",
			zap.String("crawl_id", crawl.ID.String()),
			zap.Int("total", crawl.Total),
			zap.Int("failed", crawl.Failed),
		)
		w.emit(notify.CrawlEvent(crawl, w.deps.Clock.Now()))
	}
}

func (w *Worker) emit(evt notify.Event) {
	if w.deps.Notifier != nil {
		w.deps.Notifier.Emit(evt)
	}
}

// classify defaults unclassified failures to retryable.
func classify(err error) error {
	var retryable *crawler.RetryableError
	if crawler.IsTerminal(err) || errors.As(err, &retryable) {
		return err
	}
	return crawler.Retryable(err)
}
