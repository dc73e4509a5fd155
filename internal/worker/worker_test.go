package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/admission"
	"github.com/JakeFAU/crawlq/internal/clock/manual"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/discovery"
	"github.com/JakeFAU/crawlq/internal/engine"
	"github.com/JakeFAU/crawlq/internal/hash/sha256"
	uuidgen "github.com/JakeFAU/crawlq/internal/id/uuid"
	"github.com/JakeFAU/crawlq/internal/notify"
	"github.com/JakeFAU/crawlq/internal/storage"
	"github.com/JakeFAU/crawlq/internal/storage/memory"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeEngine struct {
	name   string
	score  func(crawler.ScrapeRequest) int
	scrape func(context.Context, crawler.ScrapeRequest) (crawler.ScrapeResponse, error)
	calls  atomic.Int64
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) SupportScore(req crawler.ScrapeRequest) int {
	if e.score == nil {
		return 100
	}
	return e.score(req)
}

func (e *fakeEngine) Scrape(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
	e.calls.Add(1)
	return e.scrape(ctx, req)
}

func pageEngine(status int, body string) *fakeEngine {
	return &fakeEngine{
		name: "http",
		scrape: func(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
			return crawler.ScrapeResponse{
				URL:         req.URL,
				StatusCode:  status,
				ContentType: "text/html",
				Headers:     http.Header{},
				Content:     []byte(body),
				Duration:    10 * time.Millisecond,
			}, nil
		},
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingEmitter) Emit(evt notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Types() []notify.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fakePoliteness struct {
	mu        sync.Mutex
	waits     int
	penalties map[string]time.Duration
}

func (p *fakePoliteness) Wait(ctx context.Context, _ string) error {
	p.mu.Lock()
	p.waits++
	p.mu.Unlock()
	return ctx.Err()
}

func (p *fakePoliteness) Penalize(rawURL string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.penalties == nil {
		p.penalties = map[string]time.Duration{}
	}
	p.penalties[rawURL] = d
}

type detectorFunc func(crawler.ScrapeResponse) bool

func (f detectorFunc) ShouldPromote(resp crawler.ScrapeResponse) bool { return f(resp) }

type fixture struct {
	worker     *Worker
	deps       Deps
	tasks      *memory.TaskStore
	crawls     *memory.CrawlStore
	results    *memory.ResultStore
	backlog    *memory.BacklogStore
	ledger     *memory.CreditLedger
	sems       *admission.Semaphores
	clock      *manual.Clock
	events     *recordingEmitter
	politeness *fakePoliteness
	wakes      *atomic.Int64
}

func newFixture(t *testing.T, cfg Config, engines ...crawler.Engine) *fixture {
	t.Helper()
	clk := manual.New(epoch)
	ids := uuidgen.New()
	tasks := memory.NewTaskStore(clk)
	crawls := memory.NewCrawlStore(clk)
	results := memory.NewResultStore()
	backlogStore := memory.NewBacklogStore(clk)
	ledger := memory.NewCreditLedger(ids, clk)
	sems := admission.NewSemaphores(1, nil)
	backlog := admission.NewBacklog(backlogStore, tasks, sems, ids, clk, nil, zap.NewNop())
	sink, err := storage.NewResultSink(memory.NewBlobStore(), results, sha256.New(), zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		tasks:      tasks,
		crawls:     crawls,
		results:    results,
		backlog:    backlogStore,
		ledger:     ledger,
		sems:       sems,
		clock:      clk,
		events:     &recordingEmitter{},
		politeness: &fakePoliteness{},
		wakes:      &atomic.Int64{},
	}
	f.deps = Deps{
		Tasks:      tasks,
		Crawls:     crawls,
		Admission:  admission.NewController(sems, backlog, 0),
		Router:     engine.NewRouter(engines...),
		Politeness: f.politeness,
		Results:    sink,
		Discovery:  discovery.New(tasks, crawls, nil, ids, clk, discovery.Config{}, zap.NewNop()),
		Credits:    admission.NewQuota(ledger),
		Notifier:   f.events,
		Retry:      crawler.NewExponentialRetryPolicy(time.Second, time.Minute),
		Clock:      clk,
		Wake:       func() { f.wakes.Add(1) },
	}
	if cfg.ID == "" {
		cfg.ID = "worker-test"
	}
	f.worker, err = New(cfg, f.deps, zap.NewNop())
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(t *testing.T, task crawler.Task) crawler.Task {
	t.Helper()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.TeamID == uuid.Nil {
		task.TeamID = uuid.New()
	}
	if task.Kind == "" {
		task.Kind = crawler.TaskKindScrape
	}
	if task.URL == "" {
		task.URL = "https://example.com/page"
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = crawler.DefaultMaxRetries
	}
	created, err := f.tasks.Create(context.Background(), task)
	require.NoError(t, err)
	return created
}

func (f *fixture) acquire(t *testing.T) crawler.Task {
	t.Helper()
	task, err := f.tasks.AcquireNext(context.Background(), "worker-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	return *task
}

func (f *fixture) get(t *testing.T, id uuid.UUID) crawler.Task {
	t.Helper()
	task, err := f.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestProcessCompletesTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, pageEngine(http.StatusOK, "<html><body>hello</body></html>"))
	task := f.submit(t, crawler.Task{})

	f.worker.process(context.Background(), f.acquire(t))

	got := f.get(t, task.ID)
	assert.Equal(t, crawler.TaskStatusCompleted, got.Status)
	assert.Nil(t, got.LeaseToken)

	record, err := f.results.Result(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, record.StatusCode)
	assert.NotEmpty(t, record.ContentURI)
	assert.Equal(t, "http", record.Metadata["engine"])

	assert.Equal(t, []notify.Type{notify.TaskCompleted}, f.events.Types())
	assert.True(t, f.sems.HasCapacity(task.TeamID), "team slot is released")
	assert.Equal(t, 1, f.politeness.waits)
}

func TestProcessHoldsTaskWhenTeamIsFull(t *testing.T) {
	t.Parallel()

	eng := pageEngine(http.StatusOK, "ok")
	f := newFixture(t, Config{BacklogHold: time.Minute}, eng)
	task := f.submit(t, crawler.Task{})
	require.True(t, f.sems.TryAcquire(task.TeamID))

	f.worker.process(context.Background(), f.acquire(t))

	got := f.get(t, task.ID)
	assert.Equal(t, crawler.TaskStatusQueued, got.Status)
	assert.Zero(t, got.AttemptCount)
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, epoch.Add(time.Minute), *got.ScheduledAt)
	assert.Zero(t, eng.calls.Load())

	entry, err := f.backlog.FindByTaskID(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, crawler.BacklogPending, entry.Status)
}

func TestProcessRequeuesRetryableStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, pageEngine(http.StatusServiceUnavailable, "busy"))
	task := f.submit(t, crawler.Task{MaxRetries: 1})

	f.worker.process(context.Background(), f.acquire(t))

	got := f.get(t, task.ID)
	assert.Equal(t, crawler.TaskStatusQueued, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.LastError, "503")
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.After(epoch))
	assert.Empty(t, f.events.Types())

	f.clock.Advance(time.Minute)
	f.worker.process(context.Background(), f.acquire(t))

	got = f.get(t, task.ID)
	assert.Equal(t, crawler.TaskStatusFailed, got.Status, "retry budget exhausted")
	assert.Equal(t, []notify.Type{notify.TaskFailed}, f.events.Types())
}

func TestProcessFailsClientErrorsWithoutRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, pageEngine(http.StatusNotFound, "missing"))
	task := f.submit(t, crawler.Task{})

	f.worker.process(context.Background(), f.acquire(t))

	got := f.get(t, task.ID)
	assert.Equal(t, crawler.TaskStatusFailed, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Contains(t, got.LastError, "404")
}

func TestProcessHonorsRetryAfterOn429(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		name: "http",
		scrape: func(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
			return crawler.ScrapeResponse{
				URL:        req.URL,
				StatusCode: http.StatusTooManyRequests,
				Headers:    http.Header{"Retry-After": []string{"120"}},
			}, nil
		},
	}
	f := newFixture(t, Config{}, eng)
	task := f.submit(t, crawler.Task{})

	f.worker.process(context.Background(), f.acquire(t))

	got := f.get(t, task.ID)
	assert.Equal(t, crawler.TaskStatusQueued, got.Status)
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, epoch.Add(2*time.Minute), *got.ScheduledAt)
	assert.Equal(t, 2*time.Minute, f.politeness.penalties[task.URL])
}

func TestProcessNoEngineIsTerminal(t *testing.T) {
	t.Parallel()

	eng := pageEngine(http.StatusOK, "ok")
	eng.score = func(crawler.ScrapeRequest) int { return 0 }
	f := newFixture(t, Config{}, eng)
	task := f.submit(t, crawler.Task{})

	f.worker.process(context.Background(), f.acquire(t))

	got := f.get(t, task.ID)
	assert.Equal(t, crawler.TaskStatusFailed, got.Status)
	assert.Contains(t, got.LastError, crawler.ErrNoEngineAvailable.Error())
}

func TestProcessPromotesToBrowser(t *testing.T) {
	t.Parallel()

	plain := pageEngine(http.StatusOK, `<div id="root"></div>`)
	plain.score = func(req crawler.ScrapeRequest) int {
		if req.RequireJS {
			return 10
		}
		return 100
	}
	browser := &fakeEngine{
		name: "browser",
		score: func(req crawler.ScrapeRequest) int {
			if req.RequireJS {
				return 100
			}
			return 10
		},
		scrape: func(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
			return crawler.ScrapeResponse{URL: req.URL, StatusCode: http.StatusOK, Content: []byte("<p>rendered</p>")}, nil
		},
	}
	f := newFixture(t, Config{}, plain, browser)
	f.worker.deps.Detector = detectorFunc(func(resp crawler.ScrapeResponse) bool {
		return string(resp.Content) == `<div id="root"></div>`
	})
	task := f.submit(t, crawler.Task{})

	f.worker.process(context.Background(), f.acquire(t))

	record, err := f.results.Result(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "browser", record.Metadata["engine"])
	assert.Equal(t, int64(1), plain.calls.Load())
	assert.Equal(t, int64(1), browser.calls.Load())
}

func TestProcessPromotionFailureKeepsFirstResponse(t *testing.T) {
	t.Parallel()

	plain := pageEngine(http.StatusOK, "shell")
	plain.score = func(req crawler.ScrapeRequest) int {
		if req.RequireJS {
			return 10
		}
		return 100
	}
	browser := &fakeEngine{
		name:  "browser",
		score: func(crawler.ScrapeRequest) int { return 50 },
		scrape: func(context.Context, crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
			return crawler.ScrapeResponse{}, errors.New("chrome crashed")
		},
	}
	f := newFixture(t, Config{}, plain, browser)
	f.worker.deps.Detector = detectorFunc(func(crawler.ScrapeResponse) bool { return true })
	task := f.submit(t, crawler.Task{})

	f.worker.process(context.Background(), f.acquire(t))

	assert.Equal(t, crawler.TaskStatusCompleted, f.get(t, task.ID).Status)
	record, err := f.results.Result(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "http", record.Metadata["engine"])
}

func TestProcessCrawlDiscoversChildren(t *testing.T) {
	t.Parallel()

	body := `<html><body><a href="/a">a</a><a href="/b">b</a><a href="mailto:x@y.z">m</a></body></html>`
	f := newFixture(t, Config{}, pageEngine(http.StatusOK, body))
	ctx := context.Background()
	crawl, err := f.crawls.Create(ctx, crawler.CrawlJob{ID: uuid.New(), TeamID: uuid.New(), RootURL: "https://example.com/", Total: 1})
	require.NoError(t, err)
	opts, err := crawler.TaskOptions{MaxDepth: 2}.Encode()
	require.NoError(t, err)
	root := f.submit(t, crawler.Task{
		TeamID: crawl.TeamID, Kind: crawler.TaskKindCrawl, URL: "https://example.com/", CrawlID: &crawl.ID, Payload: opts,
	})

	f.worker.process(ctx, f.acquire(t))

	assert.Equal(t, crawler.TaskStatusCompleted, f.get(t, root.ID).Status)
	children, err := f.tasks.FindByCrawlID(ctx, crawl.ID)
	require.NoError(t, err)
	assert.Len(t, children, 3, "root plus two children")
	assert.Equal(t, int64(1), f.wakes.Load())

	got, err := f.crawls.Get(ctx, crawl.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 1, got.Completed)
	assert.Equal(t, crawler.CrawlStatusRunning, got.Status)
	assert.Equal(t, []notify.Type{notify.TaskCompleted}, f.events.Types())
}

func TestProcessEmitsCrawlCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, pageEngine(http.StatusOK, "<p>no links</p>"))
	ctx := context.Background()
	crawl, err := f.crawls.Create(ctx, crawler.CrawlJob{ID: uuid.New(), TeamID: uuid.New(), RootURL: "https://example.com/", Total: 1})
	require.NoError(t, err)
	f.submit(t, crawler.Task{TeamID: crawl.TeamID, Kind: crawler.TaskKindCrawl, URL: "https://example.com/", CrawlID: &crawl.ID})

	f.worker.process(ctx, f.acquire(t))

	got, err := f.crawls.Get(ctx, crawl.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusCompleted, got.Status)
	assert.Equal(t, []notify.Type{notify.TaskCompleted, notify.CrawlCompleted}, f.events.Types())
}

func TestProcessFailsExpiredTask(t *testing.T) {
	t.Parallel()

	eng := pageEngine(http.StatusOK, "ok")
	f := newFixture(t, Config{}, eng)
	expires := epoch.Add(time.Minute)
	task := f.submit(t, crawler.Task{ExpiresAt: &expires})
	leased := f.acquire(t)
	f.clock.Advance(2 * time.Minute)

	f.worker.process(context.Background(), leased)

	got := f.get(t, task.ID)
	assert.Equal(t, crawler.TaskStatusFailed, got.Status)
	assert.Equal(t, "task expired", got.LastError)
	assert.Zero(t, eng.calls.Load())
}

func TestProcessTreatsCancellationAsLeaseLoss(t *testing.T) {
	t.Parallel()

	var f *fixture
	eng := &fakeEngine{
		name: "http",
		scrape: func(ctx context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
			require.NoError(t, f.tasks.MarkCancelled(ctx, req.TaskID))
			return crawler.ScrapeResponse{URL: req.URL, StatusCode: http.StatusOK, Content: []byte("ok")}, nil
		},
	}
	f = newFixture(t, Config{}, eng)
	task := f.submit(t, crawler.Task{})

	f.worker.process(context.Background(), f.acquire(t))

	assert.Equal(t, crawler.TaskStatusCancelled, f.get(t, task.ID).Status)
	assert.Empty(t, f.events.Types())
	assert.True(t, f.sems.HasCapacity(task.TeamID))
}

func TestProcessRecoversPanics(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		name: "http",
		scrape: func(context.Context, crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
			panic("engine bug")
		},
	}
	f := newFixture(t, Config{}, eng)
	task := f.submit(t, crawler.Task{})

	require.NotPanics(t, func() {
		f.worker.process(context.Background(), f.acquire(t))
	})

	got := f.get(t, task.ID)
	assert.Equal(t, crawler.TaskStatusQueued, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.LastError, "engine bug")
	assert.True(t, f.sems.HasCapacity(task.TeamID))
}

func TestProcessReleasesOnShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	eng := &fakeEngine{
		name: "http",
		scrape: func(scrapeCtx context.Context, _ crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
			cancel()
			<-scrapeCtx.Done()
			return crawler.ScrapeResponse{}, scrapeCtx.Err()
		},
	}
	f := newFixture(t, Config{}, eng)
	task := f.submit(t, crawler.Task{})

	f.worker.process(ctx, f.acquire(t))

	got := f.get(t, task.ID)
	assert.Equal(t, crawler.TaskStatusQueued, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Nil(t, got.ScheduledAt)
}

func TestProcessChargesScreenshotSurcharge(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		name: "browser",
		scrape: func(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
			return crawler.ScrapeResponse{URL: req.URL, StatusCode: http.StatusOK, Content: []byte("ok"), Screenshot: []byte("png")}, nil
		},
	}
	f := newFixture(t, Config{ScreenshotCost: 2}, eng)
	ctx := context.Background()
	team := uuid.New()
	_, err := f.ledger.Add(ctx, team, 5, crawler.CreditSubscription, "plan", nil)
	require.NoError(t, err)
	opts, err := crawler.TaskOptions{Screenshot: true}.Encode()
	require.NoError(t, err)
	f.submit(t, crawler.Task{TeamID: team, Payload: opts})

	f.worker.process(ctx, f.acquire(t))

	balance, err := f.ledger.Balance(ctx, team)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestProcessSurchargeFailureDoesNotFailTask(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		name: "browser",
		scrape: func(_ context.Context, req crawler.ScrapeRequest) (crawler.ScrapeResponse, error) {
			return crawler.ScrapeResponse{URL: req.URL, StatusCode: http.StatusOK, Content: []byte("ok"), Screenshot: []byte("png")}, nil
		},
	}
	f := newFixture(t, Config{ScreenshotCost: 2}, eng)
	opts, err := crawler.TaskOptions{Screenshot: true}.Encode()
	require.NoError(t, err)
	task := f.submit(t, crawler.Task{Payload: opts})

	f.worker.process(context.Background(), f.acquire(t))

	assert.Equal(t, crawler.TaskStatusCompleted, f.get(t, task.ID).Status)
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{PollInterval: time.Hour}, pageEngine(http.StatusOK, "ok"))
	wake := make(chan struct{}, 1)
	f.worker.deps.WakeCh = wake

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.worker.Run(ctx)
	}()

	task := f.submit(t, crawler.Task{})
	wake <- struct{}{}
	require.Eventually(t, func() bool {
		got, err := f.tasks.Get(context.Background(), task.ID)
		return err == nil && got.Status == crawler.TaskStatusCompleted
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{now.Add(time.Minute).Format(http.TimeFormat), time.Minute},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, retryAfter(tc.value, now), tc.value)
	}
}
