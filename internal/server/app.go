// Package server builds the application's dependency graph from config and
// runs its long-lived components.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/admission"
	"github.com/JakeFAU/crawlq/internal/api"
	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/config"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/discovery"
	"github.com/JakeFAU/crawlq/internal/dispatcher"
	"github.com/JakeFAU/crawlq/internal/engine"
	collyfetcher "github.com/JakeFAU/crawlq/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawlq/internal/fetcher/headless"
	"github.com/JakeFAU/crawlq/internal/hash/sha256"
	"github.com/JakeFAU/crawlq/internal/headless/detector"
	"github.com/JakeFAU/crawlq/internal/id/uuid"
	"github.com/JakeFAU/crawlq/internal/jobs"
	"github.com/JakeFAU/crawlq/internal/metrics"
	"github.com/JakeFAU/crawlq/internal/notify"
	"github.com/JakeFAU/crawlq/internal/notify/sinks"
	"github.com/JakeFAU/crawlq/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/crawlq/internal/publisher/pubsub"
	resultstorage "github.com/JakeFAU/crawlq/internal/storage"
	gcsstorage "github.com/JakeFAU/crawlq/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawlq/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlq/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlq/internal/storage/postgres"
	redisstore "github.com/JakeFAU/crawlq/internal/storage/redis"
	"github.com/JakeFAU/crawlq/internal/telemetry"
	"github.com/JakeFAU/crawlq/internal/worker"
)

// stores groups one persistence backend.
type stores struct {
	tasks   crawler.TaskStore
	crawls  crawler.CrawlStore
	backlog crawler.BacklogStore
	ledger  crawler.CreditLedger
	results crawler.ResultStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator

	db           *pgxpool.Pool
	redis        *goredis.Client
	gcs          *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	browser      *headlessfetcher.Engine
	hub          *notify.Hub

	stores   stores
	signal   *dispatcher.Signal
	backlog  *admission.Backlog
	quota    *admission.Quota
	jobs     *jobs.Service
	sweeper  *dispatcher.Sweeper
	dispatch *dispatcher.Dispatcher
	api      *api.Server

	tracerShutdown func(context.Context) error
}

// New builds every component without starting any of them. On error the
// partially built App is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		signal: dispatcher.NewSignal(cfg.Worker.Count),
	}
	if err := a.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.Close(closeCtx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	if err := a.setupStores(ctx); err != nil {
		return err
	}
	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return err
	}
	if err := a.setupNotify(ctx); err != nil {
		return err
	}
	limiter, err := a.setupRateLimiter(ctx)
	if err != nil {
		return err
	}

	overrides, err := a.cfg.Admission.Overrides()
	if err != nil {
		return err
	}
	sems := admission.NewSemaphores(a.cfg.Admission.DefaultTeamLimit, overrides)
	a.backlog = admission.NewBacklog(a.stores.backlog, a.stores.tasks, sems, a.ids, a.clock,
		a.signal.Notify, a.logger.Named("backlog"))
	a.quota = admission.NewQuota(a.stores.ledger)

	a.jobs = jobs.New(a.stores.tasks, a.stores.crawls, a.quota, a.ids, a.clock, a.signal.Notify, jobs.Config{
		Costs:             a.costs(),
		DefaultMaxDepth:   a.cfg.Crawl.DefaultMaxDepth,
		DefaultMaxRetries: a.cfg.Retry.DefaultMaxRetries,
	}, a.logger)

	workers, err := a.setupWorkers(admission.NewController(sems, a.backlog, a.cfg.Worker.AdmissionWait), blobs)
	if err != nil {
		return err
	}
	a.sweeper, err = dispatcher.NewSweeper(a.stores.tasks, a.backlog, dispatcher.SweepConfig{
		Schedule:     a.cfg.Sweeper.Schedule,
		StaleAfter:   a.cfg.Sweeper.StaleAfter,
		BacklogBatch: a.cfg.Sweeper.BacklogBatch,
	}, a.logger)
	if err != nil {
		return err
	}
	a.dispatch = dispatcher.New(workers, a.sweeper, a.signal, a.logger)

	keys, err := a.cfg.Auth.TeamKeys()
	if err != nil {
		return err
	}
	a.api = api.NewServer(a.jobs, limiter, api.Config{
		Keys:           keys,
		AdminKey:       a.cfg.Auth.AdminKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Ready:          a.ready,
	}, a.logger)
	return nil
}

func (a *App) costs() admission.Costs {
	c := a.cfg.Credits
	return admission.Costs{Scrape: c.Scrape, Crawl: c.Crawl, Search: c.Search, Extract: c.Extract, Screenshot: c.Screenshot}
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.Database.Backend() == config.BackendMemory {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		a.stores = stores{
			tasks:   memorystorage.NewTaskStore(a.clock),
			crawls:  memorystorage.NewCrawlStore(a.clock),
			backlog: memorystorage.NewBacklogStore(a.clock),
			ledger:  memorystorage.NewCreditLedger(a.ids, a.clock),
			results: memorystorage.NewResultStore(),
		}
		return nil
	}
	pool, err := pgstore.Open(ctx, poolConfig(a.cfg.Database))
	if err != nil {
		return err
	}
	a.db = pool
	if a.cfg.Database.MigrateOnStart {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return err
		}
		a.logger.Info("database schema applied")
	}
	a.stores = stores{
		tasks:   pgstore.NewTaskStore(pool),
		crawls:  pgstore.NewCrawlStore(pool),
		backlog: pgstore.NewBacklogStore(pool),
		ledger:  pgstore.NewCreditLedger(pool, a.ids),
		results: pgstore.NewResultStore(pool),
	}
	a.logger.Info("postgres stores initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
	return nil
}

func poolConfig(cfg config.DatabaseConfig) pgstore.PoolConfig {
	return pgstore.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	}
}

func (a *App) setupBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupNotify(ctx context.Context) error {
	var sinkList []notify.Sink
	if a.cfg.Notify.Log {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("notify_log")))
	}
	if a.cfg.Notify.Metrics {
		sink, err := sinks.NewMetricsSink(prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		sinkList = append(sinkList, sink)
	}
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.Topic != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.publisher = gcppublisher.New(client)
		sink, err := sinks.NewPublisherSink(a.publisher, a.cfg.PubSub.Topic, a.publisher.Stop)
		if err != nil {
			return err
		}
		sinkList = append(sinkList, sink)
		a.logger.Info("Pub/Sub notifications enabled",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	}
	if len(sinkList) == 0 {
		a.logger.Info("notifications disabled")
		return nil
	}
	a.hub = notify.NewHub(notify.Config{
		BufferSize:  a.cfg.Notify.BufferSize,
		MaxBatch:    a.cfg.Notify.MaxBatch,
		SinkTimeout: a.cfg.Notify.SinkTimeout,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("notify_hub"),
	}, sinkList...)
	return nil
}

func (a *App) setupRateLimiter(ctx context.Context) (*admission.RateLimiter, error) {
	var counter admission.WindowCounter
	switch a.cfg.RateLimit.Backend {
	case config.BackendRedis:
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Addr:     a.cfg.RateLimit.Redis.Addr,
			Password: a.cfg.RateLimit.Redis.Password,
			DB:       a.cfg.RateLimit.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
		counter = redisstore.NewWindowCounter(client)
		a.logger.Info("using redis rate limit counter", zap.String("addr", a.cfg.RateLimit.Redis.Addr))
	default:
		counter = admission.NewMemoryCounter(a.clock)
	}
	return admission.NewRateLimiter(counter, admission.RateLimitConfig{
		Window:       a.cfg.RateLimit.Window,
		DefaultLimit: a.cfg.RateLimit.DefaultLimit,
		Limits:       a.cfg.Auth.RateLimits(),
		KeyPrefix:    a.cfg.RateLimit.KeyPrefix,
	}, a.clock), nil
}

func (a *App) setupWorkers(admit *admission.Controller, blobs crawler.BlobStore) ([]dispatcher.Runner, error) {
	collyCfg := collyfetcher.Config{
		UserAgent:    a.cfg.Crawl.UserAgent,
		Timeout:      a.cfg.HTTP.Timeout,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
	}
	router := engine.NewRouter(collyfetcher.NewHTTP(collyCfg), collyfetcher.NewTLS(collyCfg))
	var detect crawler.HeadlessDetector
	if a.cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawl.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
			SettleDelay:       a.cfg.Headless.SettleDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("browser engine init failed: %w", err)
		}
		a.browser = browser
		router.Register(browser)
		detect = detector.NewHeuristic(a.cfg.Headless.PromotionBodySize, a.cfg.Headless.PromotionMinText)
		a.logger.Info("browser engine enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	sink, err := resultstorage.NewResultSink(blobs, a.stores.results, sha256.New(), a.logger.Named("results"))
	if err != nil {
		return nil, err
	}
	robots := crawler.NewRobotsEnforcer(a.cfg.Crawl.RespectRobots, nil, a.logger.Named("robots"))
	discover := discovery.New(a.stores.tasks, a.stores.crawls, robots, a.ids, a.clock, discovery.Config{
		DefaultMaxDepth: a.cfg.Crawl.DefaultMaxDepth,
		UserAgent:       a.cfg.Crawl.UserAgent,
		CrawlDelay:      a.cfg.Crawl.CrawlDelay,
		Blocklist:       a.cfg.Crawl.Blocklist,
	}, a.logger)
	politeness := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Politeness.RPS,
		DefaultBurst: a.cfg.Politeness.Burst,
	})
	retry := crawler.NewExponentialRetryPolicy(a.cfg.Retry.BaseDelay, a.cfg.Retry.MaxDelay)

	deps := worker.Deps{
		Tasks:      a.stores.tasks,
		Crawls:     a.stores.crawls,
		Admission:  admit,
		Router:     router,
		Politeness: politeness,
		Detector:   detect,
		Results:    sink,
		Discovery:  discover,
		Credits:    a.quota,
		Retry:      retry,
		Clock:      a.clock,
		WakeCh:     a.signal.C(),
		Wake:       a.signal.Notify,
	}
	if a.hub != nil {
		deps.Notifier = a.hub
	}

	runners := make([]dispatcher.Runner, 0, a.cfg.Worker.Count)
	for i := range a.cfg.Worker.Count {
		w, err := worker.New(worker.Config{
			PollInterval:    a.cfg.Worker.PollInterval,
			LeaseDuration:   a.cfg.Worker.LeaseDuration,
			DefaultTimeout:  a.cfg.Worker.DefaultTimeout,
			BacklogHold:     a.cfg.Worker.BacklogHold,
			ThrottlePenalty: a.cfg.Worker.ThrottlePenalty,
			UserAgent:       a.cfg.Crawl.UserAgent,
			ScreenshotCost:  a.cfg.Credits.Screenshot,
			BrowserEngine:   headlessfetcher.Name,
		}, deps, a.logger.Named("worker").With(zap.Int("index", i)))
		if err != nil {
			return nil, err
		}
		runners = append(runners, w)
	}
	a.logger.Info("worker pool built",
		zap.Int("workers", a.cfg.Worker.Count),
		zap.Duration("lease", a.cfg.Worker.LeaseDuration),
		zap.Strings("engines", engineNames(router)),
	)
	return runners, nil
}

func engineNames(r *engine.Router) []string {
	var names []string
	for _, e := range r.Engines() {
		names = append(names, e.Name())
	}
	return names
}

func (a *App) ready(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Jobs exposes the submission service.
func (a *App) Jobs() *jobs.Service {
	return a.jobs
}

// Serve runs the API, the workers and the sweeper until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
		close(serveErr)
	}()

	a.dispatch.Run(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// RunWorkers runs the workers and the sweeper without the API.
func (a *App) RunWorkers(ctx context.Context) error {
	a.dispatch.Run(ctx)
	return nil
}

// SweepOnce runs a single maintenance pass.
func (a *App) SweepOnce(ctx context.Context) (dispatcher.SweepResult, error) {
	return a.sweeper.RunOnce(ctx)
}

// Close releases every resource. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("notify hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

// Migrate applies the Postgres schema.
func Migrate(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) error {
	if cfg.DSN == "" {
		return errors.New("database.dsn is required to migrate")
	}
	pool, err := pgstore.Open(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("database schema applied")
	return nil
}
