package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// DefaultMaxDepth applies when neither the crawl nor the config sets one.
const DefaultMaxDepth = 3

// Config carries service-wide discovery defaults.
type Config struct {
	DefaultMaxDepth int
	UserAgent       string
	// CrawlDelay is used when a crawl does not set crawl_delay_ms.
	CrawlDelay time.Duration
	Blocklist  []string
}

// Service expands crawl pages into child tasks.
type Service struct {
	tasks  crawler.TaskStore
	crawls crawler.CrawlStore
	robots crawler.RobotsPolicy
	ids    crawler.IDGenerator
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New builds a discovery Service.
func New(
	tasks crawler.TaskStore,
	crawls crawler.CrawlStore,
	robots crawler.RobotsPolicy,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultMaxDepth <= 0 {
		cfg.DefaultMaxDepth = DefaultMaxDepth
	}
	if robots == nil {
		robots = crawler.NewRobotsEnforcer(false, nil, logger)
	}
	return &Service{
		tasks:  tasks,
		crawls: crawls,
		robots: robots,
		ids:    ids,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("discovery"),
	}
}

type candidate struct {
	url   string
	delay time.Duration
}

// Discover extracts links from page and enqueues the ones that pass every
// filter as children of parent. It returns the created tasks.
func (s *Service) Discover(ctx context.Context, parent crawler.Task, page crawler.ScrapeResponse) ([]crawler.Task, error) {
	if parent.CrawlID == nil {
		return nil, nil
	}
	crawlID := *parent.CrawlID

	opts, err := parent.Options()
	if err != nil {
		return nil, crawler.Terminal(err)
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = s.cfg.DefaultMaxDepth
	}
	childDepth := opts.Depth + 1
	if childDepth > maxDepth {
		return nil, nil
	}

	crawl, err := s.crawls.Get(ctx, crawlID)
	if err != nil {
		return nil, fmt.Errorf("load crawl: %w", err)
	}
	if crawl.Status != crawler.CrawlStatusRunning {
		return nil, nil
	}

	filter, err := NewPathFilter(opts.IncludePatterns, opts.ExcludePatterns)
	if err != nil {
		return nil, crawler.Terminal(err)
	}
	blocklist := crawler.NewDomainBlocklist(s.cfg.Blocklist, opts.DomainBlocklist)

	pageURL := page.URL
	if pageURL == "" {
		pageURL = parent.URL
	}
	links, err := ExtractLinks(page.Content, pageURL)
	if err != nil {
		return nil, fmt.Errorf("extract links: %w", err)
	}

	candidates, err := s.filter(ctx, crawlID, links, filter, blocklist, opts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	candidates, err = s.reserve(ctx, crawlID, candidates, opts.Limit)
	if err != nil {
		return nil, err
	}

	created := make([]crawler.Task, 0, len(candidates))
	for i, c := range candidates {
		child, err := s.newChild(parent, opts, childDepth, maxDepth, c)
		if err == nil {
			child, err = s.tasks.Create(ctx, child)
		}
		if errors.Is(err, crawler.ErrConflict) {
			s.release(ctx, crawlID, 1)
			continue
		}
		if err != nil {
			s.release(ctx, crawlID, len(candidates)-i)
			return created, fmt.Errorf("create child task: %w", err)
		}
		created = append(created, child)
	}

	metrics.ObserveLinksDiscovered(len(created))
	s.logger.Debug("links discovered",
		zap.String("task_id", parent.ID.String()),
		zap.String("crawl_id", crawlID.String()),
		zap.Int("found", len(links)),
		zap.Int("created", len(created)),
	)
	return created, nil
}

func (s *Service) filter(
	ctx context.Context,
	crawlID uuid.UUID,
	links []string,
	filter *PathFilter,
	blocklist *crawler.DomainBlocklist,
	opts crawler.TaskOptions,
) ([]candidate, error) {
	baseDelay := time.Duration(opts.CrawlDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = s.cfg.CrawlDelay
	}
	hostDelays := make(map[string]time.Duration)
	hostCounts := make(map[string]int)

	var out []candidate
	for _, link := range links {
		u, err := url.Parse(link)
		if err != nil {
			continue
		}
		if !filter.Allow(u.EscapedPath()) {
			continue
		}
		host := u.Hostname()
		if blocklist.IsBlocked(host) {
			continue
		}
		exists, err := s.tasks.ExistsByURL(ctx, crawlID, link)
		if err != nil {
			return nil, fmt.Errorf("check discovered url: %w", err)
		}
		if exists {
			continue
		}
		if !s.robots.Allowed(ctx, link, s.cfg.UserAgent) {
			s.logger.Debug("robots.txt disallows link", zap.String("url", link))
			continue
		}

		delay, known := hostDelays[host]
		if !known {
			delay = baseDelay
			if robotsDelay, ok := s.robots.CrawlDelay(ctx, link, s.cfg.UserAgent); ok && robotsDelay > delay {
				delay = robotsDelay
			}
			hostDelays[host] = delay
		}
		hostCounts[host]++
		out = append(out, candidate{url: link, delay: time.Duration(hostCounts[host]) * delay})
	}
	return out, nil
}

// reserve grows the crawl total by the candidates it keeps. With a positive
// limit the total never exceeds it.
func (s *Service) reserve(ctx context.Context, crawlID uuid.UUID, candidates []candidate, limit int) ([]candidate, error) {
	total, err := s.crawls.AddTotal(ctx, crawlID, len(candidates))
	if err != nil {
		return nil, fmt.Errorf("reserve crawl capacity: %w", err)
	}
	if limit <= 0 || total <= limit {
		return candidates, nil
	}
	over := min(total-limit, len(candidates))
	s.release(ctx, crawlID, over)
	return candidates[:len(candidates)-over], nil
}

func (s *Service) release(ctx context.Context, crawlID uuid.UUID, n int) {
	if n <= 0 {
		return
	}
	if _, err := s.crawls.AddTotal(ctx, crawlID, -n); err != nil {
		s.logger.Warn("failed to release crawl capacity", zap.Error(err))
	}
}

func (s *Service) newChild(
	parent crawler.Task,
	opts crawler.TaskOptions,
	depth, maxDepth int,
	c candidate,
) (crawler.Task, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	childOpts := opts
	childOpts.Depth = depth
	childOpts.MaxDepth = maxDepth
	payload, err := childOpts.Encode()
	if err != nil {
		return crawler.Task{}, err
	}

	kind := crawler.TaskKindScrape
	if depth < maxDepth {
		kind = crawler.TaskKindCrawl
	}
	priority := parent.Priority + 1
	if opts.Strategy == crawler.StrategyDFS {
		priority = parent.Priority - 1
	}

	child := crawler.Task{
		ID:         id,
		TeamID:     parent.TeamID,
		Kind:       kind,
		Priority:   priority,
		URL:        c.url,
		Payload:    payload,
		MaxRetries: parent.MaxRetries,
		ExpiresAt:  parent.ExpiresAt,
		CrawlID:    parent.CrawlID,
	}
	if c.delay > 0 {
		at := s.clock.Now().Add(c.delay)
		child.ScheduledAt = &at
	}
	return child, nil
}
