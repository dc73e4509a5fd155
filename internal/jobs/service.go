// Package jobs is the submission surface: it validates and charges new work,
// creates tasks and crawls, and serves status and cancellation requests.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/admission"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/discovery"
)

// ErrInvalidInput marks a request the caller must fix.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Ledger is the credit surface used by the service.
type Ledger interface {
	CheckAndDeductQuota(
		ctx context.Context,
		team uuid.UUID,
		amount int64,
		kind crawler.CreditKind,
		description string,
		ref *uuid.UUID,
	) (crawler.CreditTransaction, error)
	AddCredits(ctx context.Context, team uuid.UUID, amount int64, kind crawler.CreditKind, description string) (crawler.CreditTransaction, error)
	Balance(ctx context.Context, team uuid.UUID) (int64, error)
	History(ctx context.Context, team uuid.UUID, limit, offset int) ([]crawler.CreditTransaction, error)
}

// Config carries submission defaults.
type Config struct {
	Costs             admission.Costs
	DefaultMaxDepth   int
	DefaultMaxRetries int
}

// Service implements the exposed operations.
type Service struct {
	tasks  crawler.TaskStore
	crawls crawler.CrawlStore
	ledger Ledger
	ids    crawler.IDGenerator
	clock  crawler.Clock
	wake   func()
	cfg    Config
	logger *zap.Logger
}

// New builds a Service. wake is called after new work is queued; it may be nil.
func New(
	tasks crawler.TaskStore,
	crawls crawler.CrawlStore,
	ledger Ledger,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	wake func(),
	cfg Config,
	logger *zap.Logger,
) *Service {
	if wake == nil {
		wake = func() {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultMaxDepth <= 0 {
		cfg.DefaultMaxDepth = discovery.DefaultMaxDepth
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = crawler.DefaultMaxRetries
	}
	return &Service{
		tasks:  tasks,
		crawls: crawls,
		ledger: ledger,
		ids:    ids,
		clock:  clock,
		wake:   wake,
		cfg:    cfg,
		logger: logger.Named("jobs"),
	}
}

// CreateTaskInput describes a single task submission.
type CreateTaskInput struct {
	Kind        crawler.TaskKind `json:"kind"`
	TeamID      uuid.UUID        `json:"-"`
	URL         string           `json:"url"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Priority    int              `json:"priority"`
	MaxRetries  *int             `json:"max_retries,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
}

// CreateTask validates, charges and queues one task.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (crawler.Task, error) {
	if in.TeamID == uuid.Nil {
		return crawler.Task{}, invalid("team is required")
	}
	if in.Kind == "" {
		in.Kind = crawler.TaskKindScrape
	}
	if !in.Kind.Valid() {
		return crawler.Task{}, invalid("unknown kind %q", in.Kind)
	}
	if in.Kind == crawler.TaskKindCrawl {
		return crawler.Task{}, invalid("crawl tasks are submitted as crawls")
	}
	target, err := normalizeTarget(in.URL)
	if err != nil {
		return crawler.Task{}, err
	}
	if len(in.Payload) > 0 {
		var opts crawler.TaskOptions
		if err := json.Unmarshal(in.Payload, &opts); err != nil {
			return crawler.Task{}, invalid("payload: %v", err)
		}
		if err := opts.Validate(); err != nil {
			return crawler.Task{}, invalid("payload: %v", err)
		}
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.clock.Now()) {
		return crawler.Task{}, invalid("expires_at is in the past")
	}
	if in.MaxRetries != nil && *in.MaxRetries < 0 {
		return crawler.Task{}, invalid("max_retries must not be negative")
	}

	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	task := crawler.Task{
		ID:          id,
		TeamID:      in.TeamID,
		Kind:        in.Kind,
		Priority:    in.Priority,
		URL:         target,
		Payload:     in.Payload,
		MaxRetries:  s.maxRetries(in.MaxRetries),
		ScheduledAt: in.ScheduledAt,
		ExpiresAt:   in.ExpiresAt,
	}

	cost, kind := s.cfg.Costs.For(task.Kind)
	if err := s.charge(ctx, task.TeamID, cost, kind, string(task.Kind)+" "+target, id); err != nil {
		return crawler.Task{}, err
	}
	created, err := s.tasks.Create(ctx, task)
	if err != nil {
		s.refund(ctx, task.TeamID, cost, id)
		return crawler.Task{}, fmt.Errorf("create task: %w", err)
	}
	s.wake()
	s.logger.Info("task queued",
		zap.String("task_id", created.ID.String()),
		zap.String("team_id", created.TeamID.String()),
		zap.String("kind", string(created.Kind)),
	)
	return created, nil
}

// QueryTasks lists tasks matching filter; the total ignores pagination.
func (s *Service) QueryTasks(ctx context.Context, filter crawler.TaskFilter) ([]crawler.Task, int64, error) {
	tasks, total, err := s.tasks.QueryTasks(ctx, filter.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	return tasks, total, nil
}

// GetTask returns one of the team's tasks. Other teams' tasks are not found.
func (s *Service) GetTask(ctx context.Context, team, id uuid.UUID) (crawler.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return crawler.Task{}, fmt.Errorf("get task: %w", err)
	}
	if task.TeamID != team {
		return crawler.Task{}, fmt.Errorf("get task %s: %w", id, crawler.ErrNotFound)
	}
	return task, nil
}

// BatchCancel cancels the team's tasks among ids and marks any crawl they
// belong to as cancelled.
func (s *Service) BatchCancel(ctx context.Context, ids []uuid.UUID, team uuid.UUID, force bool) (crawler.CancelResult, error) {
	if len(ids) == 0 {
		return crawler.CancelResult{}, invalid("ids are required")
	}
	result, err := s.tasks.BatchCancel(ctx, ids, team, force)
	if err != nil {
		return crawler.CancelResult{}, fmt.Errorf("batch cancel: %w", err)
	}
	seen := make(map[uuid.UUID]struct{})
	for _, id := range result.Cancelled {
		task, err := s.tasks.Get(ctx, id)
		if err != nil || task.CrawlID == nil {
			continue
		}
		if _, ok := seen[*task.CrawlID]; ok {
			continue
		}
		seen[*task.CrawlID] = struct{}{}
		if err := s.crawls.SetStatus(ctx, *task.CrawlID, crawler.CrawlStatusCancelled); err != nil {
			s.logger.Warn("mark crawl cancelled failed", zap.String("crawl_id", task.CrawlID.String()), zap.Error(err))
		}
	}
	return result, nil
}

// SubmitCrawlInput describes a crawl submission.
type SubmitCrawlInput struct {
	TeamID   uuid.UUID           `json:"-"`
	URL      string              `json:"url"`
	Options  crawler.TaskOptions `json:"options"`
	Priority int                 `json:"priority"`
}

// SubmitCrawl charges the crawl, creates the CrawlJob with a total of one and
// queues its root task. Workers add the rest as they discover links.
func (s *Service) SubmitCrawl(ctx context.Context, in SubmitCrawlInput) (crawler.CrawlJob, crawler.Task, error) {
	if in.TeamID == uuid.Nil {
		return crawler.CrawlJob{}, crawler.Task{}, invalid("team is required")
	}
	root, err := normalizeTarget(in.URL)
	if err != nil {
		return crawler.CrawlJob{}, crawler.Task{}, err
	}
	opts, err := s.crawlOptions(in.Options)
	if err != nil {
		return crawler.CrawlJob{}, crawler.Task{}, err
	}
	payload, err := opts.Encode()
	if err != nil {
		return crawler.CrawlJob{}, crawler.Task{}, err
	}

	crawlID, err := s.ids.NewID()
	if err != nil {
		return crawler.CrawlJob{}, crawler.Task{}, fmt.Errorf("generate crawl id: %w", err)
	}
	taskID, err := s.ids.NewID()
	if err != nil {
		return crawler.CrawlJob{}, crawler.Task{}, fmt.Errorf("generate task id: %w", err)
	}

	cost, kind := s.cfg.Costs.For(crawler.TaskKindCrawl)
	if err := s.charge(ctx, in.TeamID, cost, kind, "crawl "+root, crawlID); err != nil {
		return crawler.CrawlJob{}, crawler.Task{}, err
	}
	crawl, err := s.crawls.Create(ctx, crawler.CrawlJob{
		ID:      crawlID,
		TeamID:  in.TeamID,
		RootURL: root,
		Status:  crawler.CrawlStatusRunning,
		Options: opts,
		Total:   1,
	})
	if err != nil {
		s.refund(ctx, in.TeamID, cost, crawlID)
		return crawler.CrawlJob{}, crawler.Task{}, fmt.Errorf("create crawl: %w", err)
	}
	task, err := s.tasks.Create(ctx, crawler.Task{
		ID:         taskID,
		TeamID:     in.TeamID,
		Kind:       crawler.TaskKindCrawl,
		Priority:   in.Priority,
		URL:        root,
		Payload:    payload,
		MaxRetries: s.cfg.DefaultMaxRetries,
		CrawlID:    &crawlID,
	})
	if err != nil {
		if setErr := s.crawls.SetStatus(ctx, crawlID, crawler.CrawlStatusCancelled); setErr != nil {
			s.logger.Warn("abandon crawl failed", zap.String("crawl_id", crawlID.String()), zap.Error(setErr))
		}
		s.refund(ctx, in.TeamID, cost, crawlID)
		return crawler.CrawlJob{}, crawler.Task{}, fmt.Errorf("create root task: %w", err)
	}
	s.wake()
	s.logger.Info("crawl submitted",
		zap.String("crawl_id", crawl.ID.String()),
		zap.String("team_id", crawl.TeamID.String()),
		zap.String("url", root),
		zap.Int("max_depth", opts.MaxDepth),
	)
	return crawl, task, nil
}

func (s *Service) crawlOptions(opts crawler.TaskOptions) (crawler.TaskOptions, error) {
	opts.Depth = 0
	if err := opts.Validate(); err != nil {
		return opts, invalid("options: %v", err)
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = s.cfg.DefaultMaxDepth
	}
	switch opts.Strategy {
	case "":
		opts.Strategy = crawler.StrategyBFS
	case crawler.StrategyBFS, crawler.StrategyDFS:
	default:
		return opts, invalid("unknown strategy %q", opts.Strategy)
	}
	if _, err := discovery.NewPathFilter(opts.IncludePatterns, opts.ExcludePatterns); err != nil {
		return opts, invalid("patterns: %v", err)
	}
	return opts, nil
}

// GetCrawl returns one of the team's crawls.
func (s *Service) GetCrawl(ctx context.Context, team, id uuid.UUID) (crawler.CrawlJob, error) {
	crawl, err := s.crawls.Get(ctx, id)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get crawl: %w", err)
	}
	if crawl.TeamID != team {
		return crawler.CrawlJob{}, fmt.Errorf("get crawl %s: %w", id, crawler.ErrNotFound)
	}
	return crawl, nil
}

// CrawlTasks lists a crawl's tasks oldest first.
func (s *Service) CrawlTasks(ctx context.Context, team, id uuid.UUID) ([]crawler.Task, error) {
	if _, err := s.GetCrawl(ctx, team, id); err != nil {
		return nil, err
	}
	tasks, err := s.tasks.FindByCrawlID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list crawl tasks: %w", err)
	}
	return tasks, nil
}

// CancelCrawl cancels a running crawl and its unfinished tasks, returning how
// many tasks it cancelled. Cancelling an already cancelled crawl is a no-op.
func (s *Service) CancelCrawl(ctx context.Context, team, id uuid.UUID) (int64, error) {
	crawl, err := s.GetCrawl(ctx, team, id)
	if err != nil {
		return 0, err
	}
	switch crawl.Status {
	case crawler.CrawlStatusCancelled:
		return 0, nil
	case crawler.CrawlStatusCompleted:
		return 0, fmt.Errorf("cancel crawl %s: already completed: %w", id, crawler.ErrConflict)
	}
	if err := s.crawls.SetStatus(ctx, id, crawler.CrawlStatusCancelled); err != nil {
		return 0, fmt.Errorf("cancel crawl: %w", err)
	}
	n, err := s.tasks.CancelTasksByCrawlID(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("cancel crawl tasks: %w", err)
	}
	s.logger.Info("crawl cancelled", zap.String("crawl_id", id.String()), zap.Int64("tasks", n))
	return n, nil
}

// Credits returns the team's balance and a page of its ledger.
func (s *Service) Credits(ctx context.Context, team uuid.UUID, limit, offset int) (int64, []crawler.CreditTransaction, error) {
	balance, err := s.ledger.Balance(ctx, team)
	if err != nil {
		return 0, nil, err
	}
	if limit <= 0 {
		limit = crawler.DefaultQueryLimit
	}
	history, err := s.ledger.History(ctx, team, limit, max(offset, 0))
	if err != nil {
		return 0, nil, err
	}
	return balance, history, nil
}

// GrantCredits adds credits outside of a charge. kind defaults to manual_adjustment.
func (s *Service) GrantCredits(
	ctx context.Context,
	team uuid.UUID,
	amount int64,
	kind crawler.CreditKind,
	description string,
) (crawler.CreditTransaction, error) {
	if team == uuid.Nil {
		return crawler.CreditTransaction{}, invalid("team is required")
	}
	switch kind {
	case "":
		kind = crawler.CreditManualAdjustment
	case crawler.CreditManualAdjustment, crawler.CreditSubscription, crawler.CreditRefund:
	default:
		return crawler.CreditTransaction{}, invalid("credits cannot be granted as %q", kind)
	}
	tx, err := s.ledger.AddCredits(ctx, team, amount, kind, description)
	if errors.Is(err, admission.ErrInvalidAmount) {
		return crawler.CreditTransaction{}, invalid("%v", err)
	}
	return tx, err
}

func (s *Service) charge(ctx context.Context, team uuid.UUID, amount int64, kind crawler.CreditKind, desc string, ref uuid.UUID) error {
	if s.ledger == nil || amount <= 0 {
		return nil
	}
	if _, err := s.ledger.CheckAndDeductQuota(ctx, team, amount, kind, desc, &ref); err != nil {
		return err
	}
	return nil
}

// refund returns a charge whose submission could not be stored.
func (s *Service) refund(ctx context.Context, team uuid.UUID, amount int64, ref uuid.UUID) {
	if s.ledger == nil || amount <= 0 {
		return
	}
	if _, err := s.ledger.AddCredits(ctx, team, amount, crawler.CreditRefund, "refund "+ref.String()); err != nil {
		s.logger.Error("refund failed", zap.String("team_id", team.String()), zap.Int64("amount", amount), zap.Error(err))
	}
}

// maxRetries applies the default when the submitter left the limit unset.
// An explicit 0 disables retries.
func (s *Service) maxRetries(n *int) int {
	if n != nil {
		return *n
	}
	return s.cfg.DefaultMaxRetries
}

func normalizeTarget(raw string) (string, error) {
	if _, err := crawler.ValidateTargetURL(raw); err != nil {
		return "", invalid("url: %v", err)
	}
	normalized, err := crawler.NormalizeURL(raw)
	if err != nil {
		return "", invalid("url: %v", err)
	}
	return normalized, nil
}
