package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/admission"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// Sweeper defaults.
const (
	DefaultSchedule     = "@every 30s"
	DefaultStaleAfter   = 10 * time.Minute
	DefaultBacklogBatch = 100
)

// SweepConfig controls the maintenance pass.
type SweepConfig struct {
	Schedule     string
	StaleAfter   time.Duration
	BacklogBatch int
}

// Drainer reactivates parked tasks.
type Drainer interface {
	Drain(ctx context.Context, batch int) (admission.DrainResult, error)
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Reclaimed int64                 `json:"reclaimed"`
	Expired   int64                 `json:"expired"`
	Backlog   admission.DrainResult `json:"backlog"`
}

// Sweeper reclaims abandoned leases, expires overdue tasks and drains the backlog.
type Sweeper struct {
	tasks   crawler.TaskStore
	backlog Drainer
	cfg     SweepConfig
	logger  *zap.Logger
}

// NewSweeper validates the schedule and builds a Sweeper. backlog may be nil.
func NewSweeper(tasks crawler.TaskStore, backlog Drainer, cfg SweepConfig, logger *zap.Logger) (*Sweeper, error) {
	if tasks == nil {
		return nil, errors.New("sweeper requires a task store")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.BacklogBatch <= 0 {
		cfg.BacklogBatch = DefaultBacklogBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{tasks: tasks, backlog: backlog, cfg: cfg, logger: logger.Named("sweeper")}, nil
}

// Run executes RunOnce on the schedule until ctx is done. Overlapping passes are skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.logger.Info("sweeper started", zap.String("schedule", s.cfg.Schedule))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce performs a single pass. Every step runs even when an earlier one fails.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var (
		res  SweepResult
		errs []error
		err  error
	)
	if res.Reclaimed, err = s.tasks.ResetStuckTasks(ctx, s.cfg.StaleAfter); err != nil {
		errs = append(errs, fmt.Errorf("reset stuck tasks: %w", err))
	}
	if res.Expired, err = s.tasks.ExpireTasks(ctx); err != nil {
		errs = append(errs, fmt.Errorf("expire tasks: %w", err))
	}
	if s.backlog != nil {
		if res.Backlog, err = s.backlog.Drain(ctx, s.cfg.BacklogBatch); err != nil {
			errs = append(errs, fmt.Errorf("drain backlog: %w", err))
		}
	}
	metrics.ObserveSweep(res.Reclaimed, res.Expired)
	if res.Reclaimed > 0 || res.Expired > 0 || res.Backlog.Processed > 0 {
		s.logger.Info("sweep finished",
			zap.Int64("reclaimed", res.Reclaimed),
			zap.Int64("expired", res.Expired),
			zap.Int("backlog_processed", res.Backlog.Processed),
			zap.Int("backlog_deferred", res.Backlog.Deferred),
		)
	}
	return res, errors.Join(errs...)
}
