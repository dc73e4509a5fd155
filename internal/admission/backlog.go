package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// DrainResult counts what one Drain pass did.
type DrainResult struct {
	Processed int `json:"processed"`
	Expired   int `json:"expired"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

// Backlog parks tasks that could not be admitted and reactivates them once
// their team has capacity again.
type Backlog struct {
	store  crawler.BacklogStore
	tasks  crawler.TaskStore
	sems   *Semaphores
	ids    crawler.IDGenerator
	clock  crawler.Clock
	wake   func()
	logger *zap.Logger
}

// NewBacklog builds a Backlog. wake is called after a drain made tasks
// eligible again; it may be nil.
func NewBacklog(
	store crawler.BacklogStore,
	tasks crawler.TaskStore,
	sems *Semaphores,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	wake func(),
	logger *zap.Logger,
) *Backlog {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	if wake == nil {
		wake = func() {}
	}
	return &Backlog{
		store:  store,
		tasks:  tasks,
		sems:   sems,
		ids:    ids,
		clock:  clock,
		wake:   wake,
		logger: logger.Named("backlog"),
	}
}

// Offer persists a pending entry for task. An existing pending entry is
// returned unchanged.
func (b *Backlog) Offer(ctx context.Context, task crawler.Task) (crawler.BacklogEntry, error) {
	existing, err := b.store.FindByTaskID(ctx, task.ID)
	if err != nil {
		return crawler.BacklogEntry{}, fmt.Errorf("find backlog entry: %w", err)
	}
	if existing != nil && existing.Status == crawler.BacklogPending {
		return *existing, nil
	}

	id, err := b.ids.NewID()
	if err != nil {
		return crawler.BacklogEntry{}, fmt.Errorf("generate backlog id: %w", err)
	}
	entry, err := b.store.Create(ctx, crawler.BacklogEntry{
		ID:         id,
		TaskID:     task.ID,
		TeamID:     task.TeamID,
		Kind:       task.Kind,
		Priority:   task.Priority,
		Payload:    task.Payload,
		MaxRetries: crawler.DefaultMaxRetries,
		Status:     crawler.BacklogPending,
		ExpiresAt:  task.ExpiresAt,
	})
	if err != nil {
		return crawler.BacklogEntry{}, fmt.Errorf("create backlog entry: %w", err)
	}
	metrics.ObserveBacklogOffered()
	return entry, nil
}

// Drain walks up to batch pending entries in priority order. Each
// reactivated entry holds one of its team's free slots until the pass ends,
// so a pass reactivates at most the team's free capacity. A team that runs
// out of capacity is skipped for the rest of the pass.
func (b *Backlog) Drain(ctx context.Context, batch int) (DrainResult, error) {
	var result DrainResult
	entries, err := b.store.ListPending(ctx, nil, batch)
	if err != nil {
		return result, fmt.Errorf("list pending backlog: %w", err)
	}

	now := b.clock.Now()
	full := make(map[uuid.UUID]bool)
	var held []uuid.UUID
	defer func() {
		for _, team := range held {
			b.sems.Release(team)
		}
	}()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("drain backlog: %w", err)
		}
		switch {
		case entry.Expired(now):
			if err := b.finish(ctx, entry, crawler.BacklogExpired); err != nil {
				return result, err
			}
			result.Expired++
		case !entry.CanRetry():
			if err := b.finish(ctx, entry, crawler.BacklogFailed); err != nil {
				return result, err
			}
			result.Failed++
		case full[entry.TeamID] || !b.sems.TryAcquire(entry.TeamID):
			full[entry.TeamID] = true
			result.Deferred++
		default:
			ok, err := b.reactivate(ctx, entry)
			if err != nil {
				b.sems.Release(entry.TeamID)
				return result, err
			}
			if ok {
				held = append(held, entry.TeamID)
				result.Processed++
			} else {
				b.sems.Release(entry.TeamID)
				result.Deferred++
			}
		}
	}

	if result.Processed > 0 {
		b.wake()
	}
	metrics.ObserveBacklogDrained("processed", result.Processed)
	metrics.ObserveBacklogDrained("expired", result.Expired)
	metrics.ObserveBacklogDrained("failed", result.Failed)
	if len(entries) > 0 {
		b.logger.Debug("backlog drained",
			zap.Int("processed", result.Processed),
			zap.Int("expired", result.Expired),
			zap.Int("failed", result.Failed),
			zap.Int("deferred", result.Deferred),
		)
	}
	return result, nil
}

// reactivate makes the entry's task eligible now. It reports false when the
// attempt failed and the entry went back to pending.
func (b *Backlog) reactivate(ctx context.Context, entry crawler.BacklogEntry) (bool, error) {
	entry.Status = crawler.BacklogProcessing
	if err := b.store.Update(ctx, entry); err != nil {
		return false, fmt.Errorf("mark backlog entry processing: %w", err)
	}

	err := b.tasks.Reschedule(ctx, entry.TaskID, nil)
	switch {
	case err == nil, errors.Is(err, crawler.ErrConflict):
		return true, b.finish(ctx, entry, crawler.BacklogCompleted)
	default:
		b.logger.Warn("failed to reactivate backlog task",
			zap.String("task_id", entry.TaskID.String()),
			zap.Error(err),
		)
		entry.RetryCount++
		entry.Status = crawler.BacklogPending
		if uerr := b.store.Update(ctx, entry); uerr != nil {
			return false, fmt.Errorf("revert backlog entry: %w", uerr)
		}
		return false, nil
	}
}

func (b *Backlog) finish(ctx context.Context, entry crawler.BacklogEntry, status crawler.BacklogStatus) error {
	now := b.clock.Now()
	entry.Status = status
	entry.ProcessedAt = &now
	if err := b.store.Update(ctx, entry); err != nil {
		return fmt.Errorf("mark backlog entry %s: %w", status, err)
	}
	return nil
}
