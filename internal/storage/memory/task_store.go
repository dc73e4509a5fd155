// Package memory provides mutex-guarded in-memory stores with the same
// semantics as the Postgres stores. They back local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/crawler"
	idgen "github.com/JakeFAU/crawlq/internal/id/uuid"
)

const expiredMessage = "task expired"

// TaskStore is an in-memory crawler.TaskStore.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*crawler.Task
	clock crawler.Clock
}

// NewTaskStore constructs a TaskStore. A nil clock uses the system clock.
func NewTaskStore(clock crawler.Clock) *TaskStore {
	if clock == nil {
		clock = system.New()
	}
	return &TaskStore{
		tasks: make(map[uuid.UUID]*crawler.Task),
		clock: clock,
	}
}

// Create stores a new task in queued status.
func (s *TaskStore) Create(_ context.Context, task crawler.Task) (crawler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return crawler.Task{}, fmt.Errorf("create task %s: %w", task.ID, crawler.ErrConflict)
	}
	if task.CrawlID != nil {
		for _, other := range s.tasks {
			if other.CrawlID != nil && *other.CrawlID == *task.CrawlID && other.URL == task.URL {
				return crawler.Task{}, fmt.Errorf("create task for %s: %w", task.URL, crawler.ErrConflict)
			}
		}
	}
	now := s.clock.Now()
	task.Status = crawler.TaskStatusQueued
	task.AttemptCount = 0
	task.CreatedAt = now
	task.UpdatedAt = now
	task.LeaseToken = nil
	task.LeaseExpiresAt = nil
	task.StartedAt = nil
	task.CompletedAt = nil
	if task.MaxRetries < 0 {
		task.MaxRetries = 0
	}
	stored := cloneTask(task)
	s.tasks[task.ID] = &stored
	return cloneTask(task), nil
}

// Get returns a copy of the task.
func (s *TaskStore) Get(_ context.Context, id uuid.UUID) (crawler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return crawler.Task{}, fmt.Errorf("get task %s: %w", id, crawler.ErrNotFound)
	}
	return cloneTask(*task), nil
}

// AcquireNext leases the best eligible queued task, or returns nil.
func (s *TaskStore) AcquireNext(_ context.Context, workerID string, lease time.Duration) (*crawler.Task, error) {
	token, err := idgen.NewLeaseToken()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var best *crawler.Task
	for _, task := range s.tasks {
		if !eligible(task, now) {
			continue
		}
		if best == nil || ranksBefore(task, best) {
			best = task
		}
	}
	if best == nil {
		return nil, nil
	}

	expires := now.Add(lease)
	best.Status = crawler.TaskStatusActive
	best.StartedAt = &now
	best.LeaseToken = &token
	best.LeasedBy = workerID
	best.LeaseExpiresAt = &expires
	best.UpdatedAt = now
	out := cloneTask(*best)
	return &out, nil
}

// MarkCompleted moves an active task to completed.
func (s *TaskStore) MarkCompleted(_ context.Context, id uuid.UUID, token string) error {
	return s.finish(id, token, crawler.TaskStatusCompleted, "")
}

// MarkFailed moves an active task to failed, recording errMsg.
func (s *TaskStore) MarkFailed(_ context.Context, id uuid.UUID, token string, errMsg string) error {
	return s.finish(id, token, crawler.TaskStatusFailed, errMsg)
}

func (s *TaskStore) finish(id uuid.UUID, token string, status crawler.TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.leased(id, token)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	task.Status = status
	task.CompletedAt = &now
	task.UpdatedAt = now
	if errMsg != "" {
		task.LastError = errMsg
	}
	clearLease(task)
	return nil
}

// MarkCancelled cancels any non-terminal task.
func (s *TaskStore) MarkCancelled(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("cancel task %s: %w", id, crawler.ErrNotFound)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("cancel task %s in status %s: %w", id, task.Status, crawler.ErrConflict)
	}
	s.cancel(task, s.clock.Now())
	return nil
}

// Requeue returns an active task to the queue and counts the attempt.
func (s *TaskStore) Requeue(_ context.Context, id uuid.UUID, token string, scheduledAt *time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.leased(id, token)
	if err != nil {
		return err
	}
	task.AttemptCount++
	task.LastError = errMsg
	s.requeue(task, scheduledAt)
	return nil
}

// Release returns an active task to the queue without counting an attempt.
func (s *TaskStore) Release(_ context.Context, id uuid.UUID, token string, scheduledAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.leased(id, token)
	if err != nil {
		return err
	}
	s.requeue(task, scheduledAt)
	return nil
}

// Reschedule changes scheduled_at on a queued task.
func (s *TaskStore) Reschedule(_ context.Context, id uuid.UUID, scheduledAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("reschedule task %s: %w", id, crawler.ErrNotFound)
	}
	if task.Status != crawler.TaskStatusQueued {
		return fmt.Errorf("reschedule task %s in status %s: %w", id, task.Status, crawler.ErrConflict)
	}
	task.ScheduledAt = copyTime(scheduledAt)
	task.UpdatedAt = s.clock.Now()
	return nil
}

// ResetStuckTasks reclaims active tasks whose lease lapsed, or which never
// received one and started before now-staleAfter.
func (s *TaskStore) ResetStuckTasks(_ context.Context, staleAfter time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	cutoff := now.Add(-staleAfter)
	var reset int64
	for _, task := range s.tasks {
		if task.Status != crawler.TaskStatusActive {
			continue
		}
		lapsed := task.LeaseExpiresAt != nil && !task.LeaseExpiresAt.After(now)
		stale := task.LeaseExpiresAt == nil && task.StartedAt != nil && !task.StartedAt.After(cutoff)
		if !lapsed && !stale {
			continue
		}
		task.StartedAt = nil
		s.requeue(task, task.ScheduledAt)
		reset++
	}
	return reset, nil
}

// ExpireTasks fails every non-terminal task past its expiry.
func (s *TaskStore) ExpireTasks(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var expired int64
	for _, task := range s.tasks {
		if task.Status.IsTerminal() || !task.Expired(now) {
			continue
		}
		task.Status = crawler.TaskStatusFailed
		task.LastError = expiredMessage
		task.CompletedAt = &now
		task.UpdatedAt = now
		clearLease(task)
		expired++
	}
	return expired, nil
}

// BatchCancel cancels the team's non-terminal tasks among ids. Cancelling a
// crawl task also cancels the rest of its crawl.
func (s *TaskStore) BatchCancel(
	_ context.Context,
	ids []uuid.UUID,
	teamID uuid.UUID,
	_ bool,
) (crawler.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	result := crawler.CancelResult{Cancelled: []uuid.UUID{}, Failed: []crawler.CancelFailure{}}
	crawls := make(map[uuid.UUID]struct{})
	for _, id := range ids {
		task, ok := s.tasks[id]
		if !ok || task.TeamID != teamID {
			result.Failed = append(result.Failed, crawler.CancelFailure{ID: id, Reason: crawler.ReasonNotFound})
			continue
		}
		if task.Status.IsTerminal() {
			result.Failed = append(result.Failed, crawler.CancelFailure{ID: id, Reason: crawler.TerminalReason(task.Status)})
			continue
		}
		s.cancel(task, now)
		result.Cancelled = append(result.Cancelled, id)
		if task.CrawlID != nil {
			crawls[*task.CrawlID] = struct{}{}
		}
	}
	for crawlID := range crawls {
		s.cancelCrawl(crawlID, now)
	}
	return result, nil
}

// FindByCrawlID lists a crawl's tasks oldest first.
func (s *TaskStore) FindByCrawlID(_ context.Context, crawlID uuid.UUID) ([]crawler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Task, 0)
	for _, task := range s.tasks {
		if task.CrawlID != nil && *task.CrawlID == crawlID {
			out = append(out, cloneTask(*task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CancelTasksByCrawlID cancels the crawl's queued and active tasks.
func (s *TaskStore) CancelTasksByCrawlID(_ context.Context, crawlID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCrawl(crawlID, s.clock.Now()), nil
}

// ExistsByURL reports whether the crawl already holds a task for url.
func (s *TaskStore) ExistsByURL(_ context.Context, crawlID uuid.UUID, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.CrawlID != nil && *task.CrawlID == crawlID && task.URL == url {
			return true, nil
		}
	}
	return false, nil
}

// QueryTasks filters tasks newest first and reports the unpaginated total.
func (s *TaskStore) QueryTasks(_ context.Context, filter crawler.TaskFilter) ([]crawler.Task, int64, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	matched := make([]crawler.Task, 0)
	for _, task := range s.tasks {
		if matches(task, filter) {
			matched = append(matched, cloneTask(*task))
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() > matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return []crawler.Task{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], total, nil
}

func (s *TaskStore) leased(id uuid.UUID, token string) (*crawler.Task, error) {
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	if task.Status != crawler.TaskStatusActive {
		return nil, fmt.Errorf("task %s in status %s: %w", id, task.Status, crawler.ErrLeaseLost)
	}
	if token != "" && task.Token() != token {
		return nil, fmt.Errorf("task %s lease token mismatch: %w", id, crawler.ErrLeaseLost)
	}
	return task, nil
}

func (s *TaskStore) requeue(task *crawler.Task, scheduledAt *time.Time) {
	task.Status = crawler.TaskStatusQueued
	task.ScheduledAt = copyTime(scheduledAt)
	task.UpdatedAt = s.clock.Now()
	clearLease(task)
}

func (s *TaskStore) cancel(task *crawler.Task, now time.Time) {
	task.Status = crawler.TaskStatusCancelled
	task.CompletedAt = &now
	task.UpdatedAt = now
	clearLease(task)
}

func (s *TaskStore) cancelCrawl(crawlID uuid.UUID, now time.Time) int64 {
	var n int64
	for _, task := range s.tasks {
		if task.CrawlID == nil || *task.CrawlID != crawlID || task.Status.IsTerminal() {
			continue
		}
		s.cancel(task, now)
		n++
	}
	return n
}

func eligible(task *crawler.Task, now time.Time) bool {
	if task.Status != crawler.TaskStatusQueued {
		return false
	}
	if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
		return false
	}
	return !task.Expired(now)
}

func ranksBefore(a, b *crawler.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func matches(task *crawler.Task, f crawler.TaskFilter) bool {
	if f.TeamID != nil && task.TeamID != *f.TeamID {
		return false
	}
	if f.CrawlID != nil && (task.CrawlID == nil || *task.CrawlID != *f.CrawlID) {
		return false
	}
	if len(f.IDs) > 0 && !contains(f.IDs, task.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !contains(f.Kinds, task.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, task.Status) {
		return false
	}
	if f.CreatedAfter != nil && task.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && task.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

func contains[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func clearLease(task *crawler.Task) {
	task.LeaseToken = nil
	task.LeasedBy = ""
	task.LeaseExpiresAt = nil
}

func cloneTask(task crawler.Task) crawler.Task {
	out := task
	out.Payload = append([]byte(nil), task.Payload...)
	out.ScheduledAt = copyTime(task.ScheduledAt)
	out.ExpiresAt = copyTime(task.ExpiresAt)
	out.LeaseExpiresAt = copyTime(task.LeaseExpiresAt)
	out.StartedAt = copyTime(task.StartedAt)
	out.CompletedAt = copyTime(task.CompletedAt)
	if task.CrawlID != nil {
		id := *task.CrawlID
		out.CrawlID = &id
	}
	if task.LeaseToken != nil {
		tok := *task.LeaseToken
		out.LeaseToken = &tok
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
