package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlq/internal/crawler"
	idgen "github.com/JakeFAU/crawlq/internal/id/uuid"
)

const taskColumns = `id, team_id, kind, status, priority, url, payload, attempt_count, max_retries,
	created_at, updated_at, scheduled_at, expires_at, crawl_id, lease_token, COALESCE(leased_by, ''),
	lease_expires_at, started_at, completed_at, COALESCE(last_error, '')`

const nonTerminal = `('queued', 'active')`

// TaskStore is the Postgres crawler.TaskStore.
type TaskStore struct {
	db DB
}

// NewTaskStore wraps an open pool.
func NewTaskStore(db DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create inserts a queued task.
func (s *TaskStore) Create(ctx context.Context, task crawler.Task) (crawler.Task, error) {
	if task.MaxRetries < 0 {
		task.MaxRetries = 0
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO tasks (id, team_id, kind, status, priority, url, payload, max_retries, scheduled_at, expires_at, crawl_id)
VALUES ($1, $2, $3, 'queued', $4, $5, $6, $7, $8, $9, $10)
RETURNING `+taskColumns,
		task.ID, task.TeamID, string(task.Kind), task.Priority, task.URL, nullJSON(task.Payload),
		task.MaxRetries, task.ScheduledAt, task.ExpiresAt, task.CrawlID,
	)
	created, err := scanTask(row)
	if err != nil {
		return crawler.Task{}, fmt.Errorf("insert task: %w", mapErr(err))
	}
	return created, nil
}

// Get fetches a task by id.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (crawler.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return crawler.Task{}, fmt.Errorf("get task %s: %w", id, mapErr(err))
	}
	return task, nil
}

// AcquireNext claims the best eligible task with FOR UPDATE SKIP LOCKED so
// concurrent callers never receive the same row.
func (s *TaskStore) AcquireNext(ctx context.Context, workerID string, lease time.Duration) (*crawler.Task, error) {
	token, err := idgen.NewLeaseToken()
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, `
UPDATE tasks
SET status = 'active',
    started_at = now(),
    updated_at = now(),
    lease_token = $1,
    leased_by = $2,
    lease_expires_at = now() + $3::interval
WHERE id = (
    SELECT id FROM tasks
    WHERE status = 'queued'
      AND (scheduled_at IS NULL OR scheduled_at <= now())
      AND (expires_at IS NULL OR expires_at > now())
    ORDER BY priority ASC, created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
AND status = 'queued'
RETURNING `+taskColumns, token, workerID, lease)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire task: %w", err)
	}
	return &task, nil
}

// MarkCompleted moves an active task to completed.
func (s *TaskStore) MarkCompleted(ctx context.Context, id uuid.UUID, token string) error {
	return s.finish(ctx, id, token, crawler.TaskStatusCompleted, "")
}

// MarkFailed moves an active task to failed.
func (s *TaskStore) MarkFailed(ctx context.Context, id uuid.UUID, token string, errMsg string) error {
	return s.finish(ctx, id, token, crawler.TaskStatusFailed, errMsg)
}

func (s *TaskStore) finish(ctx context.Context, id uuid.UUID, token string, status crawler.TaskStatus, errMsg string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE tasks
SET status = $2,
    completed_at = now(),
    updated_at = now(),
    lease_token = NULL,
    leased_by = NULL,
    lease_expires_at = NULL,
    last_error = COALESCE(NULLIF($4::text, ''), last_error)
WHERE id = $1 AND status = 'active' AND ($3::text = '' OR lease_token = $3::text)`,
		id, string(status), token, errMsg)
	if err != nil {
		return fmt.Errorf("mark task %s %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, id, crawler.ErrLeaseLost)
	}
	return nil
}

// MarkCancelled cancels a non-terminal task.
func (s *TaskStore) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
UPDATE tasks
SET status = 'cancelled', completed_at = now(), updated_at = now(),
    lease_token = NULL, leased_by = NULL, lease_expires_at = NULL
WHERE id = $1 AND status IN `+nonTerminal, id)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, id, crawler.ErrConflict)
	}
	return nil
}

// Requeue returns the task to the queue and counts the attempt.
func (s *TaskStore) Requeue(ctx context.Context, id uuid.UUID, token string, scheduledAt *time.Time, errMsg string) error {
	return s.requeue(ctx, id, token, scheduledAt, errMsg, 1)
}

// Release returns the task to the queue without counting an attempt.
func (s *TaskStore) Release(ctx context.Context, id uuid.UUID, token string, scheduledAt *time.Time) error {
	return s.requeue(ctx, id, token, scheduledAt, "", 0)
}

func (s *TaskStore) requeue(
	ctx context.Context,
	id uuid.UUID,
	token string,
	scheduledAt *time.Time,
	errMsg string,
	increment int,
) error {
	tag, err := s.db.Exec(ctx, `
UPDATE tasks
SET status = 'queued',
    attempt_count = attempt_count + $5,
    scheduled_at = $3,
    updated_at = now(),
    lease_token = NULL,
    leased_by = NULL,
    lease_expires_at = NULL,
    last_error = COALESCE(NULLIF($4::text, ''), last_error)
WHERE id = $1 AND status = 'active' AND ($2::text = '' OR lease_token = $2::text)`,
		id, token, scheduledAt, errMsg, increment)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, id, crawler.ErrLeaseLost)
	}
	return nil
}

// Reschedule sets scheduled_at on a queued task.
func (s *TaskStore) Reschedule(ctx context.Context, id uuid.UUID, scheduledAt *time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET scheduled_at = $2, updated_at = now() WHERE id = $1 AND status = 'queued'`,
		id, scheduledAt)
	if err != nil {
		return fmt.Errorf("reschedule task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missing(ctx, id, crawler.ErrConflict)
	}
	return nil
}

// ResetStuckTasks reclaims lapsed leases.
func (s *TaskStore) ResetStuckTasks(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE tasks
SET status = 'queued', updated_at = now(), started_at = NULL,
    lease_token = NULL, leased_by = NULL, lease_expires_at = NULL
WHERE status = 'active'
  AND (lease_expires_at <= now()
       OR (lease_expires_at IS NULL AND started_at <= now() - $1::interval))`, staleAfter)
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireTasks fails every non-terminal task past expires_at.
func (s *TaskStore) ExpireTasks(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE tasks
SET status = 'failed', last_error = 'task expired', completed_at = now(), updated_at = now(),
    lease_token = NULL, leased_by = NULL, lease_expires_at = NULL
WHERE status IN `+nonTerminal+` AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("expire tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// BatchCancel cancels the team's cancellable tasks among ids in one
// transaction and cascades to their crawls.
func (s *TaskStore) BatchCancel(
	ctx context.Context,
	ids []uuid.UUID,
	teamID uuid.UUID,
	_ bool,
) (crawler.CancelResult, error) {
	result := crawler.CancelResult{Cancelled: []uuid.UUID{}, Failed: []crawler.CancelFailure{}}
	if len(ids) == 0 {
		return result, nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin batch cancel: %w", err)
	}
	defer rollback(ctx, tx)

	rows, err := tx.Query(ctx,
		`SELECT id, team_id, status, crawl_id FROM tasks WHERE id = ANY($1::uuid[]) FOR UPDATE`,
		uuidStrings(ids))
	if err != nil {
		return result, fmt.Errorf("lock tasks for cancel: %w", err)
	}
	type lockedTask struct {
		team    uuid.UUID
		status  crawler.TaskStatus
		crawlID *uuid.UUID
	}
	locked := make(map[uuid.UUID]lockedTask, len(ids))
	for rows.Next() {
		var (
			id     uuid.UUID
			lt     lockedTask
			status string
		)
		if err := rows.Scan(&id, &lt.team, &status, &lt.crawlID); err != nil {
			rows.Close()
			return result, fmt.Errorf("scan task for cancel: %w", err)
		}
		lt.status = crawler.TaskStatus(status)
		locked[id] = lt
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("iterate tasks for cancel: %w", err)
	}

	var crawlIDs []string
	seenCrawl := make(map[uuid.UUID]struct{})
	for _, id := range ids {
		lt, ok := locked[id]
		switch {
		case !ok || lt.team != teamID:
			result.Failed = append(result.Failed, crawler.CancelFailure{ID: id, Reason: crawler.ReasonNotFound})
		case lt.status.IsTerminal():
			result.Failed = append(result.Failed, crawler.CancelFailure{ID: id, Reason: crawler.TerminalReason(lt.status)})
		default:
			result.Cancelled = append(result.Cancelled, id)
			if lt.crawlID != nil {
				if _, dup := seenCrawl[*lt.crawlID]; !dup {
					seenCrawl[*lt.crawlID] = struct{}{}
					crawlIDs = append(crawlIDs, lt.crawlID.String())
				}
			}
		}
	}

	if len(result.Cancelled) > 0 {
		if _, err := tx.Exec(ctx, `
UPDATE tasks
SET status = 'cancelled', completed_at = now(), updated_at = now(),
    lease_token = NULL, leased_by = NULL, lease_expires_at = NULL
WHERE id = ANY($1::uuid[])`, uuidStrings(result.Cancelled)); err != nil {
			return result, fmt.Errorf("cancel tasks: %w", err)
		}
	}
	if len(crawlIDs) > 0 {
		if _, err := tx.Exec(ctx, `
UPDATE tasks
SET status = 'cancelled', completed_at = now(), updated_at = now(),
    lease_token = NULL, leased_by = NULL, lease_expires_at = NULL
WHERE crawl_id = ANY($1::uuid[]) AND status IN `+nonTerminal, crawlIDs); err != nil {
			return result, fmt.Errorf("cascade crawl cancel: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("commit batch cancel: %w", err)
	}
	return result, nil
}

// FindByCrawlID lists a crawl's tasks oldest first.
func (s *TaskStore) FindByCrawlID(ctx context.Context, crawlID uuid.UUID) ([]crawler.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE crawl_id = $1 ORDER BY created_at ASC`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("find crawl tasks: %w", err)
	}
	return collectTasks(rows)
}

// CancelTasksByCrawlID cancels the crawl's queued and active tasks.
func (s *TaskStore) CancelTasksByCrawlID(ctx context.Context, crawlID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE tasks
SET status = 'cancelled', completed_at = now(), updated_at = now(),
    lease_token = NULL, leased_by = NULL, lease_expires_at = NULL
WHERE crawl_id = $1 AND status IN `+nonTerminal, crawlID)
	if err != nil {
		return 0, fmt.Errorf("cancel crawl tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExistsByURL reports whether the crawl already holds url.
func (s *TaskStore) ExistsByURL(ctx context.Context, crawlID uuid.UUID, url string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE crawl_id = $1 AND url = $2)`, crawlID, url).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check crawl url: %w", err)
	}
	return exists, nil
}

// QueryTasks filters tasks newest first and returns the unpaginated count.
func (s *TaskStore) QueryTasks(ctx context.Context, filter crawler.TaskFilter) ([]crawler.Task, int64, error) {
	filter = filter.Normalize()
	where, args := buildTaskWhere(filter)

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM tasks%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)-1, len(args))
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func buildTaskWhere(f crawler.TaskFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.TeamID != nil {
		add("team_id = $%d", *f.TeamID)
	}
	if len(f.IDs) > 0 {
		add("id = ANY($%d::uuid[])", uuidStrings(f.IDs))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		add("kind = ANY($%d::text[])", kinds)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d::text[])", statuses)
	}
	if f.CreatedAfter != nil {
		add("created_at >= $%d", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		add("created_at <= $%d", *f.CreatedBefore)
	}
	if f.CrawlID != nil {
		add("crawl_id = $%d", *f.CrawlID)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// missing distinguishes a vanished row from one in the wrong state.
func (s *TaskStore) missing(ctx context.Context, id uuid.UUID, wrongState error) error {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load task %s status: %w", id, err)
	}
	return fmt.Errorf("task %s in status %s: %w", id, status, wrongState)
}

func scanTask(row pgx.Row) (crawler.Task, error) {
	var (
		task         crawler.Task
		kind, status string
		payload      []byte
	)
	err := row.Scan(
		&task.ID, &task.TeamID, &kind, &status, &task.Priority, &task.URL, &payload,
		&task.AttemptCount, &task.MaxRetries, &task.CreatedAt, &task.UpdatedAt,
		&task.ScheduledAt, &task.ExpiresAt, &task.CrawlID, &task.LeaseToken, &task.LeasedBy,
		&task.LeaseExpiresAt, &task.StartedAt, &task.CompletedAt, &task.LastError,
	)
	if err != nil {
		return crawler.Task{}, err
	}
	task.Kind = crawler.TaskKind(kind)
	task.Status = crawler.TaskStatus(status)
	task.Payload = payload
	return task, nil
}

func collectTasks(rows pgx.Rows) ([]crawler.Task, error) {
	defer rows.Close()
	out := make([]crawler.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
