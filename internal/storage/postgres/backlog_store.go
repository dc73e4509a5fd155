package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

const backlogColumns = `id, task_id, team_id, kind, priority, payload, max_retries, retry_count, status,
	created_at, updated_at, expires_at, processed_at`

// BacklogStore is the Postgres crawler.BacklogStore over tasks_backlog.
type BacklogStore struct {
	db DB
}

// NewBacklogStore wraps an open pool.
func NewBacklogStore(db DB) *BacklogStore {
	return &BacklogStore{db: db}
}

// Create inserts an entry.
func (s *BacklogStore) Create(ctx context.Context, entry crawler.BacklogEntry) (crawler.BacklogEntry, error) {
	if entry.Status == "" {
		entry.Status = crawler.BacklogPending
	}
	if entry.MaxRetries <= 0 {
		entry.MaxRetries = crawler.DefaultMaxRetries
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO tasks_backlog (id, task_id, team_id, kind, priority, payload, max_retries, retry_count, status, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+backlogColumns,
		entry.ID, entry.TaskID, entry.TeamID, string(entry.Kind), entry.Priority, nullJSON(entry.Payload),
		entry.MaxRetries, entry.RetryCount, string(entry.Status), entry.ExpiresAt)
	created, err := scanBacklog(row)
	if err != nil {
		return crawler.BacklogEntry{}, fmt.Errorf("insert backlog entry: %w", mapErr(err))
	}
	return created, nil
}

// Get fetches an entry.
func (s *BacklogStore) Get(ctx context.Context, id uuid.UUID) (crawler.BacklogEntry, error) {
	entry, err := scanBacklog(s.db.QueryRow(ctx, `SELECT `+backlogColumns+` FROM tasks_backlog WHERE id = $1`, id))
	if err != nil {
		return crawler.BacklogEntry{}, fmt.Errorf("get backlog entry %s: %w", id, mapErr(err))
	}
	return entry, nil
}

// FindByTaskID returns the newest open entry for a task, or nil.
func (s *BacklogStore) FindByTaskID(ctx context.Context, taskID uuid.UUID) (*crawler.BacklogEntry, error) {
	entry, err := scanBacklog(s.db.QueryRow(ctx, `
SELECT `+backlogColumns+` FROM tasks_backlog
WHERE task_id = $1 AND status IN ('pending', 'processing')
ORDER BY created_at DESC
LIMIT 1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find backlog entry: %w", err)
	}
	return &entry, nil
}

// Update writes the mutable fields of an entry.
func (s *BacklogStore) Update(ctx context.Context, entry crawler.BacklogEntry) error {
	tag, err := s.db.Exec(ctx, `
UPDATE tasks_backlog
SET status = $2, retry_count = $3, processed_at = $4, updated_at = now()
WHERE id = $1`, entry.ID, string(entry.Status), entry.RetryCount, entry.ProcessedAt)
	if err != nil {
		return fmt.Errorf("update backlog entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update backlog entry %s: %w", entry.ID, crawler.ErrNotFound)
	}
	return nil
}

// ListPending returns pending entries by priority then age.
func (s *BacklogStore) ListPending(ctx context.Context, teamID *uuid.UUID, limit int) ([]crawler.BacklogEntry, error) {
	if limit <= 0 {
		limit = crawler.MaxQueryLimit
	}
	rows, err := s.db.Query(ctx, `
SELECT `+backlogColumns+` FROM tasks_backlog
WHERE status = 'pending' AND ($1::uuid IS NULL OR team_id = $1::uuid)
ORDER BY priority ASC, created_at ASC
LIMIT $2`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending backlog: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.BacklogEntry, 0)
	for rows.Next() {
		entry, err := scanBacklog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backlog entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlog: %w", err)
	}
	return out, nil
}

// CountByStatus counts entries in a status.
func (s *BacklogStore) CountByStatus(ctx context.Context, teamID *uuid.UUID, status crawler.BacklogStatus) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM tasks_backlog WHERE status = $1 AND ($2::uuid IS NULL OR team_id = $2::uuid)`,
		string(status), teamID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}
	return n, nil
}

func scanBacklog(row pgx.Row) (crawler.BacklogEntry, error) {
	var (
		entry        crawler.BacklogEntry
		kind, status string
		payload      []byte
	)
	err := row.Scan(&entry.ID, &entry.TaskID, &entry.TeamID, &kind, &entry.Priority, &payload,
		&entry.MaxRetries, &entry.RetryCount, &status, &entry.CreatedAt, &entry.UpdatedAt,
		&entry.ExpiresAt, &entry.ProcessedAt)
	if err != nil {
		return crawler.BacklogEntry{}, err
	}
	entry.Kind = crawler.TaskKind(kind)
	entry.Status = crawler.BacklogStatus(status)
	entry.Payload = payload
	return entry, nil
}
