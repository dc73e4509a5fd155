package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

const crawlColumns = `id, team_id, root_url, status, options, total, completed, failed, created_at, updated_at, finished_at`

// CrawlStore is the Postgres crawler.CrawlStore.
type CrawlStore struct {
	db DB
}

// NewCrawlStore wraps an open pool.
func NewCrawlStore(db DB) *CrawlStore {
	return &CrawlStore{db: db}
}

// Create inserts a crawl.
func (s *CrawlStore) Create(ctx context.Context, crawl crawler.CrawlJob) (crawler.CrawlJob, error) {
	options, err := json.Marshal(crawl.Options)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("marshal crawl options: %w", err)
	}
	if crawl.Status == "" {
		crawl.Status = crawler.CrawlStatusRunning
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO crawls (id, team_id, root_url, status, options, total)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+crawlColumns,
		crawl.ID, crawl.TeamID, crawl.RootURL, string(crawl.Status), string(options), crawl.Total)
	created, err := scanCrawl(row)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("insert crawl: %w", mapErr(err))
	}
	return created, nil
}

// Get fetches a crawl.
func (s *CrawlStore) Get(ctx context.Context, id uuid.UUID) (crawler.CrawlJob, error) {
	crawl, err := scanCrawl(s.db.QueryRow(ctx, `SELECT `+crawlColumns+` FROM crawls WHERE id = $1`, id))
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get crawl %s: %w", id, mapErr(err))
	}
	return crawl, nil
}

// AddTotal grows the crawl's task count atomically.
func (s *CrawlStore) AddTotal(ctx context.Context, id uuid.UUID, n int) (int, error) {
	var total int
	err := s.db.QueryRow(ctx,
		`UPDATE crawls SET total = total + $2, updated_at = now() WHERE id = $1 RETURNING total`,
		id, n).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("add crawl total: %w", mapErr(err))
	}
	return total, nil
}

// RecordOutcome counts one finished task and completes the crawl when done.
func (s *CrawlStore) RecordOutcome(ctx context.Context, id uuid.UUID, completed bool) (crawler.CrawlJob, error) {
	done, failed := 0, 1
	if completed {
		done, failed = 1, 0
	}
	row := s.db.QueryRow(ctx, `
UPDATE crawls
SET completed = completed + $2,
    failed = failed + $3,
    updated_at = now(),
    status = CASE
        WHEN status = 'running' AND total > 0 AND completed + failed + $2 + $3 >= total THEN 'completed'
        ELSE status END,
    finished_at = CASE
        WHEN status = 'running' AND total > 0 AND completed + failed + $2 + $3 >= total THEN now()
        ELSE finished_at END
WHERE id = $1
RETURNING `+crawlColumns, id, done, failed)
	crawl, err := scanCrawl(row)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("record crawl outcome: %w", mapErr(err))
	}
	return crawl, nil
}

// SetStatus overrides the crawl status.
func (s *CrawlStore) SetStatus(ctx context.Context, id uuid.UUID, status crawler.CrawlStatus) error {
	tag, err := s.db.Exec(ctx, `
UPDATE crawls
SET status = $2,
    updated_at = now(),
    finished_at = CASE WHEN $2 <> 'running' THEN COALESCE(finished_at, now()) ELSE finished_at END
WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("set crawl status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set crawl %s status: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func scanCrawl(row pgx.Row) (crawler.CrawlJob, error) {
	var (
		crawl   crawler.CrawlJob
		status  string
		options []byte
	)
	err := row.Scan(&crawl.ID, &crawl.TeamID, &crawl.RootURL, &status, &options,
		&crawl.Total, &crawl.Completed, &crawl.Failed, &crawl.CreatedAt, &crawl.UpdatedAt, &crawl.FinishedAt)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	crawl.Status = crawler.CrawlStatus(status)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &crawl.Options); err != nil {
			return crawler.CrawlJob{}, fmt.Errorf("decode crawl options: %w", err)
		}
	}
	return crawl, nil
}
