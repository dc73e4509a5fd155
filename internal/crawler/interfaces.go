package crawler

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// TaskStore persists tasks and owns their lifecycle.
//
// Terminal and requeue operations take the caller's lease token; an empty
// token skips the ownership check. They return ErrLeaseLost when the task is
// no longer Active under that lease.
type TaskStore interface {
	Create(ctx context.Context, task Task) (Task, error)
	Get(ctx context.Context, id uuid.UUID) (Task, error)
	AcquireNext(ctx context.Context, workerID string, lease time.Duration) (*Task, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, token string) error
	MarkFailed(ctx context.Context, id uuid.UUID, token string, errMsg string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
	Requeue(ctx context.Context, id uuid.UUID, token string, scheduledAt *time.Time, errMsg string) error
	Release(ctx context.Context, id uuid.UUID, token string, scheduledAt *time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, scheduledAt *time.Time) error
	ResetStuckTasks(ctx context.Context, staleAfter time.Duration) (int64, error)
	ExpireTasks(ctx context.Context) (int64, error)
	BatchCancel(ctx context.Context, ids []uuid.UUID, teamID uuid.UUID, force bool) (CancelResult, error)
	FindByCrawlID(ctx context.Context, crawlID uuid.UUID) ([]Task, error)
	CancelTasksByCrawlID(ctx context.Context, crawlID uuid.UUID) (int64, error)
	ExistsByURL(ctx context.Context, crawlID uuid.UUID, url string) (bool, error)
	QueryTasks(ctx context.Context, filter TaskFilter) ([]Task, int64, error)
}

// CrawlStore persists crawl aggregates.
type CrawlStore interface {
	Create(ctx context.Context, crawl CrawlJob) (CrawlJob, error)
	Get(ctx context.Context, id uuid.UUID) (CrawlJob, error)
	AddTotal(ctx context.Context, id uuid.UUID, n int) (int, error)
	RecordOutcome(ctx context.Context, id uuid.UUID, completed bool) (CrawlJob, error)
	SetStatus(ctx context.Context, id uuid.UUID, status CrawlStatus) error
}

// BacklogStore persists backlog entries.
type BacklogStore interface {
	Create(ctx context.Context, entry BacklogEntry) (BacklogEntry, error)
	Get(ctx context.Context, id uuid.UUID) (BacklogEntry, error)
	FindByTaskID(ctx context.Context, taskID uuid.UUID) (*BacklogEntry, error)
	Update(ctx context.Context, entry BacklogEntry) error
	ListPending(ctx context.Context, teamID *uuid.UUID, limit int) ([]BacklogEntry, error)
	CountByStatus(ctx context.Context, teamID *uuid.UUID, status BacklogStatus) (int64, error)
}

// CreditLedger keeps per-team balances and their transaction log.
// Deduct must verify and debit atomically with the ledger insert.
type CreditLedger interface {
	Balance(ctx context.Context, teamID uuid.UUID) (int64, error)
	Deduct(ctx context.Context, teamID uuid.UUID, amount int64, kind CreditKind, description string, ref *uuid.UUID) (CreditTransaction, error)
	Add(ctx context.Context, teamID uuid.UUID, amount int64, kind CreditKind, description string, ref *uuid.UUID) (CreditTransaction, error)
	History(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]CreditTransaction, error)
}

// Engine fetches pages and declares how well it fits a request.
type Engine interface {
	Name() string
	SupportScore(request ScrapeRequest) int
	Scrape(ctx context.Context, request ScrapeRequest) (ScrapeResponse, error)
}

// RobotsPolicy answers robots.txt questions for discovered links.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL, userAgent string) bool
	CrawlDelay(ctx context.Context, rawURL, userAgent string) (time.Duration, bool)
}

// ResultSink persists fetched pages.
type ResultSink interface {
	Persist(ctx context.Context, record ResultRecord) (ResultRecord, error)
}

// ResultStore writes result rows.
type ResultStore interface {
	StoreResult(ctx context.Context, record ResultRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// HeadlessDetector decides whether a page needs a JavaScript-capable engine.
type HeadlessDetector interface {
	ShouldPromote(resp ScrapeResponse) bool
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}
