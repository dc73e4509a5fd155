package crawler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies what a task does once its page is fetched.
type TaskKind string

// Supported task kinds.
const (
	TaskKindScrape  TaskKind = "scrape"
	TaskKindCrawl   TaskKind = "crawl"
	TaskKindSearch  TaskKind = "search"
	TaskKindExtract TaskKind = "extract"
)

// Valid reports whether k is a known kind.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindScrape, TaskKindCrawl, TaskKindSearch, TaskKindExtract:
		return true
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// DefaultMaxRetries bounds requeues when the submitter does not set a limit.
const DefaultMaxRetries = 3

// Task is the unit of work leased by workers.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	TeamID         uuid.UUID       `json:"team_id"`
	Kind           TaskKind        `json:"kind"`
	Status         TaskStatus      `json:"status"`
	Priority       int             `json:"priority"`
	URL            string          `json:"url"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	MaxRetries     int             `json:"max_retries"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CrawlID        *uuid.UUID      `json:"crawl_id,omitempty"`
	LeaseToken     *string         `json:"-"`
	LeasedBy       string          `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// Options decodes the task payload. An empty payload yields zero options.
func (t Task) Options() (TaskOptions, error) {
	var opts TaskOptions
	if len(t.Payload) == 0 || string(t.Payload) == "null" {
		return opts, nil
	}
	if err := json.Unmarshal(t.Payload, &opts); err != nil {
		return TaskOptions{}, fmt.Errorf("decode task payload: %w", err)
	}
	return opts, nil
}

// Token returns the lease token or an empty string.
func (t Task) Token() string {
	if t.LeaseToken == nil {
		return ""
	}
	return *t.LeaseToken
}

// Expired reports whether the task's hard expiry has passed.
func (t Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// CrawlStrategy orders discovered links.
type CrawlStrategy string

// Supported crawl strategies.
const (
	StrategyBFS CrawlStrategy = "bfs"
	StrategyDFS CrawlStrategy = "dfs"
)

// TaskOptions is the decoded form of a task payload.
type TaskOptions struct {
	RequireJS      bool              `json:"require_js,omitempty"`
	Screenshot     bool              `json:"screenshot,omitempty"`
	TLSFingerprint bool              `json:"tls_fingerprint,omitempty"`
	Mobile         bool              `json:"mobile,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutMs      int               `json:"timeout_ms,omitempty"`

	Depth           int           `json:"depth"`
	MaxDepth        int           `json:"max_depth,omitempty"`
	IncludePatterns []string      `json:"include_patterns,omitempty"`
	ExcludePatterns []string      `json:"exclude_patterns,omitempty"`
	Strategy        CrawlStrategy `json:"strategy,omitempty"`
	DomainBlocklist []string      `json:"domain_blocklist,omitempty"`
	Limit           int           `json:"limit,omitempty"`
	CrawlDelayMs    int           `json:"crawl_delay_ms,omitempty"`

	Query         string          `json:"query,omitempty"`
	ExtractSchema json.RawMessage `json:"extract_schema,omitempty"`
}

// MaxTimeoutMs bounds a per-task scrape timeout.
const MaxTimeoutMs = 10 * 60 * 1000

// Validate rejects option values that cannot be turned into a request.
func (o TaskOptions) Validate() error {
	if o.TimeoutMs < 0 || o.TimeoutMs > MaxTimeoutMs {
		return fmt.Errorf("timeout_ms must be between 0 and %d", MaxTimeoutMs)
	}
	if o.Depth < 0 || o.MaxDepth < 0 || o.Limit < 0 || o.CrawlDelayMs < 0 {
		return fmt.Errorf("depth, max_depth, limit and crawl_delay_ms must not be negative")
	}
	return nil
}

// Encode marshals options back into a task payload.
func (o TaskOptions) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return data, nil
}

// CrawlStatus tracks the aggregate state of a crawl.
type CrawlStatus string

// Crawl status values.
const (
	CrawlStatusRunning   CrawlStatus = "running"
	CrawlStatusCompleted CrawlStatus = "completed"
	CrawlStatusCancelled CrawlStatus = "cancelled"
)

// CrawlJob aggregates the counters of every task sharing a crawl id.
type CrawlJob struct {
	ID         uuid.UUID   `json:"id"`
	TeamID     uuid.UUID   `json:"team_id"`
	RootURL    string      `json:"root_url"`
	Status     CrawlStatus `json:"status"`
	Options    TaskOptions `json:"options"`
	Total      int         `json:"total"`
	Completed  int         `json:"completed"`
	Failed     int         `json:"failed"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Done reports whether every task counted so far reached a terminal outcome.
func (c CrawlJob) Done() bool {
	return c.Total > 0 && c.Completed+c.Failed >= c.Total
}

// BacklogStatus is the state of a backlog entry.
type BacklogStatus string

// Backlog status values.
const (
	BacklogPending    BacklogStatus = "pending"
	BacklogProcessing BacklogStatus = "processing"
	BacklogCompleted  BacklogStatus = "completed"
	BacklogFailed     BacklogStatus = "failed"
	BacklogExpired    BacklogStatus = "expired"
)

// BacklogEntry parks a task that could not be admitted.
type BacklogEntry struct {
	ID          uuid.UUID       `json:"id"`
	TaskID      uuid.UUID       `json:"task_id"`
	TeamID      uuid.UUID       `json:"team_id"`
	Kind        TaskKind        `json:"kind"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxRetries  int             `json:"max_retries"`
	RetryCount  int             `json:"retry_count"`
	Status      BacklogStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// CanRetry reports whether the entry may be re-offered again.
func (b BacklogEntry) CanRetry() bool {
	return b.RetryCount < b.MaxRetries
}

// Expired reports whether the entry outlived its task's expiry.
func (b BacklogEntry) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// CreditKind tags a ledger transaction.
type CreditKind string

// Credit transaction kinds.
const (
	CreditSearch           CreditKind = "search"
	CreditScrape           CreditKind = "scrape"
	CreditExtract          CreditKind = "extract"
	CreditCrawl            CreditKind = "crawl"
	CreditManualAdjustment CreditKind = "manual_adjustment"
	CreditSubscription     CreditKind = "subscription"
	CreditRefund           CreditKind = "refund"
)

// CreditTransaction is one append-only ledger row. Deductions are negative.
type CreditTransaction struct {
	ID          uuid.UUID  `json:"id"`
	TeamID      uuid.UUID  `json:"team_id"`
	Amount      int64      `json:"amount"`
	Kind        CreditKind `json:"kind"`
	Description string     `json:"description"`
	ReferenceID *uuid.UUID `json:"reference_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ScrapeRequest captures everything an engine needs to fetch a URL.
type ScrapeRequest struct {
	TaskID         uuid.UUID
	URL            string
	Headers        http.Header
	Timeout        time.Duration
	UserAgent      string
	RequireJS      bool
	Screenshot     bool
	TLSFingerprint bool
	Mobile         bool
}

// ScrapeResponse is the result returned by an Engine.
type ScrapeResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Content     []byte
	Screenshot  []byte
	Duration    time.Duration
	Engine      string
}

// ResultRecord is handed to the result sink after a successful fetch.
type ResultRecord struct {
	TaskID         uuid.UUID      `json:"task_id"`
	StatusCode     int            `json:"status_code"`
	ContentType    string         `json:"content_type"`
	Headers        http.Header    `json:"headers"`
	Content        []byte         `json:"-"`
	Screenshot     []byte         `json:"-"`
	ContentURI     string         `json:"content_uri"`
	ContentHash    string         `json:"content_hash"`
	ScreenshotURI  string         `json:"screenshot_uri,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TaskFilter narrows QueryTasks.
type TaskFilter struct {
	TeamID        *uuid.UUID
	IDs           []uuid.UUID
	Kinds         []TaskKind
	Statuses      []TaskStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	CrawlID       *uuid.UUID
	Limit         int
	Offset        int
}

// Query pagination bounds.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 500
)

// Normalize clamps pagination to sane bounds.
func (f TaskFilter) Normalize() TaskFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// CancelFailure explains why one id could not be cancelled.
type CancelFailure struct {
	ID     uuid.UUID `json:"id"`
	Reason string    `json:"reason"`
}

// CancelResult is the outcome of BatchCancel.
type CancelResult struct {
	Cancelled []uuid.UUID     `json:"cancelled"`
	Failed    []CancelFailure `json:"failed"`
}

// Cancellation reasons reported by BatchCancel.
const (
	ReasonAlreadyCompleted = "Task is already completed"
	ReasonAlreadyFailed    = "Task is already failed"
	ReasonAlreadyCancelled = "Task is already cancelled"
	ReasonNotFound         = "Task not found or no permission"
)

// TerminalReason maps a terminal status to its BatchCancel failure reason.
func TerminalReason(status TaskStatus) string {
	switch status {
	case TaskStatusCompleted:
		return ReasonAlreadyCompleted
	case TaskStatusFailed:
		return ReasonAlreadyFailed
	case TaskStatusCancelled:
		return ReasonAlreadyCancelled
	default:
		return ""
	}
}
