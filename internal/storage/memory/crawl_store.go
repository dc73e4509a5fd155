package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/crawler"
)

// CrawlStore is an in-memory crawler.CrawlStore.
type CrawlStore struct {
	mu     sync.RWMutex
	crawls map[uuid.UUID]crawler.CrawlJob
	clock  crawler.Clock
}

// NewCrawlStore constructs a CrawlStore.
func NewCrawlStore(clock crawler.Clock) *CrawlStore {
	if clock == nil {
		clock = system.New()
	}
	return &CrawlStore{crawls: make(map[uuid.UUID]crawler.CrawlJob), clock: clock}
}

// Create stores a running crawl.
func (s *CrawlStore) Create(_ context.Context, crawl crawler.CrawlJob) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.crawls[crawl.ID]; exists {
		return crawler.CrawlJob{}, fmt.Errorf("create crawl %s: %w", crawl.ID, crawler.ErrConflict)
	}
	now := s.clock.Now()
	crawl.CreatedAt = now
	crawl.UpdatedAt = now
	if crawl.Status == "" {
		crawl.Status = crawler.CrawlStatusRunning
	}
	s.crawls[crawl.ID] = crawl
	return crawl, nil
}

// Get fetches a crawl.
func (s *CrawlStore) Get(_ context.Context, id uuid.UUID) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	crawl, ok := s.crawls[id]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("get crawl %s: %w", id, crawler.ErrNotFound)
	}
	return crawl, nil
}

// AddTotal grows the crawl's task count and returns the new total.
func (s *CrawlStore) AddTotal(_ context.Context, id uuid.UUID, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[id]
	if !ok {
		return 0, fmt.Errorf("add total to crawl %s: %w", id, crawler.ErrNotFound)
	}
	crawl.Total += n
	crawl.UpdatedAt = s.clock.Now()
	s.crawls[id] = crawl
	return crawl.Total, nil
}

// RecordOutcome counts one finished task and completes a running crawl once
// every counted task has finished.
func (s *CrawlStore) RecordOutcome(_ context.Context, id uuid.UUID, completed bool) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[id]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("record outcome for crawl %s: %w", id, crawler.ErrNotFound)
	}
	now := s.clock.Now()
	if completed {
		crawl.Completed++
	} else {
		crawl.Failed++
	}
	crawl.UpdatedAt = now
	if crawl.Status == crawler.CrawlStatusRunning && crawl.Done() {
		crawl.Status = crawler.CrawlStatusCompleted
		crawl.FinishedAt = &now
	}
	s.crawls[id] = crawl
	return crawl, nil
}

// SetStatus overrides the crawl status; terminal statuses stamp FinishedAt.
func (s *CrawlStore) SetStatus(_ context.Context, id uuid.UUID, status crawler.CrawlStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[id]
	if !ok {
		return fmt.Errorf("set crawl %s status: %w", id, crawler.ErrNotFound)
	}
	now := s.clock.Now()
	crawl.Status = status
	crawl.UpdatedAt = now
	if status != crawler.CrawlStatusRunning && crawl.FinishedAt == nil {
		crawl.FinishedAt = &now
	}
	s.crawls[id] = crawl
	return nil
}
