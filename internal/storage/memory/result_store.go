package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// ResultStore keeps result rows keyed by task.
type ResultStore struct {
	mu      sync.RWMutex
	results map[uuid.UUID]crawler.ResultRecord
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[uuid.UUID]crawler.ResultRecord)}
}

// StoreResult upserts the row for record.TaskID.
func (s *ResultStore) StoreResult(_ context.Context, record crawler.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Content = nil
	record.Screenshot = nil
	s.results[record.TaskID] = record
	return nil
}

// Result returns the stored row for a task.
func (s *ResultStore) Result(_ context.Context, taskID uuid.UUID) (crawler.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.results[taskID]
	if !ok {
		return crawler.ResultRecord{}, fmt.Errorf("result for task %s: %w", taskID, crawler.ErrNotFound)
	}
	return record, nil
}
