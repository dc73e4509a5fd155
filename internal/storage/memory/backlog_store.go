package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/crawler"
)

// BacklogStore is an in-memory crawler.BacklogStore.
type BacklogStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]crawler.BacklogEntry
	clock   crawler.Clock
}

// NewBacklogStore constructs a BacklogStore.
func NewBacklogStore(clock crawler.Clock) *BacklogStore {
	if clock == nil {
		clock = system.New()
	}
	return &BacklogStore{entries: make(map[uuid.UUID]crawler.BacklogEntry), clock: clock}
}

// Create stores a new entry.
func (s *BacklogStore) Create(_ context.Context, entry crawler.BacklogEntry) (crawler.BacklogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return crawler.BacklogEntry{}, fmt.Errorf("create backlog entry %s: %w", entry.ID, crawler.ErrConflict)
	}
	now := s.clock.Now()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = crawler.BacklogPending
	}
	if entry.MaxRetries <= 0 {
		entry.MaxRetries = crawler.DefaultMaxRetries
	}
	s.entries[entry.ID] = entry
	return entry, nil
}

// Get fetches an entry.
func (s *BacklogStore) Get(_ context.Context, id uuid.UUID) (crawler.BacklogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return crawler.BacklogEntry{}, fmt.Errorf("get backlog entry %s: %w", id, crawler.ErrNotFound)
	}
	return entry, nil
}

// FindByTaskID returns the newest pending or processing entry for a task.
func (s *BacklogStore) FindByTaskID(_ context.Context, taskID uuid.UUID) (*crawler.BacklogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *crawler.BacklogEntry
	for _, entry := range s.entries {
		if entry.TaskID != taskID {
			continue
		}
		if entry.Status != crawler.BacklogPending && entry.Status != crawler.BacklogProcessing {
			continue
		}
		if found == nil || entry.CreatedAt.After(found.CreatedAt) {
			e := entry
			found = &e
		}
	}
	return found, nil
}

// Update replaces an entry.
func (s *BacklogStore) Update(_ context.Context, entry crawler.BacklogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; !ok {
		return fmt.Errorf("update backlog entry %s: %w", entry.ID, crawler.ErrNotFound)
	}
	entry.UpdatedAt = s.clock.Now()
	s.entries[entry.ID] = entry
	return nil
}

// ListPending returns pending entries ordered by priority then age.
func (s *BacklogStore) ListPending(_ context.Context, teamID *uuid.UUID, limit int) ([]crawler.BacklogEntry, error) {
	s.mu.RLock()
	out := make([]crawler.BacklogEntry, 0)
	for _, entry := range s.entries {
		if entry.Status != crawler.BacklogPending {
			continue
		}
		if teamID != nil && entry.TeamID != *teamID {
			continue
		}
		out = append(out, entry)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus counts entries, optionally for one team.
func (s *BacklogStore) CountByStatus(_ context.Context, teamID *uuid.UUID, status crawler.BacklogStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, entry := range s.entries {
		if entry.Status == status && (teamID == nil || entry.TeamID == *teamID) {
			n++
		}
	}
	return n, nil
}
