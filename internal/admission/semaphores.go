// Package admission decides when a team may run work: per-team concurrency,
// per-credential request rates, a backlog for deferred tasks and the credit
// ledger front.
package admission

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// DefaultTeamLimit caps concurrent tasks per team when nothing is configured.
const DefaultTeamLimit = 2

// Semaphores is a registry of per-team concurrency slots. Entries are created
// lazily and never removed.
type Semaphores struct {
	mu           sync.Mutex
	sems         map[uuid.UUID]*semaphore.Weighted
	defaultLimit int64
	overrides    map[uuid.UUID]int64
}

// NewSemaphores builds the registry. Non-positive limits fall back to
// DefaultTeamLimit.
func NewSemaphores(defaultLimit int64, overrides map[uuid.UUID]int64) *Semaphores {
	if defaultLimit <= 0 {
		defaultLimit = DefaultTeamLimit
	}
	copied := make(map[uuid.UUID]int64, len(overrides))
	for team, limit := range overrides {
		if limit > 0 {
			copied[team] = limit
		}
	}
	return &Semaphores{
		sems:         make(map[uuid.UUID]*semaphore.Weighted),
		defaultLimit: defaultLimit,
		overrides:    copied,
	}
}

// Limit returns the team's configured capacity.
func (s *Semaphores) Limit(team uuid.UUID) int64 {
	if limit, ok := s.overrides[team]; ok {
		return limit
	}
	return s.defaultLimit
}

func (s *Semaphores) get(team uuid.UUID) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[team]
	if !ok {
		sem = semaphore.NewWeighted(s.Limit(team))
		s.sems[team] = sem
	}
	return sem
}

// Acquire blocks until the team has a free slot or ctx is done.
func (s *Semaphores) Acquire(ctx context.Context, team uuid.UUID) error {
	if err := s.get(team).Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire team slot: %w", err)
	}
	return nil
}

// TryAcquire takes a slot without blocking.
func (s *Semaphores) TryAcquire(team uuid.UUID) bool {
	return s.get(team).TryAcquire(1)
}

// Release returns a slot taken by Acquire or TryAcquire.
func (s *Semaphores) Release(team uuid.UUID) {
	s.get(team).Release(1)
}

// HasCapacity reports whether a slot is free right now.
func (s *Semaphores) HasCapacity(team uuid.UUID) bool {
	sem := s.get(team)
	if !sem.TryAcquire(1) {
		return false
	}
	sem.Release(1)
	return true
}
