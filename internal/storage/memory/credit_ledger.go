package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlq/internal/clock/system"
	"github.com/JakeFAU/crawlq/internal/crawler"
)

// CreditLedger is an in-memory crawler.CreditLedger. Balances appear lazily at zero.
type CreditLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	history  map[uuid.UUID][]crawler.CreditTransaction
	ids      crawler.IDGenerator
	clock    crawler.Clock
}

// NewCreditLedger constructs a CreditLedger.
func NewCreditLedger(ids crawler.IDGenerator, clock crawler.Clock) *CreditLedger {
	if clock == nil {
		clock = system.New()
	}
	return &CreditLedger{
		balances: make(map[uuid.UUID]int64),
		history:  make(map[uuid.UUID][]crawler.CreditTransaction),
		ids:      ids,
		clock:    clock,
	}
}

// Balance returns the team's balance.
func (l *CreditLedger) Balance(_ context.Context, teamID uuid.UUID) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[teamID], nil
}

// Deduct debits amount when the balance covers it.
func (l *CreditLedger) Deduct(
	_ context.Context,
	teamID uuid.UUID,
	amount int64,
	kind crawler.CreditKind,
	description string,
	ref *uuid.UUID,
) (crawler.CreditTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	available := l.balances[teamID]
	if available < amount {
		return crawler.CreditTransaction{}, &crawler.InsufficientCreditsError{Available: available, Required: amount}
	}
	return l.append(teamID, -amount, kind, description, ref)
}

// Add credits amount.
func (l *CreditLedger) Add(
	_ context.Context,
	teamID uuid.UUID,
	amount int64,
	kind crawler.CreditKind,
	description string,
	ref *uuid.UUID,
) (crawler.CreditTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.append(teamID, amount, kind, description, ref)
}

// History lists transactions newest first.
func (l *CreditLedger) History(_ context.Context, teamID uuid.UUID, limit, offset int) ([]crawler.CreditTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := l.history[teamID]
	out := make([]crawler.CreditTransaction, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i])
	}
	if offset >= len(out) {
		return []crawler.CreditTransaction{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *CreditLedger) append(
	teamID uuid.UUID,
	amount int64,
	kind crawler.CreditKind,
	description string,
	ref *uuid.UUID,
) (crawler.CreditTransaction, error) {
	id, err := l.ids.NewID()
	if err != nil {
		return crawler.CreditTransaction{}, fmt.Errorf("credit transaction id: %w", err)
	}
	tx := crawler.CreditTransaction{
		ID:          id,
		TeamID:      teamID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		ReferenceID: ref,
		CreatedAt:   l.clock.Now(),
	}
	l.balances[teamID] += amount
	l.history[teamID] = append(l.history[teamID], tx)
	return tx, nil
}
