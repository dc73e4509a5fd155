package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// ErrInvalidAmount rejects non-positive credit operations.
var ErrInvalidAmount = errors.New("credit amount must be positive")

// Costs is the credit price of each task kind.
type Costs struct {
	Scrape     int64
	Crawl      int64
	Search     int64
	Extract    int64
	Screenshot int64
}

// DefaultCosts returns the standard price list.
func DefaultCosts() Costs {
	return Costs{Scrape: 1, Crawl: 10, Search: 2, Extract: 5, Screenshot: 2}
}

// For returns the submission cost and ledger kind of a task kind.
func (c Costs) For(kind crawler.TaskKind) (int64, crawler.CreditKind) {
	switch kind {
	case crawler.TaskKindCrawl:
		return c.Crawl, crawler.CreditCrawl
	case crawler.TaskKindSearch:
		return c.Search, crawler.CreditSearch
	case crawler.TaskKindExtract:
		return c.Extract, crawler.CreditExtract
	default:
		return c.Scrape, crawler.CreditScrape
	}
}

// Quota fronts the credit ledger.
type Quota struct {
	ledger crawler.CreditLedger
}

// NewQuota builds a Quota.
func NewQuota(ledger crawler.CreditLedger) *Quota {
	return &Quota{ledger: ledger}
}

// CheckAndDeductQuota debits amount when the balance covers it, otherwise
// it returns *crawler.InsufficientCreditsError and changes nothing.
func (q *Quota) CheckAndDeductQuota(
	ctx context.Context,
	team uuid.UUID,
	amount int64,
	kind crawler.CreditKind,
	description string,
	ref *uuid.UUID,
) (crawler.CreditTransaction, error) {
	if amount <= 0 {
		return crawler.CreditTransaction{}, ErrInvalidAmount
	}
	tx, err := q.ledger.Deduct(ctx, team, amount, kind, description, ref)
	if err != nil {
		var insufficient *crawler.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			return crawler.CreditTransaction{}, err
		}
		return crawler.CreditTransaction{}, fmt.Errorf("deduct credits: %w", err)
	}
	metrics.ObserveCreditsDeducted(string(kind), amount)
	return tx, nil
}

// AddCredits grants amount to team.
func (q *Quota) AddCredits(
	ctx context.Context,
	team uuid.UUID,
	amount int64,
	kind crawler.CreditKind,
	description string,
) (crawler.CreditTransaction, error) {
	if amount <= 0 {
		return crawler.CreditTransaction{}, ErrInvalidAmount
	}
	tx, err := q.ledger.Add(ctx, team, amount, kind, description, nil)
	if err != nil {
		return crawler.CreditTransaction{}, fmt.Errorf("add credits: %w", err)
	}
	return tx, nil
}

// Balance returns the team's balance; unknown teams have zero.
func (q *Quota) Balance(ctx context.Context, team uuid.UUID) (int64, error) {
	balance, err := q.ledger.Balance(ctx, team)
	if err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return balance, nil
}

// History lists ledger rows newest first.
func (q *Quota) History(ctx context.Context, team uuid.UUID, limit, offset int) ([]crawler.CreditTransaction, error) {
	rows, err := q.ledger.History(ctx, team, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load credit history: %w", err)
	}
	return rows, nil
}
