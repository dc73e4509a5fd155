package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// CreditLedger keeps balances in credit_balances and the append-only log in
// credit_transactions.
type CreditLedger struct {
	db  DB
	ids crawler.IDGenerator
}

// NewCreditLedger wraps an open pool.
func NewCreditLedger(db DB, ids crawler.IDGenerator) *CreditLedger {
	return &CreditLedger{db: db, ids: ids}
}

// Balance returns the team's balance; unknown teams have zero.
func (l *CreditLedger) Balance(ctx context.Context, teamID uuid.UUID) (int64, error) {
	var balance int64
	err := l.db.QueryRow(ctx,
		`SELECT COALESCE((SELECT balance FROM credit_balances WHERE team_id = $1), 0)`, teamID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Deduct locks the balance row, verifies it covers amount, debits it and
// appends the ledger row in one transaction.
func (l *CreditLedger) Deduct(
	ctx context.Context,
	teamID uuid.UUID,
	amount int64,
	kind crawler.CreditKind,
	description string,
	ref *uuid.UUID,
) (crawler.CreditTransaction, error) {
	return l.apply(ctx, teamID, -amount, kind, description, ref, true)
}

// Add credits amount.
func (l *CreditLedger) Add(
	ctx context.Context,
	teamID uuid.UUID,
	amount int64,
	kind crawler.CreditKind,
	description string,
	ref *uuid.UUID,
) (crawler.CreditTransaction, error) {
	return l.apply(ctx, teamID, amount, kind, description, ref, false)
}

func (l *CreditLedger) apply(
	ctx context.Context,
	teamID uuid.UUID,
	delta int64,
	kind crawler.CreditKind,
	description string,
	ref *uuid.UUID,
	check bool,
) (crawler.CreditTransaction, error) {
	id, err := l.ids.NewID()
	if err != nil {
		return crawler.CreditTransaction{}, fmt.Errorf("credit transaction id: %w", err)
	}
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return crawler.CreditTransaction{}, fmt.Errorf("begin credit tx: %w", err)
	}
	defer rollback(ctx, tx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_balances (team_id, balance) VALUES ($1, 0) ON CONFLICT (team_id) DO NOTHING`,
		teamID); err != nil {
		return crawler.CreditTransaction{}, fmt.Errorf("ensure balance row: %w", err)
	}
	var balance int64
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE team_id = $1 FOR UPDATE`, teamID).Scan(&balance); err != nil {
		return crawler.CreditTransaction{}, fmt.Errorf("lock balance: %w", err)
	}
	if check && balance < -delta {
		return crawler.CreditTransaction{}, &crawler.InsufficientCreditsError{Available: balance, Required: -delta}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE credit_balances SET balance = balance + $2, updated_at = now() WHERE team_id = $1`,
		teamID, delta); err != nil {
		return crawler.CreditTransaction{}, fmt.Errorf("update balance: %w", err)
	}
	record := crawler.CreditTransaction{
		ID:          id,
		TeamID:      teamID,
		Amount:      delta,
		Kind:        kind,
		Description: description,
		ReferenceID: ref,
	}
	if err := tx.QueryRow(ctx, `
INSERT INTO credit_transactions (id, team_id, amount, kind, description, reference_id)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at`, id, teamID, delta, string(kind), description, ref).Scan(&record.CreatedAt); err != nil {
		return crawler.CreditTransaction{}, fmt.Errorf("insert credit transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.CreditTransaction{}, fmt.Errorf("commit credit tx: %w", err)
	}
	return record, nil
}

// History lists transactions newest first.
func (l *CreditLedger) History(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]crawler.CreditTransaction, error) {
	if limit <= 0 {
		limit = crawler.DefaultQueryLimit
	}
	rows, err := l.db.Query(ctx, `
SELECT id, team_id, amount, kind, description, reference_id, created_at
FROM credit_transactions
WHERE team_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, teamID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query credit history: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.CreditTransaction, error) {
		var (
			rec  crawler.CreditTransaction
			kind string
		)
		err := row.Scan(&rec.ID, &rec.TeamID, &rec.Amount, &kind, &rec.Description, &rec.ReferenceID, &rec.CreatedAt)
		rec.Kind = crawler.CreditKind(kind)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan credit history: %w", err)
	}
	return out, nil
}
