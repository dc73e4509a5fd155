package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
	idgen "github.com/JakeFAU/crawlq/internal/id/uuid"
)

func TestDeductInsufficientCreditsRollsBack(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	ledger := NewCreditLedger(mock, idgen.New())
	team := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_balances`).WithArgs(team).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT balance FROM credit_balances WHERE team_id = \$1 FOR UPDATE`).
		WithArgs(team).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(3)))
	mock.ExpectRollback()

	_, err := ledger.Deduct(context.Background(), team, 10, crawler.CreditCrawl, "crawl", nil)
	var insufficient *crawler.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(3), insufficient.Available)
	assert.Equal(t, int64(10), insufficient.Required)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeductDebitsAndAppends(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	ledger := NewCreditLedger(mock, idgen.New())
	team := uuid.New()
	created := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_balances`).WithArgs(team).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(team).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(25)))
	mock.ExpectExec(`UPDATE credit_balances SET balance = balance \+ \$2`).
		WithArgs(team, int64(-10)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO credit_transactions`).
		WithArgs(pgxmock.AnyArg(), team, int64(-10), "crawl", "crawl", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectCommit()
	mock.ExpectRollback()

	tx, err := ledger.Deduct(context.Background(), team, 10, crawler.CreditCrawl, "crawl", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), tx.Amount)
	assert.Equal(t, created, tx.CreatedAt)
}
