package admission

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/clock/manual"
	"github.com/JakeFAU/crawlq/internal/crawler"
	uuidgen "github.com/JakeFAU/crawlq/internal/id/uuid"
	"github.com/JakeFAU/crawlq/internal/storage/memory"
)

func TestQuotaCheckAndDeduct(t *testing.T) {
	t.Parallel()

	q := NewQuota(memory.NewCreditLedger(uuidgen.New(), manual.New(epoch)))
	ctx := context.Background()
	team := uuid.New()

	_, err := q.CheckAndDeductQuota(ctx, team, 1, crawler.CreditScrape, "scrape", nil)
	var insufficient *crawler.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(0), insufficient.Available)
	assert.Equal(t, int64(1), insufficient.Required)

	_, err = q.AddCredits(ctx, team, 10, crawler.CreditManualAdjustment, "grant")
	require.NoError(t, err)

	ref := uuid.New()
	tx, err := q.CheckAndDeductQuota(ctx, team, 4, crawler.CreditCrawl, "crawl", &ref)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), tx.Amount)
	assert.Equal(t, &ref, tx.ReferenceID)

	_, err = q.CheckAndDeductQuota(ctx, team, 7, crawler.CreditCrawl, "crawl", nil)
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(6), insufficient.Available)

	balance, err := q.Balance(ctx, team)
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance, "failed deductions change nothing")

	history, err := q.History(ctx, team, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, crawler.CreditCrawl, history[0].Kind)
}

func TestQuotaRejectsNonPositiveAmounts(t *testing.T) {
	t.Parallel()

	q := NewQuota(memory.NewCreditLedger(uuidgen.New(), nil))
	_, err := q.CheckAndDeductQuota(context.Background(), uuid.New(), 0, crawler.CreditScrape, "", nil)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = q.AddCredits(context.Background(), uuid.New(), -5, crawler.CreditRefund, "")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCostsFor(t *testing.T) {
	t.Parallel()

	costs := DefaultCosts()
	cases := map[crawler.TaskKind]struct {
		amount int64
		kind   crawler.CreditKind
	}{
		crawler.TaskKindScrape:  {1, crawler.CreditScrape},
		crawler.TaskKindCrawl:   {10, crawler.CreditCrawl},
		crawler.TaskKindSearch:  {2, crawler.CreditSearch},
		crawler.TaskKindExtract: {5, crawler.CreditExtract},
	}
	for kind, want := range cases {
		amount, creditKind := costs.For(kind)
		assert.Equal(t, want.amount, amount, kind)
		assert.Equal(t, want.kind, creditKind, kind)
	}
	assert.Equal(t, int64(2), costs.Screenshot)
}
