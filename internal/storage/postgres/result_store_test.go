package postgres

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

func TestStoreResultUpsertsRow(t *testing.T) {
	t.Parallel()
	mock := newMock(t)
	store := NewResultStore(mock)
	now := time.Unix(1700000000, 0).UTC()

	rec := crawler.ResultRecord{
		TaskID:         uuid.New(),
		StatusCode:     200,
		ContentType:    "text/html",
		Headers:        http.Header{"Content-Type": {"text/html"}},
		ContentURI:     "gs://bucket/path",
		ContentHash:    "abc123",
		ResponseTimeMs: 42,
		CreatedAt:      now,
	}

	mock.ExpectExec(`INSERT INTO results`).
		WithArgs(
			rec.TaskID,
			rec.StatusCode,
			rec.ContentType,
			[]byte(`{"Content-Type":["text/html"]}`),
			rec.ContentURI,
			rec.ContentHash,
			(*string)(nil),
			[]byte(`{}`),
			rec.ResponseTimeMs,
			rec.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StoreResult(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}
