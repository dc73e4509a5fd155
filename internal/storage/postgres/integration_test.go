//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/crawlq/internal/crawler"
	idgen "github.com/JakeFAU/crawlq/internal/id/uuid"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "crawlq",
				"POSTGRES_PASSWORD": "crawlq",
				"POSTGRES_DB":       "crawlq",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://crawlq:crawlq@%s:%s/crawlq?sslmode=disable", host, port.Port())
	testPool, err = Open(ctx, PoolConfig{DSN: dsn, MaxConns: 32})
	if err != nil {
		log.Fatalf("open pool: %v", err)
	}
	if err := Migrate(ctx, testPool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	code := m.Run()

	testPool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestIntegrationConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore(testPool)
	task, err := store.Create(ctx, crawler.Task{
		ID:     uuid.New(),
		TeamID: uuid.New(),
		Kind:   crawler.TaskKindScrape,
		URL:    "https://example.com/race",
	})
	require.NoError(t, err)

	const workers = 24
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []uuid.UUID
		start   = make(chan struct{})
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := store.AcquireNext(ctx, fmt.Sprintf("w-%d", i), time.Minute)
			if err != nil || got == nil {
				return
			}
			mu.Lock()
			winners = append(winners, got.ID)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, task.ID, winners[0])
	require.NoError(t, store.MarkCompleted(ctx, task.ID, ""))
}

func TestIntegrationLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore(testPool)
	crawls := NewCrawlStore(testPool)
	team := uuid.New()

	crawl, err := crawls.Create(ctx, crawler.CrawlJob{ID: uuid.New(), TeamID: team, RootURL: "https://example.com", Total: 1})
	require.NoError(t, err)
	task, err := store.Create(ctx, crawler.Task{
		ID: uuid.New(), TeamID: team, Kind: crawler.TaskKindCrawl, URL: "https://example.com/", CrawlID: &crawl.ID, Priority: -100,
	})
	require.NoError(t, err)

	leased, err := store.AcquireNext(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, task.ID, leased.ID)
	require.NoError(t, store.Requeue(ctx, leased.ID, leased.Token(), nil, "503"))

	leased, err = store.AcquireNext(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, 1, leased.AttemptCount)

	result, err := store.BatchCancel(ctx, []uuid.UUID{leased.ID}, team, false)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{leased.ID}, result.Cancelled)
	require.ErrorIs(t, store.MarkCompleted(ctx, leased.ID, leased.Token()), crawler.ErrLeaseLost)

	outcome, err := crawls.RecordOutcome(ctx, crawl.ID, false)
	require.NoError(t, err)
	assert.Equal(t, crawler.CrawlStatusCompleted, outcome.Status)
}

func TestIntegrationCreditLedgerNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	ledger := NewCreditLedger(testPool, idgen.New())
	team := uuid.New()
	_, err := ledger.Add(ctx, team, 5, crawler.CreditManualAdjustment, "seed", nil)
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Deduct(ctx, team, 1, crawler.CreditScrape, "scrape", nil); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	balance, err := ledger.Balance(ctx, team)
	require.NoError(t, err)
	assert.Zero(t, balance)
}
