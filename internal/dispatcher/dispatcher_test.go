package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/admission"
	"github.com/JakeFAU/crawlq/internal/clock/manual"
	"github.com/JakeFAU/crawlq/internal/crawler"
	uuidgen "github.com/JakeFAU/crawlq/internal/id/uuid"
	"github.com/JakeFAU/crawlq/internal/storage/memory"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type blockingRunner struct {
	started chan struct{}
	stopped atomic.Bool
}

func (r *blockingRunner) Run(ctx context.Context) {
	r.started <- struct{}{}
	<-ctx.Done()
	r.stopped.Store(true)
}

func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	runners := []*blockingRunner{
		{started: make(chan struct{}, 1)},
		{started: make(chan struct{}, 1)},
	}
	d := New([]Runner{runners[0], runners[1]}, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	for _, r := range runners {
		select {
		case <-r.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	for _, r := range runners {
		assert.True(t, r.stopped.Load(), "Run waits for every worker")
	}
}

func TestSignalNeverBlocks(t *testing.T) {
	t.Parallel()

	sig := NewSignal(2)
	d := New(nil, nil, sig, nil)
	for range 10 {
		d.Notify()
	}
	assert.Len(t, sig.C(), 2)
	<-sig.C()
	d.Notify()
	assert.Len(t, sig.C(), 2)
}

type sweepFixture struct {
	sweeper *Sweeper
	tasks   *memory.TaskStore
	backlog *memory.BacklogStore
	clock   *manual.Clock
	wakes   *atomic.Int64
}

func newSweepFixture(t *testing.T) sweepFixture {
	t.Helper()
	clk := manual.New(epoch)
	tasks := memory.NewTaskStore(clk)
	backlogStore := memory.NewBacklogStore(clk)
	sems := admission.NewSemaphores(2, nil)
	wakes := &atomic.Int64{}
	backlog := admission.NewBacklog(backlogStore, tasks, sems, uuidgen.New(), clk, func() { wakes.Add(1) }, zap.NewNop())
	s, err := NewSweeper(tasks, backlog, SweepConfig{StaleAfter: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	return sweepFixture{sweeper: s, tasks: tasks, backlog: backlogStore, clock: clk, wakes: wakes}
}

func TestSweeperRunOnce(t *testing.T) {
	t.Parallel()

	f := newSweepFixture(t)
	ctx := context.Background()
	team := uuid.New()

	stuck, err := f.tasks.Create(ctx, crawler.Task{ID: uuid.New(), TeamID: team, Kind: crawler.TaskKindScrape, URL: "https://a.example/"})
	require.NoError(t, err)
	leased, err := f.tasks.AcquireNext(ctx, "gone", time.Minute)
	require.NoError(t, err)
	require.Equal(t, stuck.ID, leased.ID)

	expires := epoch.Add(time.Minute)
	overdue, err := f.tasks.Create(ctx, crawler.Task{
		ID: uuid.New(), TeamID: team, Kind: crawler.TaskKindScrape, URL: "https://b.example/",
		ScheduledAt: &expires, ExpiresAt: &expires,
	})
	require.NoError(t, err)

	hold := epoch.Add(time.Hour)
	parked, err := f.tasks.Create(ctx, crawler.Task{
		ID: uuid.New(), TeamID: team, Kind: crawler.TaskKindScrape, URL: "https://c.example/", ScheduledAt: &hold,
	})
	require.NoError(t, err)
	_, err = f.backlog.Create(ctx, crawler.BacklogEntry{
		ID: uuid.New(), TaskID: parked.ID, TeamID: team, Kind: parked.Kind, MaxRetries: 3, Status: crawler.BacklogPending,
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	res, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Reclaimed)
	assert.Equal(t, int64(1), res.Expired)
	assert.Equal(t, 1, res.Backlog.Processed)
	assert.Equal(t, int64(1), f.wakes.Load())

	got, err := f.tasks.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskStatusQueued, got.Status)
	assert.Zero(t, got.AttemptCount, "reclaim is not a retry")

	got, err = f.tasks.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskStatusFailed, got.Status)

	got, err = f.tasks.Get(ctx, parked.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ScheduledAt)
}

type failingStore struct {
	*memory.TaskStore
}

func (failingStore) ResetStuckTasks(context.Context, time.Duration) (int64, error) {
	return 0, errors.New("db down")
}

func TestSweeperRunOnceContinuesAfterErrors(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	tasks := memory.NewTaskStore(clk)
	expires := epoch.Add(-time.Minute)
	_, err := tasks.Create(context.Background(), crawler.Task{
		ID: uuid.New(), TeamID: uuid.New(), Kind: crawler.TaskKindScrape, URL: "https://a.example/", ExpiresAt: &expires,
	})
	require.NoError(t, err)

	s, err := NewSweeper(failingStore{tasks}, nil, SweepConfig{}, nil)
	require.NoError(t, err)
	res, err := s.RunOnce(context.Background())
	require.ErrorContains(t, err, "reset stuck tasks")
	assert.Equal(t, int64(1), res.Expired)
}

func TestNewSweeperValidatesSchedule(t *testing.T) {
	t.Parallel()

	tasks := memory.NewTaskStore(nil)
	_, err := NewSweeper(tasks, nil, SweepConfig{Schedule: "every now and then"}, nil)
	require.Error(t, err)
	_, err = NewSweeper(nil, nil, SweepConfig{}, nil)
	require.Error(t, err)

	s, err := NewSweeper(tasks, nil, SweepConfig{Schedule: "*/5 * * * *"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultStaleAfter, s.cfg.StaleAfter)
	assert.Equal(t, DefaultBacklogBatch, s.cfg.BacklogBatch)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	t.Parallel()

	s, err := NewSweeper(memory.NewTaskStore(nil), nil, SweepConfig{}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
