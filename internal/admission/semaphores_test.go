package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoresLimits(t *testing.T) {
	t.Parallel()

	vip := uuid.New()
	s := NewSemaphores(0, map[uuid.UUID]int64{vip: 3, uuid.New(): 0})
	assert.Equal(t, int64(DefaultTeamLimit), s.Limit(uuid.New()))
	assert.Equal(t, int64(3), s.Limit(vip))

	for range 3 {
		require.True(t, s.TryAcquire(vip))
	}
	assert.False(t, s.TryAcquire(vip))
	assert.False(t, s.HasCapacity(vip))

	s.Release(vip)
	assert.True(t, s.HasCapacity(vip))
	assert.True(t, s.HasCapacity(vip), "probing does not consume a slot")
	assert.True(t, s.TryAcquire(vip))
}

func TestSemaphoresAcquireBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	team := uuid.New()
	s := NewSemaphores(1, nil)
	require.NoError(t, s.Acquire(context.Background(), team))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, s.Acquire(ctx, team))

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Release(team)
	}()
	require.NoError(t, s.Acquire(context.Background(), team))
}

func TestSemaphoresNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	team := uuid.New()
	s := NewSemaphores(2, nil)
	var (
		running, peak atomic.Int64
		wg            sync.WaitGroup
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, s.Acquire(context.Background(), team)) {
				return
			}
			defer s.Release(team)
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
}
