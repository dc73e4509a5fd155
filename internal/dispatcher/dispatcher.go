// Package dispatcher runs the worker pool and the periodic maintenance sweep.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner is one worker loop.
type Runner interface {
	Run(ctx context.Context)
}

// Signal is a non-blocking wake-up shared by the workers.
type Signal struct {
	ch chan struct{}
}

// NewSignal buffers up to n pending wake-ups so a burst can wake n idle workers.
func NewSignal(n int) *Signal {
	if n <= 0 {
		n = 1
	}
	return &Signal{ch: make(chan struct{}, n)}
}

// Notify wakes one idle worker, or does nothing when enough wake-ups are pending.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C is received from by idle workers.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Dispatcher fans work out to a pool of workers and runs the sweeper beside them.
type Dispatcher struct {
	workers []Runner
	sweeper *Sweeper
	signal  *Signal
	logger  *zap.Logger
}

// New creates a Dispatcher. sweeper may be nil.
func New(workers []Runner, sweeper *Sweeper, signal *Signal, logger *zap.Logger) *Dispatcher {
	if signal == nil {
		signal = NewSignal(len(workers))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, sweeper: sweeper, signal: signal, logger: logger}
}

// Notify wakes an idle worker. It never blocks.
func (d *Dispatcher) Notify() {
	d.signal.Notify()
}

// Run starts all workers and the sweeper, and blocks until the context
// finishes and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	if d.sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.sweeper.Run(ctx); err != nil {
				d.logger.Error("sweeper stopped", zap.Error(err))
			}
		}()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}
