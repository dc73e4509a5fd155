package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawlq/internal/crawler"
)

// Controller admits tasks for workers.
type Controller struct {
	sems    *Semaphores
	backlog *Backlog
	wait    time.Duration
}

// NewController builds a Controller. A positive wait lets TryAdmit block up
// to that long for a slot before parking the task; zero fails fast.
func NewController(sems *Semaphores, backlog *Backlog, wait time.Duration) *Controller {
	if wait < 0 {
		wait = 0
	}
	return &Controller{sems: sems, backlog: backlog, wait: wait}
}

// TryAdmit takes a team slot, waiting at most the configured admission wait.
// When admitted the caller must invoke release; extra calls are no-ops. When
// denied the task is offered to the backlog.
func (c *Controller) TryAdmit(ctx context.Context, task crawler.Task) (func(), bool, error) {
	if c.acquire(ctx, task) {
		team := task.TeamID
		var once sync.Once
		return func() { once.Do(func() { c.sems.Release(team) }) }, true, nil
	}
	if _, err := c.backlog.Offer(ctx, task); err != nil {
		return func() {}, false, fmt.Errorf("offer to backlog: %w", err)
	}
	return func() {}, false, nil
}

func (c *Controller) acquire(ctx context.Context, task crawler.Task) bool {
	if c.sems.TryAcquire(task.TeamID) {
		return true
	}
	if c.wait <= 0 {
		return false
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()
	return c.sems.Acquire(waitCtx, task.TeamID) == nil
}
