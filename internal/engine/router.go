// Package engine routes scrape requests to the best-fitting fetch engine.
package engine

import (
	"sync"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// Router selects engines by capability score.
type Router struct {
	mu      sync.RWMutex
	engines []crawler.Engine
}

// NewRouter returns a router holding engines in registration order.
func NewRouter(engines ...crawler.Engine) *Router {
	r := &Router{}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register appends an engine. Nil engines are ignored.
func (r *Router) Register(e crawler.Engine) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines = append(r.engines, e)
}

// Engines returns a snapshot of the registered engines.
func (r *Router) Engines() []crawler.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crawler.Engine, len(r.engines))
	copy(out, r.engines)
	return out
}

// Route returns the engine with the highest positive score. The earliest
// registration wins ties.
func (r *Router) Route(req crawler.ScrapeRequest) (crawler.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best      crawler.Engine
		bestScore int
	)
	for _, e := range r.engines {
		score := e.SupportScore(req)
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return nil, crawler.ErrNoEngineAvailable
	}
	metrics.ObserveEngineSelection(best.Name())
	return best, nil
}

// Has reports whether an engine with the given name is registered.
func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		if e.Name() == name {
			return true
		}
	}
	return false
}
