package crawler

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/sensor-archive-crawler/internal/fetcher"
	"github.com/JakeFAU/sensor-archive-crawler/internal/metrics"
)

// DefaultConcurrency is the number of network operations admitted at once.
const DefaultConcurrency = 5

// Gate bounds the number of in-flight network operations across a run.
// Acquire suspends until a slot frees or ctx ends; it never fails otherwise.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

// NewGate returns a gate admitting capacity concurrent holders. Non-positive
// capacities fall back to DefaultConcurrency.
func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = DefaultConcurrency
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Capacity reports the configured bound.
func (g *Gate) Capacity() int {
	return g.capacity
}

// Acquire blocks for a slot. The only error is ctx's.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire gate: %w", err)
	}
	n := g.inFlight.Add(1)
	for {
		seen := g.maxSeen.Load()
		if n <= seen || g.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	metrics.IncInFlight()
	return nil
}

// Release returns a slot taken by Acquire.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	metrics.DecInFlight()
	g.sem.Release(1)
}

// MaxInFlight is the highest number of simultaneous holders observed.
func (g *Gate) MaxInFlight() int {
	return int(g.maxSeen.Load())
}

// Getter wraps next so that every request holds a slot for its duration.
func (g *Gate) Getter(next fetcher.Getter) fetcher.Getter {
	return fetcher.GetterFunc(func(ctx context.Context, rawURL string) (fetcher.Response, error) {
		if err := g.Acquire(ctx); err != nil {
			return fetcher.Response{}, err
		}
		defer g.Release()
		return next.Get(ctx, rawURL)
	})
}
