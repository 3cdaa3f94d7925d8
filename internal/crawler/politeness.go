package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/sensor-archive-crawler/internal/metrics"
)

// DefaultPolitenessDelay is the pause before each listing fetch.
const DefaultPolitenessDelay = time.Second

// pauseController abstracts how the engine waits between listing fetches.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

// timerPauseController serializes pauses across goroutines, so listing
// fetches start at least one delay apart no matter how many targets run.
type timerPauseController struct {
	mu sync.Mutex
}

func (p *timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	metrics.ObservePoliteness(time.Since(start))
}
