package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below; BaseContext defaults to context.Background().
type Config struct {
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait bounds how long the first event of a batch waits for a flush.
	MaxBatchWait time.Duration
	SinkTimeout  time.Duration
	BaseContext  context.Context
	Logger       *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// durable reports whether events of this stage must reach the sinks. Run and
// target events are the ledger's rows; download events are only telemetry.
func (s Stage) durable() bool {
	return s != StageDownloadDone
}

// Hub fans crawl events out to sinks in batches and is safe for concurrent
// use. Download events never block the crawl and are dropped under
// backpressure; run and target events wait for buffer space instead.
// RUN_DONE flushes its batch immediately.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog rateLimiter

	sinceLog atomic.Int64
	dropped  atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine for sinks and returns a Hub ready to
// accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if evt.Stage.durable() {
		select {
		case h.events <- evt:
		case <-h.stopCh:
		}
		return
	}
	select {
	case h.events <- evt:
	default:
		h.drop(evt)
	}
}

func (h *Hub) drop(evt Event) {
	h.dropped.Add(1)
	h.sinceLog.Add(1)
	if h.dropLog.Allow(time.Now()) {
		h.logger.Warn("progress events dropped due to backpressure",
			zap.Int64("dropped", h.sinceLog.Swap(0)),
			zap.String("stage", string(evt.Stage)),
		)
	}
}

// Close drains buffered events, flushes and closes the sinks, and waits for
// the batching goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// Dropped reports how many download events were discarded for lack of buffer.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer    *time.Timer
		deadline <-chan time.Time
	)
	stopDeadline := func() {
		if timer != nil {
			timer.Stop()
		}
		deadline = nil
	}
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			switch {
			case len(batch) >= h.cfg.MaxBatchEvents || evt.Stage == StageRunDone:
				batch = h.flush(batch)
				stopDeadline()
			case deadline == nil:
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			deadline = nil
			batch = h.flush(batch)
		case <-h.stopCh:
			stopDeadline()
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

// flush hands batch to every sink and returns it emptied for reuse.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	delivered := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, delivered); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.Int("batch", len(delivered)),
				zap.Error(err),
			)
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
