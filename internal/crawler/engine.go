package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
	"github.com/JakeFAU/sensor-archive-crawler/internal/clock/system"
	"github.com/JakeFAU/sensor-archive-crawler/internal/progress"
	"github.com/JakeFAU/sensor-archive-crawler/internal/retry"
)

// DefaultRunTimeout bounds the wall-clock duration of a whole run.
const DefaultRunTimeout = time.Hour

// Config holds the settings for a crawl run. It is decoupled from viper so
// the engine can be built directly in tests.
type Config struct {
	Layout          archive.Layout
	OutputDir       string
	PolitenessDelay time.Duration
	// RunTimeout bounds the run; zero disables the bound.
	RunTimeout time.Duration
	// FailureThreshold is the failed/attempted target ratio at which the run
	// exits non-zero. Values outside (0, 1] mean 1.
	FailureThreshold float64
}

// Deps are the collaborators a run drives.
type Deps struct {
	// Policy defaults to allowing everything.
	Policy       Policy
	Lister       Lister
	Materializer Materializer
	// Gate defaults to NewGate(DefaultConcurrency).
	Gate     *Gate
	Progress progress.Emitter
	Clock    Clock
	Logger   *zap.Logger
}

// Engine runs crawl targets to completion.
type Engine struct {
	cfg          Config
	policy       Policy
	lister       Lister
	materializer Materializer
	gate         *Gate
	progress     progress.Emitter
	clock        Clock
	logger       *zap.Logger
	pauser       pauseController
}

type allowAll struct{}

func (allowAll) IsAllowed(string) bool { return true }

type discardEmitter struct{}

func (discardEmitter) Emit(progress.Event) {}

// New validates cfg and deps and returns an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Lister == nil {
		return nil, errors.New("lister is required")
	}
	if deps.Materializer == nil {
		return nil, errors.New("materializer is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("output dir is required")
	}
	if cfg.Layout.BaseURL == "" {
		cfg.Layout = archive.NewLayout(cfg.Layout.BaseURL, cfg.Layout.ThresholdYear)
	}
	if cfg.PolitenessDelay < 0 {
		cfg.PolitenessDelay = 0
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = 1
	}
	e := &Engine{
		cfg:          cfg,
		policy:       deps.Policy,
		lister:       deps.Lister,
		materializer: deps.Materializer,
		gate:         deps.Gate,
		progress:     deps.Progress,
		clock:        deps.Clock,
		logger:       deps.Logger,
		pauser:       &timerPauseController{},
	}
	if e.policy == nil {
		e.policy = allowAll{}
	}
	if e.gate == nil {
		e.gate = NewGate(DefaultConcurrency)
	}
	if e.progress == nil {
		e.progress = discardEmitter{}
	}
	if e.clock == nil {
		e.clock = system.New()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

// Run processes every target concurrently and returns once each has an
// outcome. Outcomes are reported in input order. Targets still in progress
// when the run timeout expires, or when ctx ends, are reported Incomplete.
func (e *Engine) Run(ctx context.Context, runID uuid.UUID, targets []archive.Target) Summary {
	started := e.clock.Now()
	logger := e.logger.With(zap.String("run_id", runID.String()))
	logger.Info("crawl run starting",
		zap.Int("targets", len(targets)),
		zap.Int("concurrency", e.gate.Capacity()),
		zap.Duration("politeness_delay", e.cfg.PolitenessDelay),
		zap.Duration("run_timeout", e.cfg.RunTimeout),
	)
	e.progress.Emit(progress.Event{
		RunID:   runID,
		TS:      started,
		Stage:   progress.StageRunStart,
		Targets: len(targets),
	})

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
	}
	defer cancel()

	slots := make([]archive.DateOutcome, len(targets))
	valid := make([]bool, len(targets))
	for i, t := range targets {
		if err := t.Validate(); err != nil {
			slots[i] = archive.DateOutcome{Target: t, Kind: archive.DateInvalidTarget, Err: err}
			e.finishTarget(runID, slots[i], logger)
			continue
		}
		valid[i] = true
	}

	var wg sync.WaitGroup
	for i, t := range targets {
		if !valid[i] {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots[i] = e.processTarget(runCtx, t, runID, logger)
			e.finishTarget(runID, slots[i], logger)
		}()
	}
	wg.Wait()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		logger.Warn("crawl run timeout reached", zap.Duration("run_timeout", e.cfg.RunTimeout))
	}

	summary := newSummary(runID, started, e.clock.Since(started), slots, e.cfg.FailureThreshold)
	summary.MaxInFlight = e.gate.MaxInFlight()
	e.progress.Emit(progress.Event{
		RunID:         runID,
		TS:            e.clock.Now(),
		Stage:         progress.StageRunDone,
		Counts:        summary.Counts,
		Targets:       summary.Targets,
		FailedTargets: summary.Failed,
		ExitCode:      summary.ExitCode(),
		Dur:           summary.Duration,
	})
	return summary
}

func (e *Engine) finishTarget(runID uuid.UUID, out archive.DateOutcome, logger *zap.Logger) {
	if out.Kind == archive.DateInvalidTarget {
		logger.Warn("invalid target", zap.String("date", out.Target.String()), zap.Error(out.Err))
	}
	e.progress.Emit(progress.TargetEvent(runID, e.clock.Now(), out))
}

// processTarget walks one target through policy check, listing, matching and
// downloading. It is the only writer of the target's outcome.
func (e *Engine) processTarget(
	ctx context.Context,
	t archive.Target,
	runID uuid.UUID,
	logger *zap.Logger,
) archive.DateOutcome {
	start := e.clock.Now()
	out := archive.DateOutcome{Target: t, ListingURL: e.cfg.Layout.ListingURL(t.Date)}
	logger = logger.With(zap.String("date", t.String()), zap.String("url", out.ListingURL))

	if !e.policy.IsAllowed(out.ListingURL) {
		logger.Info("robots.txt disallows listing, skipping")
		out.Kind = archive.DateSkipped
		return e.finalize(out, start)
	}

	e.pauser.Pause(ctx, e.cfg.PolitenessDelay)
	if err := e.gate.Acquire(ctx); err != nil {
		return e.finalize(incomplete(out, err), start)
	}
	logger.Debug("checking listing")
	res := e.lister.List(ctx, out.ListingURL)
	e.gate.Release()

	if ctx.Err() != nil || res.Kind == retry.KindCanceled {
		return e.finalize(incomplete(out, ctxErr(ctx, res.Err)), start)
	}
	switch res.Kind {
	case retry.KindOK:
	case retry.KindNotFound:
		logger.Info("listing not found")
		out.Kind = archive.DateNoListing
		out.ListingNotFound = true
		out.Err = res.Err
		return e.finalize(out, start)
	default:
		logger.Warn("listing unavailable", zap.Int("attempt", res.Attempts), zap.Error(res.Err))
		out.Kind = archive.DateNoListing
		out.Err = fmt.Errorf("list %s after %d attempts: %w", out.ListingURL, res.Attempts, res.Err)
		return e.finalize(out, start)
	}

	entries := archive.Match(res.Value.Links, t.Date, t.Sensors, e.cfg.OutputDir)
	if len(entries) == 0 {
		out.Kind = archive.DateNoEntriesMatched
		return e.finalize(out, start)
	}

	out.Downloads = e.download(ctx, runID, entries, logger)
	out.Counts = archive.Tally(out.Downloads)
	out.Kind = archive.DateDownloaded
	if out.Counts.Canceled > 0 && ctx.Err() != nil {
		out = incomplete(out, ctx.Err())
	}
	return e.finalize(out, start)
}

func (e *Engine) finalize(out archive.DateOutcome, start time.Time) archive.DateOutcome {
	out.Duration = e.clock.Since(start)
	return out
}

// download materializes entries concurrently. Every download holds a gate
// slot for its whole retry sequence.
func (e *Engine) download(
	ctx context.Context,
	runID uuid.UUID,
	entries []archive.Entry,
	logger *zap.Logger,
) []archive.DownloadOutcome {
	results := make([]archive.DownloadOutcome, len(entries))
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := e.clock.Now()
			results[i] = e.downloadOne(ctx, entry, logger)
			e.progress.Emit(progress.DownloadEvent(runID, e.clock.Now(), results[i], e.clock.Since(start)))
		}()
	}
	wg.Wait()
	return results
}

func (e *Engine) downloadOne(ctx context.Context, entry archive.Entry, logger *zap.Logger) archive.DownloadOutcome {
	if err := e.gate.Acquire(ctx); err != nil {
		return archive.DownloadOutcome{Entry: entry, Kind: archive.DownloadCanceled, Err: err}
	}
	defer e.gate.Release()
	out := e.materializer.Materialize(ctx, entry)
	if out.Kind != archive.DownloadSuccess {
		logger.Warn("download did not succeed",
			zap.String("sensor", string(entry.Sensor)),
			zap.String("file", entry.URL),
			zap.String("kind", string(out.Kind)),
			zap.Int("attempt", out.Attempts),
			zap.Error(out.Err),
		)
	}
	return out
}

func incomplete(out archive.DateOutcome, cause error) archive.DateOutcome {
	out.Kind = archive.DateIncomplete
	out.Err = fmt.Errorf("run ended before %s finished: %w", out.Target, cause)
	return out
}

func ctxErr(ctx context.Context, fallback error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fallback != nil {
		return fallback
	}
	return context.Canceled
}
