// Package app builds the long-lived services of a crawl run from
// configuration and tears them down afterwards. It is the composition root
// used by the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
	"github.com/JakeFAU/sensor-archive-crawler/internal/clock/system"
	"github.com/JakeFAU/sensor-archive-crawler/internal/config"
	"github.com/JakeFAU/sensor-archive-crawler/internal/crawler"
	"github.com/JakeFAU/sensor-archive-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/sensor-archive-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/sensor-archive-crawler/internal/id/uuid"
	"github.com/JakeFAU/sensor-archive-crawler/internal/listing"
	"github.com/JakeFAU/sensor-archive-crawler/internal/logging"
	"github.com/JakeFAU/sensor-archive-crawler/internal/materialize"
	"github.com/JakeFAU/sensor-archive-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/sensor-archive-crawler/internal/policy/robots"
	"github.com/JakeFAU/sensor-archive-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/sensor-archive-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/sensor-archive-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sensor-archive-crawler/internal/retry"
	"github.com/JakeFAU/sensor-archive-crawler/internal/server"
	gcsstorage "github.com/JakeFAU/sensor-archive-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sensor-archive-crawler/internal/storage/local"
	pgstore "github.com/JakeFAU/sensor-archive-crawler/internal/storage/postgres"
)

// Publisher pushes the run report to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}

// Options override pieces of the built graph. Zero values use config.
type Options struct {
	// Registerer receives the progress collectors; nil means the default.
	Registerer prometheus.Registerer
	// Publisher replaces the configured Pub/Sub publisher.
	Publisher Publisher
	// Mirror replaces the configured object mirror.
	Mirror materialize.ObjectStore
}

// App contains the services of one crawl run.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   *system.Clock
	ids     *uuid.Generator
	limiter *ratelimit.Limiter
	getter  fetcher.Getter
	gate    *crawler.Gate

	progressHub *progress.Hub
	status      *server.Status
	ops         *server.Server

	mirror    materialize.ObjectStore
	gcsMirror *gcsstorage.BlobStore
	ledger    *pgstore.Ledger
	publisher Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		status: server.NewStatus(),
	}
	a.logger.Info("building crawl services")

	a.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Burst:             cfg.HTTP.Burst,
	})
	a.getter = collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.HTTP.RequestTimeout,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, a.limiter, logger.Named("fetcher"))
	a.gate = crawler.NewGate(cfg.Crawl.Concurrency)
	a.ops = server.New(a.status, logger.Named("ops"))

	var err error
	if err = a.setupMirror(ctx, opts); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err = a.setupLedger(ctx); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err = a.setupPublisher(ctx, opts); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err = a.setupProgress(ctx, opts); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) setupMirror(ctx context.Context, opts Options) error {
	if opts.Mirror != nil {
		a.mirror = opts.Mirror
		return nil
	}
	switch a.cfg.Mirror.Provider {
	case config.MirrorGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsMirror, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Mirror.Bucket})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("gcs mirror init failed: %w", err)
		}
		a.mirror = a.gcsMirror
		a.logger.Info("mirroring files to GCS", zap.String("bucket", a.cfg.Mirror.Bucket))
	case config.MirrorLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Mirror.BaseDir})
		if err != nil {
			return fmt.Errorf("local mirror init failed: %w", err)
		}
		a.mirror = store
		a.logger.Info("mirroring files locally", zap.String("path", a.cfg.Mirror.BaseDir))
	default:
		a.logger.Debug("object mirror disabled")
	}
	return nil
}

func (a *App) setupLedger(ctx context.Context) error {
	if a.cfg.Ledger.DSN == "" {
		a.logger.Debug("no ledger DSN configured, outcomes will not be recorded")
		return nil
	}
	var err error
	a.ledger, err = pgstore.NewLedger(ctx, pgstore.LedgerConfig{
		DSN:             a.cfg.Ledger.DSN,
		OutcomesTable:   a.cfg.Ledger.OutcomesTable,
		RunsTable:       a.cfg.Ledger.RunsTable,
		MaxConns:        a.cfg.Ledger.MaxConns,
		MaxConnLifetime: a.cfg.Ledger.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("ledger init failed: %w", err)
	}
	if a.cfg.Ledger.EnsureSchema {
		if err := a.ledger.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ledger schema: %w", err)
		}
	}
	a.logger.Info("outcome ledger initialized", zap.String("table", a.cfg.Ledger.OutcomesTable))
	return nil
}

func (a *App) setupPublisher(ctx context.Context, opts Options) error {
	if opts.Publisher != nil {
		a.publisher = opts.Publisher
		return nil
	}
	if !a.cfg.Notify.Enabled() {
		a.logger.Debug("no Pub/Sub topic configured, run report will not be published")
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.Notify.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.Notify.ProjectID),
		zap.String("topic", a.cfg.Notify.Topic),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, opts Options) error {
	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		a.status,
	}
	if a.ledger != nil {
		sinkList = append(sinkList, progresssinks.NewLedgerSink(a.ledger, a.logger.Named("progress_ledger")))
	}
	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	a.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

// Run crawls targets and publishes the report. The returned error is set only
// when the run could not start; per-target failures are in the Summary.
func (a *App) Run(ctx context.Context, targets []archive.Target) (crawler.Summary, error) {
	runID, err := a.ids.NewRunID()
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("run id: %w", err)
	}
	logger := logging.ForRun(a.logger, runID.String())
	layout := archive.NewLayout(a.cfg.Archive.BaseURL, a.cfg.Archive.ThresholdYear)
	logBanner(logger, layout, a.cfg, targets)

	opsCtx, stopOps := context.WithCancel(ctx)
	opsDone := a.startOps(opsCtx, logger)
	defer func() {
		stopOps()
		<-opsDone
	}()

	policy, err := a.loadPolicy(ctx, logger)
	if err != nil {
		return crawler.Summary{}, err
	}

	retryCfg := retry.Config{
		MaxAttempts: a.cfg.HTTP.MaxRetries,
		BaseDelay:   a.cfg.HTTP.BackoffInitial,
		MaxDelay:    a.cfg.HTTP.BackoffMax,
		Jitter:      a.cfg.HTTP.Jitter,
	}
	engine, err := crawler.New(crawler.Config{
		Layout:           layout,
		OutputDir:        a.cfg.Crawl.OutputDir,
		PolitenessDelay:  a.cfg.Crawl.PolitenessDelay,
		RunTimeout:       a.cfg.Crawl.RunTimeout,
		FailureThreshold: a.cfg.Crawl.FailureThreshold,
	}, crawler.Deps{
		Policy: policy,
		Lister: listing.New(a.getter, retryCfg, logger.Named("listing")),
		Materializer: materialize.New(a.getter, materialize.Config{
			Retry:        retryCfg,
			MirrorPrefix: a.cfg.Mirror.Prefix,
		}, a.mirror, logger.Named("materialize")),
		Gate:     a.gate,
		Progress: a.progressHub,
		Clock:    a.clock,
		Logger:   a.logger.Named("crawler"),
	})
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("build engine: %w", err)
	}

	summary := engine.Run(ctx, runID, targets)
	a.publishReport(ctx, summary, logger)
	return summary, nil
}

func (a *App) startOps(ctx context.Context, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if a.cfg.Metrics.ListenAddr == "" {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		if err := a.ops.Serve(ctx, a.cfg.Metrics.ListenAddr); err != nil {
			logger.Error("ops server error", zap.Error(err))
		}
	}()
	return done
}

func (a *App) loadPolicy(ctx context.Context, logger *zap.Logger) (crawler.Policy, error) {
	if !a.cfg.Robots.Respect {
		logger.Warn("robots.txt checks disabled")
		return robots.AllowAll(), nil
	}
	mode, err := robots.ParseOnUnavailable(a.cfg.Robots.OnUnavailable)
	if err != nil {
		return nil, fmt.Errorf("robots mode: %w", err)
	}
	policy, err := robots.Resolve(ctx, a.gate.Getter(a.getter), a.cfg.Archive.BaseURL, a.cfg.HTTP.UserAgent, mode)
	if err != nil {
		return nil, err
	}
	if loadErr := policy.LoadErr(); loadErr != nil {
		logger.Warn("robots.txt unavailable, using substitute policy",
			zap.String("mode", string(mode)),
			zap.String("policy", policy.String()),
			zap.Error(loadErr),
		)
	}
	if delay := policy.CrawlDelay(); delay > 0 {
		a.limiter.SetMinInterval(a.cfg.Archive.BaseURL, delay)
		logger.Info("honoring robots.txt crawl-delay", zap.Duration("delay", delay))
	}
	return policy, nil
}

func (a *App) publishReport(ctx context.Context, summary crawler.Summary, logger *zap.Logger) {
	if a.publisher == nil {
		return
	}
	topic := a.cfg.Notify.Topic
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	id, err := a.publisher.Publish(pubCtx, topic, summary.Report())
	if err != nil {
		logger.Error("publish run report failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	logger.Info("run report published", zap.String("topic", topic), zap.String("message_id", id))
}

func logBanner(logger *zap.Logger, layout archive.Layout, cfg config.Config, targets []archive.Target) {
	sensors := map[archive.SensorID]struct{}{}
	for _, t := range targets {
		for _, s := range t.Sensors {
			sensors[s] = struct{}{}
		}
	}
	before := archive.NewDate(layout.ThresholdYear-1, time.January, 1)
	after := archive.NewDate(layout.ThresholdYear, time.January, 1)
	logger.Info("crawl configured",
		zap.String("base_url", layout.BaseURL),
		zap.Int("threshold_year", layout.ThresholdYear),
		zap.String("listing_before_threshold", layout.ListingURL(before)),
		zap.String("listing_from_threshold", layout.ListingURL(after)),
		zap.Int("targets", len(targets)),
		zap.Int("sensors", len(sensors)),
		zap.String("output_dir", cfg.Crawl.OutputDir),
		zap.Duration("retry_budget", cfg.RetryBudget()),
	)
}

// Close flushes progress and releases clients.
func (a *App) Close(ctx context.Context) error {
	errs := a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) []error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.gcsMirror != nil {
		if err := a.gcsMirror.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	return errs
}
