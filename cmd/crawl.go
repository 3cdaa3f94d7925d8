package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-crawler/internal/app"
	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
	"github.com/JakeFAU/sensor-archive-crawler/internal/config"
	"github.com/JakeFAU/sensor-archive-crawler/internal/dates"
	"github.com/JakeFAU/sensor-archive-crawler/internal/logging"
)

const closeTimeout = 30 * time.Second

// crawlFlags maps each crawl flag onto its config key.
var crawlFlags = []struct {
	name, key, usage string
	kind             string
}{
	{"start", "crawl.start", "first date of an inclusive range (YYYY-MM-DD)", "string"},
	{"end", "crawl.end", "last date of an inclusive range (YYYY-MM-DD)", "string"},
	{"date", "crawl.dates", "date to crawl; repeatable", "strings"},
	{"dates-file", "crawl.dates_file", "CSV of dates (first column, header skipped)", "string"},
	{"missing-dates-dir", "crawl.missing_dates_dir", "directory of {sensor}_missing_dates.csv files", "string"},
	{"sensor", "crawl.sensors", "sensor id; repeatable", "strings"},
	{"output", "crawl.output_dir", "output directory", "string"},
	{"concurrency", "crawl.concurrency", "maximum concurrent requests", "int"},
	{"politeness-delay", "crawl.politeness_delay", "pause before each listing fetch", "duration"},
	{"run-timeout", "crawl.run_timeout", "wall-clock limit for the run (0 disables)", "duration"},
	{"failure-threshold", "crawl.failure_threshold", "failed target ratio that makes the run exit 1", "float"},
	{"base-url", "archive.base_url", "archive root URL", "string"},
	{"threshold-year", "archive.threshold_year", "first year listed at the archive root", "int"},
	{"user-agent", "http.user_agent", "User-Agent header and robots.txt agent", "string"},
	{"request-timeout", "http.request_timeout", "per-request timeout", "duration"},
	{"requests-per-second", "http.requests_per_second", "per-host request rate cap (0 = unlimited)", "float"},
	{"max-retries", "http.max_retries", "attempts per request", "int"},
	{"respect-robots", "robots.respect", "honor robots.txt", "bool"},
	{"robots-on-unavailable", "robots.on_unavailable", "allow, deny or abort when robots.txt cannot be fetched", "string"},
	{"metrics-addr", "metrics.listen_addr", "ops server listen address (empty disables)", "string"},
	{"ledger-dsn", "ledger.dsn", "Postgres DSN for the outcome ledger", "string"},
	{"mirror", "mirror.provider", "object mirror: none, local or gcs", "string"},
	{"mirror-bucket", "mirror.bucket", "GCS bucket for the gcs mirror", "string"},
	{"mirror-dir", "mirror.base_dir", "directory for the local mirror", "string"},
	{"mirror-prefix", "mirror.prefix", "key prefix for mirrored files", "string"},
	{"notify-project", "notify.project_id", "GCP project for run reports", "string"},
	{"notify-topic", "notify.topic", "Pub/Sub topic for run reports", "string"},
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Downloads archive files for the given dates and sensors",
		Long: `Crawls one listing per date and downloads every file matching the
requested sensors. Dates come from --start/--end, --date, --dates-file or
--missing-dates-dir; they may be combined.

Exit status is 0 unless the share of failed targets reaches
--failure-threshold, or the run could not start.`,
		Example: `  sensorcrawl crawl --start 2024-01-30 --end 2024-12-31 --sensor 26656 --sensor 10701
  sensorcrawl crawl --dates-file missing_sensor_dates/26656_missing_dates.csv --sensor 26656`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	for _, f := range crawlFlags {
		switch f.kind {
		case "strings":
			flags.StringSlice(f.name, nil, f.usage)
		case "int":
			flags.Int(f.name, 0, f.usage)
		case "float":
			flags.Float64(f.name, 0, f.usage)
		case "bool":
			flags.Bool(f.name, false, f.usage)
		case "duration":
			flags.Duration(f.name, 0, f.usage)
		default:
			flags.String(f.name, "", f.usage)
		}
		mustBind(v, f.key, flags.Lookup(f.name))
	}
	return cmd
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func runCrawl(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	targets, err := resolveTargets(cfg.Crawl)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := services.Close(closeCtx); cerr != nil {
			logger.Warn("failed to close services", zap.Error(cerr))
		}
	}()

	summary, err := services.Run(ctx, targets)
	if err != nil {
		return fmt.Errorf("run crawler: %w", err)
	}
	logger.Info("crawl command finished",
		zap.String("run_id", summary.RunID.String()),
		zap.Int("targets", summary.Targets),
		zap.Int("failed_targets", summary.Failed),
		zap.Int("files", summary.Counts.Succeeded),
		zap.Int("exit_code", summary.ExitCode()),
	)
	if code := summary.ExitCode(); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

// resolveTargets gathers dates from every configured source in order
// (explicit dates, range, dates file, per-sensor missing-date files) and
// drops repeats of the same date for the same sensors.
func resolveTargets(c config.CrawlConfig) ([]archive.Target, error) {
	sensors := archive.SensorIDs(c.Sensors)
	if len(sensors) == 0 {
		return nil, fmt.Errorf("at least one --sensor is required")
	}

	raw := append([]string(nil), c.Dates...)
	if c.Start != "" || c.End != "" {
		days, err := dates.ParseRange(c.Start, c.End)
		if err != nil {
			return nil, fmt.Errorf("date range: %w", err)
		}
		for _, d := range days {
			raw = append(raw, d.String())
		}
	}
	if c.DatesFile != "" {
		fromFile, err := dates.FromFile(c.DatesFile)
		if err != nil {
			return nil, err
		}
		raw = append(raw, fromFile...)
	}
	targets := archive.NewTargets(raw, sensors)

	if c.MissingDatesDir != "" {
		for _, sensor := range sensors {
			missing, err := dates.FromFile(dates.MissingDatesPath(c.MissingDatesDir, sensor))
			if err != nil {
				return nil, fmt.Errorf("missing dates for %s: %w", sensor, err)
			}
			targets = append(targets, archive.NewTargets(missing, []archive.SensorID{sensor})...)
		}
	}

	targets = dedupeTargets(targets)
	if len(targets) == 0 {
		return nil, fmt.Errorf("no dates given: use --start/--end, --date, --dates-file or --missing-dates-dir")
	}
	return targets, nil
}

// dedupeTargets keeps the first request for each (date, sensor) pair across
// all date sources. Dates compare in canonical form; unparseable ones compare
// by their raw text. Targets left without sensors are dropped.
func dedupeTargets(in []archive.Target) []archive.Target {
	seen := make(map[string]map[archive.SensorID]struct{}, len(in))
	out := make([]archive.Target, 0, len(in))
	for _, t := range in {
		key := strings.TrimSpace(t.Raw)
		if t.Err == nil {
			key = t.Date.String()
		}
		covered, ok := seen[key]
		if !ok {
			covered = make(map[archive.SensorID]struct{}, len(t.Sensors))
			seen[key] = covered
		}
		sensors := make([]archive.SensorID, 0, len(t.Sensors))
		for _, sensor := range t.Sensors {
			if _, dup := covered[sensor]; dup {
				continue
			}
			covered[sensor] = struct{}{}
			sensors = append(sensors, sensor)
		}
		if len(sensors) == 0 {
			continue
		}
		t.Sensors = sensors
		out = append(out, t)
	}
	return out
}
