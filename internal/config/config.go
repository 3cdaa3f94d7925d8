// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SENSORCRAWL_CRAWL_CONCURRENCY=8.
const EnvPrefix = "SENSORCRAWL"

// Mirror providers.
const (
	MirrorNone  = "none"
	MirrorLocal = "local"
	MirrorGCS   = "gcs"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Archive ArchiveConfig `mapstructure:"archive"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Robots  RobotsConfig  `mapstructure:"robots"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

// ArchiveConfig describes the remote archive layout.
type ArchiveConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	ThresholdYear int    `mapstructure:"threshold_year"`
}

// CrawlConfig governs what is crawled and how hard.
type CrawlConfig struct {
	OutputDir        string        `mapstructure:"output_dir"`
	Concurrency      int           `mapstructure:"concurrency"`
	PolitenessDelay  time.Duration `mapstructure:"politeness_delay"`
	RunTimeout       time.Duration `mapstructure:"run_timeout"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Sensors          []string      `mapstructure:"sensors"`
	Dates            []string      `mapstructure:"dates"`
	Start            string        `mapstructure:"start"`
	End              string        `mapstructure:"end"`
	DatesFile        string        `mapstructure:"dates_file"`
	// MissingDatesDir holds one {sensor}_missing_dates.csv per sensor.
	MissingDatesDir string `mapstructure:"missing_dates_dir"`
}

// HTTPConfig configures the HTTP client and its retry behavior.
type HTTPConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	Jitter            bool          `mapstructure:"jitter"`
}

// RobotsConfig controls robots.txt handling.
type RobotsConfig struct {
	Respect       bool   `mapstructure:"respect"`
	OnUnavailable string `mapstructure:"on_unavailable"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the ops HTTP server. An empty address disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LedgerConfig controls the optional Postgres outcome ledger. An empty DSN
// disables it.
type LedgerConfig struct {
	DSN             string        `mapstructure:"dsn"`
	OutcomesTable   string        `mapstructure:"table"`
	RunsTable       string        `mapstructure:"runs_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// MirrorConfig selects where materialized files are copied after download.
type MirrorConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	BaseDir  string `mapstructure:"base_dir"`
}

// NotifyConfig holds the Pub/Sub destination for run summaries. Either field
// empty disables notification.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether a run summary should be published.
func (n NotifyConfig) Enabled() bool {
	return n.ProjectID != "" && n.Topic != ""
}

// New returns a Viper instance with defaults and environment overrides set.
// Commands bind their flags onto it before calling FromViper.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// ReadFile merges the config file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// FromViper unmarshals and validates v.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Crawl.Sensors = splitList(cfg.Crawl.Sensors)
	cfg.Crawl.Dates = splitList(cfg.Crawl.Dates)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("archive.base_url", "https://archive.sensor.community")
	v.SetDefault("archive.threshold_year", 2023)
	v.SetDefault("crawl.output_dir", "downloaded_data")
	v.SetDefault("crawl.concurrency", 5)
	v.SetDefault("crawl.politeness_delay", "1s")
	v.SetDefault("crawl.run_timeout", "1h")
	v.SetDefault("crawl.failure_threshold", 1.0)
	v.SetDefault("crawl.sensors", []string{})
	v.SetDefault("crawl.dates", []string{})
	v.SetDefault("crawl.start", "")
	v.SetDefault("crawl.end", "")
	v.SetDefault("crawl.dates_file", "")
	v.SetDefault("crawl.missing_dates_dir", "")
	v.SetDefault("http.user_agent", "sensorcrawl/1.0 (+https://github.com/JakeFAU/sensor-archive-crawler)")
	v.SetDefault("http.request_timeout", "30s")
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("http.max_retries", 4)
	v.SetDefault("http.backoff_initial", "500ms")
	v.SetDefault("http.backoff_max", "10s")
	v.SetDefault("http.jitter", true)
	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.on_unavailable", "allow")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.table", "crawl_outcomes")
	v.SetDefault("ledger.runs_table", "crawl_runs")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.max_conn_lifetime", "30m")
	v.SetDefault("ledger.ensure_schema", true)
	v.SetDefault("mirror.provider", MirrorNone)
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.base_dir", "")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.Archive.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("archive.base_url must be an absolute URL, got %q", c.Archive.BaseURL))
	}
	if c.Archive.ThresholdYear <= 0 {
		errs = append(errs, errors.New("archive.threshold_year must be > 0"))
	}
	if strings.TrimSpace(c.Crawl.OutputDir) == "" {
		errs = append(errs, errors.New("crawl.output_dir is required"))
	}
	if c.Crawl.Concurrency <= 0 {
		errs = append(errs, errors.New("crawl.concurrency must be > 0"))
	}
	if c.Crawl.PolitenessDelay < 0 {
		errs = append(errs, errors.New("crawl.politeness_delay must be >= 0"))
	}
	if c.Crawl.RunTimeout < 0 {
		errs = append(errs, errors.New("crawl.run_timeout must be >= 0"))
	}
	if c.Crawl.FailureThreshold <= 0 || c.Crawl.FailureThreshold > 1 {
		errs = append(errs, errors.New("crawl.failure_threshold must be in (0, 1]"))
	}
	if (c.Crawl.Start == "") != (c.Crawl.End == "") {
		errs = append(errs, errors.New("crawl.start and crawl.end must be set together"))
	}
	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, errors.New("http.request_timeout must be > 0"))
	}
	if c.HTTP.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("http.requests_per_second must be >= 0"))
	}
	if c.HTTP.MaxRetries <= 0 {
		errs = append(errs, errors.New("http.max_retries must be > 0"))
	}
	if c.HTTP.BackoffInitial < 0 || c.HTTP.BackoffMax < c.HTTP.BackoffInitial {
		errs = append(errs, errors.New("http backoff must satisfy 0 <= backoff_initial <= backoff_max"))
	}
	switch strings.ToLower(c.Robots.OnUnavailable) {
	case "", "allow", "deny", "abort":
	default:
		errs = append(errs, fmt.Errorf("robots.on_unavailable must be allow, deny or abort, got %q", c.Robots.OnUnavailable))
	}
	switch c.Mirror.Provider {
	case "", MirrorNone:
	case MirrorLocal:
		if c.Mirror.BaseDir == "" {
			errs = append(errs, errors.New("mirror.base_dir is required for the local mirror"))
		}
	case MirrorGCS:
		if c.Mirror.Bucket == "" {
			errs = append(errs, errors.New("mirror.bucket is required for the gcs mirror"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mirror.provider %q", c.Mirror.Provider))
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		errs = append(errs, errors.New("notify.project_id and notify.topic must be set together"))
	}
	return errors.Join(errs...)
}

// RetryBudget bounds the time one operation may spend retrying, ignoring
// request time.
func (c Config) RetryBudget() time.Duration {
	var total time.Duration
	delay := c.HTTP.BackoffInitial
	for i := 1; i < c.HTTP.MaxRetries; i++ {
		total += min(delay, c.HTTP.BackoffMax)
		delay *= 2
	}
	return total
}

// splitList flattens comma separated values, which is how lists arrive from
// environment variables.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
