// Package postgres provides the Postgres-backed crawl outcome ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sensor-archive-crawler/internal/store"
)

// Default table names.
const (
	DefaultOutcomesTable = "crawl_outcomes"
	DefaultRunsTable     = "crawl_runs"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerConfig controls the Postgres connection pool and table names.
type LedgerConfig struct {
	DSN             string
	OutcomesTable   string
	RunsTable       string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Ledger implements store.Ledger on Postgres.
type Ledger struct {
	pool     pool
	outcomes string
	runs     string
}

var _ store.Ledger = (*Ledger)(nil)

// NewLedger connects to Postgres using the provided config.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l, err := NewLedgerWithPool(p, cfg.OutcomesTable, cfg.RunsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return l, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(p pool, outcomesTable, runsTable string) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if outcomesTable == "" {
		outcomesTable = DefaultOutcomesTable
	}
	if runsTable == "" {
		runsTable = DefaultRunsTable
	}
	for _, table := range []string{outcomesTable, runsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Ledger{pool: p, outcomes: outcomesTable, runs: runsTable}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// EnsureSchema creates the ledger tables when they do not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	runs := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id UUID PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	targets INTEGER NOT NULL DEFAULT 0,
	failed_targets INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER,
	error_message TEXT
)`, l.runs)
	outcomes := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id UUID NOT NULL,
	crawl_date TEXT NOT NULL,
	sensors TEXT[] NOT NULL,
	kind TEXT NOT NULL,
	listing_url TEXT,
	succeeded INTEGER NOT NULL,
	not_found INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	decompression_failed INTEGER NOT NULL,
	canceled INTEGER NOT NULL,
	bytes BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	error_message TEXT,
	finished_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, crawl_date)
)`, l.outcomes)
	for _, ddl := range []string{runs, outcomes} {
		if _, err := l.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// StartRun inserts the run row in the running state.
func (l *Ledger) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s (run_id, started_at, status) VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING`, l.runs)
	if _, err := l.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordOutcomes inserts finished target rows in one transaction.
func (l *Ledger) RecordOutcomes(ctx context.Context, records []store.OutcomeRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outcomes tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	crawl_date,
	sensors,
	kind,
	listing_url,
	succeeded,
	not_found,
	failed,
	decompression_failed,
	canceled,
	bytes,
	duration_ms,
	error_message,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`, l.outcomes)
	for _, rec := range records {
		sensors := rec.Sensors
		if sensors == nil {
			sensors = []string{}
		}
		if _, err = tx.Exec(ctx, query,
			rec.RunID,
			rec.Date,
			sensors,
			rec.Kind,
			rec.ListingURL,
			rec.Succeeded,
			rec.NotFound,
			rec.Failed,
			rec.DecompressionFailed,
			rec.Canceled,
			rec.Bytes,
			rec.Duration.Milliseconds(),
			rec.ErrorMessage,
			rec.FinishedAt,
		); err != nil {
			return fmt.Errorf("insert outcome %s: %w", rec.Date, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcomes: %w", err)
	}
	return nil
}

// FinishRun marks the run finished.
func (l *Ledger) FinishRun(ctx context.Context, rec store.RunRecord) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, targets = $3, failed_targets = $4, exit_code = $5, error_message = $6
WHERE run_id = $7`, l.runs)
	if _, err := l.pool.Exec(ctx, query,
		rec.FinishedAt,
		rec.Status,
		rec.Targets,
		rec.FailedTargets,
		rec.ExitCode,
		rec.ErrorMessage,
		rec.RunID,
	); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}
