package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// OutcomeRecord is one finished target, written once per (run, date).
type OutcomeRecord struct {
	RunID               uuid.UUID
	Date                string
	Sensors             []string
	Kind                string
	ListingURL          string
	Succeeded           int
	NotFound            int
	Failed              int
	DecompressionFailed int
	Canceled            int
	Bytes               int64
	Duration            time.Duration
	ErrorMessage        *string
	FinishedAt          time.Time
}

// RunRecord summarises a finished run.
type RunRecord struct {
	RunID         uuid.UUID
	FinishedAt    time.Time
	Status        RunStatus
	Targets       int
	FailedTargets int
	ExitCode      int
	ErrorMessage  *string
}

// Ledger appends crawl outcomes. It is write-only: the crawler never reads
// it back to decide what to fetch.
type Ledger interface {
	// StartRun inserts the run row in the running state.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// RecordOutcomes appends finished target rows.
	RecordOutcomes(ctx context.Context, records []OutcomeRecord) error
	// FinishRun marks the run finished.
	FinishRun(ctx context.Context, rec RunRecord) error
}
