package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-crawler/internal/progress"
	"github.com/JakeFAU/sensor-archive-crawler/internal/store"
)

// LedgerSink appends finished targets and run summaries to a store.Ledger.
// Target rows within a batch are written together.
type LedgerSink struct {
	ledger store.Ledger
	logger *zap.Logger
}

// NewLedgerSink constructs a LedgerSink for the provided ledger.
func NewLedgerSink(ledger store.Ledger, logger *zap.Logger) *LedgerSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerSink{ledger: ledger, logger: logger}
}

// Consume forwards run and target events in batch order. It returns the
// first ledger error.
func (s *LedgerSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.ledger == nil {
		return nil
	}
	var pending []store.OutcomeRecord
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.ledger.RecordOutcomes(ctx, pending); err != nil {
			return fmt.Errorf("record outcomes: %w", err)
		}
		pending = nil
		return nil
	}

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.ledger.StartRun(ctx, evt.RunID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageTargetDone:
			pending = append(pending, outcomeRecord(evt))
		case progress.StageRunDone:
			if err := flush(); err != nil {
				return err
			}
			if err := s.ledger.FinishRun(ctx, runRecord(evt)); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		}
	}
	return flush()
}

func outcomeRecord(evt progress.Event) store.OutcomeRecord {
	rec := store.OutcomeRecord{
		RunID:               evt.RunID,
		Date:                evt.Date,
		Sensors:             evt.Sensors,
		Kind:                evt.Kind,
		ListingURL:          evt.URL,
		Succeeded:           evt.Counts.Succeeded,
		NotFound:            evt.Counts.NotFound,
		Failed:              evt.Counts.Failed,
		DecompressionFailed: evt.Counts.DecompressionFailed,
		Canceled:            evt.Counts.Canceled,
		Bytes:               evt.Bytes,
		Duration:            evt.Dur,
		FinishedAt:          evt.TS,
	}
	if evt.Note != "" {
		note := evt.Note
		rec.ErrorMessage = &note
	}
	return rec
}

func runRecord(evt progress.Event) store.RunRecord {
	rec := store.RunRecord{
		RunID:         evt.RunID,
		FinishedAt:    evt.TS,
		Status:        store.RunSuccess,
		Targets:       evt.Targets,
		FailedTargets: evt.FailedTargets,
		ExitCode:      evt.ExitCode,
	}
	if evt.ExitCode != 0 {
		rec.Status = store.RunFailed
	}
	if evt.Note != "" {
		note := evt.Note
		rec.ErrorMessage = &note
	}
	return rec
}

// Close implements the Sink interface; it performs no action.
func (s *LedgerSink) Close(context.Context) error {
	return nil
}
