package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-crawler/internal/progress"
)

// LogSink emits one structured log line per finished target and run.
// Download events are logged at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID.String()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageRunStart:
			s.logger.Info("crawl run started", fields...)
		case progress.StageDownloadDone:
			fields = append(fields,
				zap.String("date", evt.Date),
				zap.String("sensor", evt.Sensor),
				zap.String("url", evt.URL),
				zap.String("kind", evt.Kind),
				zap.Int64("bytes", evt.Bytes),
				zap.Int("attempts", evt.Attempts),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Debug("download finished", fields...)
		case progress.StageTargetDone:
			fields = append(fields,
				zap.String("date", evt.Date),
				zap.Strings("sensors", evt.Sensors),
				zap.String("kind", evt.Kind),
				zap.Int("succeeded", evt.Counts.Succeeded),
				zap.Int("not_found", evt.Counts.NotFound),
				zap.Int("failed", evt.Counts.Failed),
				zap.Int("decompression_failed", evt.Counts.DecompressionFailed),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			if evt.Counts.Succeeded == 0 {
				s.logger.Info("no files downloaded for date", fields...)
				continue
			}
			s.logger.Info("date finished", fields...)
		case progress.StageRunDone:
			fields = append(fields,
				zap.Int("targets", evt.Targets),
				zap.Int("failed_targets", evt.FailedTargets),
				zap.Int("succeeded", evt.Counts.Succeeded),
				zap.Int("exit_code", evt.ExitCode),
				zap.Duration("dur", evt.Dur),
			)
			s.logger.Info("crawl run finished", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
