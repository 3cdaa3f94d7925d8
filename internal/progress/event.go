package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageTargetDone   Stage = "TARGET_DONE"
	StageDownloadDone Stage = "DOWNLOAD_DONE"
	StageRunDone      Stage = "RUN_DONE"
)

// Event captures a single crawl milestone.
type Event struct {
	// RunID identifies the crawl run.
	RunID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Date is the target date (YYYY-MM-DD) for target and download events.
	Date string
	// Sensors lists the target's sensors; Sensor is set for download events.
	Sensors []string
	Sensor  string
	// URL is the listing URL for targets or the file URL for downloads.
	URL string
	// Kind is the archive.DateKind or archive.DownloadKind of the outcome.
	Kind string
	// Bytes carries the size of the materialized file(s).
	Bytes int64
	// Attempts is the number of GETs a download took.
	Attempts int
	// Counts aggregates download outcomes for target and run events.
	Counts archive.Counts
	// Targets and FailedTargets are set on RUN_DONE.
	Targets       int
	FailedTargets int
	ExitCode      int
	// Dur is the elapsed time of the target, download or run.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageTargetDone:
		if e.Date == "" || e.Kind == "" {
			return errors.New("target done requires date and kind")
		}
	case StageDownloadDone:
		if e.URL == "" || e.Kind == "" {
			return errors.New("download done requires url and kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// TargetEvent builds the TARGET_DONE event for a finished date.
func TargetEvent(runID uuid.UUID, ts time.Time, out archive.DateOutcome) Event {
	evt := Event{
		RunID:  runID,
		TS:     ts,
		Stage:  StageTargetDone,
		Date:   out.Target.String(),
		URL:    out.ListingURL,
		Kind:   string(out.Kind),
		Counts: out.Counts,
		Dur:    out.Duration,
	}
	for _, s := range out.Target.Sensors {
		evt.Sensors = append(evt.Sensors, string(s))
	}
	for _, d := range out.Downloads {
		evt.Bytes += d.Bytes
	}
	if out.Err != nil {
		evt.Note = out.Err.Error()
	}
	return evt
}

// DownloadEvent builds the DOWNLOAD_DONE event for one entry.
func DownloadEvent(runID uuid.UUID, ts time.Time, out archive.DownloadOutcome, dur time.Duration) Event {
	evt := Event{
		RunID:    runID,
		TS:       ts,
		Stage:    StageDownloadDone,
		Date:     out.Entry.Date.String(),
		Sensor:   string(out.Entry.Sensor),
		URL:      out.Entry.URL,
		Kind:     string(out.Kind),
		Bytes:    out.Bytes,
		Attempts: out.Attempts,
		Dur:      dur,
	}
	if out.Err != nil {
		evt.Note = out.Err.Error()
	}
	return evt
}
