package crawler

import (
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
)

// Exit statuses derived from a run.
const (
	ExitOK     = 0
	ExitFailed = 1
)

// Summary is the result of one run.
type Summary struct {
	RunID     uuid.UUID
	StartedAt time.Time
	Duration  time.Duration
	// Outcomes holds one entry per input target, in input order.
	Outcomes []archive.DateOutcome
	Counts   archive.Counts
	Targets  int
	Failed   int
	Skipped  int
	// MaxInFlight is the peak number of concurrent network operations.
	MaxInFlight      int
	FailureThreshold float64
}

func newSummary(
	runID uuid.UUID,
	started time.Time,
	dur time.Duration,
	outcomes []archive.DateOutcome,
	threshold float64,
) Summary {
	s := Summary{
		RunID:            runID,
		StartedAt:        started,
		Duration:         dur,
		Outcomes:         outcomes,
		Targets:          len(outcomes),
		FailureThreshold: threshold,
	}
	for _, o := range outcomes {
		s.Counts.Add(o.Counts)
		if o.Kind == archive.DateSkipped {
			s.Skipped++
		}
		if o.Failed() {
			s.Failed++
		}
	}
	return s
}

// Attempted is the number of targets not skipped by the robots policy.
func (s Summary) Attempted() int {
	return s.Targets - s.Skipped
}

// ExitCode is ExitFailed once the share of failed attempted targets reaches
// the failure threshold, and ExitOK otherwise.
func (s Summary) ExitCode() int {
	attempted := s.Attempted()
	if attempted == 0 || s.Failed == 0 {
		return ExitOK
	}
	threshold := s.FailureThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	if float64(s.Failed)/float64(attempted) >= threshold {
		return ExitFailed
	}
	return ExitOK
}

// Report is the JSON form of a Summary published when a run ends.
type Report struct {
	RunID           string         `json:"run_id"`
	StartedAt       time.Time      `json:"started_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Targets         int            `json:"targets"`
	FailedTargets   int            `json:"failed_targets"`
	SkippedTargets  int            `json:"skipped_targets"`
	ExitCode        int            `json:"exit_code"`
	Counts          archive.Counts `json:"counts"`
	Dates           []DateReport   `json:"dates"`
}

// DateReport is the JSON form of one DateOutcome.
type DateReport struct {
	Date       string         `json:"date"`
	Sensors    []string       `json:"sensors"`
	Kind       string         `json:"kind"`
	ListingURL string         `json:"listing_url,omitempty"`
	Counts     archive.Counts `json:"counts"`
	Files      []string       `json:"files,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Report renders s for publication.
func (s Summary) Report() Report {
	r := Report{
		RunID:           s.RunID.String(),
		StartedAt:       s.StartedAt,
		DurationSeconds: s.Duration.Seconds(),
		Targets:         s.Targets,
		FailedTargets:   s.Failed,
		SkippedTargets:  s.Skipped,
		ExitCode:        s.ExitCode(),
		Counts:          s.Counts,
		Dates:           make([]DateReport, 0, len(s.Outcomes)),
	}
	for _, o := range s.Outcomes {
		d := DateReport{
			Date:       o.Target.String(),
			Kind:       string(o.Kind),
			ListingURL: o.ListingURL,
			Counts:     o.Counts,
		}
		for _, sensor := range o.Target.Sensors {
			d.Sensors = append(d.Sensors, string(sensor))
		}
		for _, dl := range o.Downloads {
			if dl.Kind == archive.DownloadSuccess {
				d.Files = append(d.Files, dl.Path)
			}
		}
		if o.Err != nil {
			d.Error = o.Err.Error()
		}
		r.Dates = append(r.Dates, d)
	}
	return r
}
