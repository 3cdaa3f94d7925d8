package server

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
	"github.com/JakeFAU/sensor-archive-crawler/internal/progress"
)

// RunStatus is a point-in-time view of the current run.
type RunStatus struct {
	RunID         string         `json:"run_id,omitempty"`
	Started       bool           `json:"started"`
	Finished      bool           `json:"finished"`
	StartedAt     time.Time      `json:"started_at,omitempty"`
	Targets       int            `json:"targets"`
	TargetsDone   int            `json:"targets_done"`
	FailedTargets int            `json:"failed_targets"`
	Downloads     int            `json:"downloads"`
	Bytes         int64          `json:"bytes"`
	Kinds         map[string]int `json:"kinds"`
	Counts        archive.Counts `json:"counts"`
	ExitCode      int            `json:"exit_code"`
}

// Status is a progress.Sink that keeps the RunStatus served on /v1/run.
type Status struct {
	mu  sync.RWMutex
	cur RunStatus
}

// NewStatus returns an empty Status.
func NewStatus() *Status {
	return &Status{cur: RunStatus{Kinds: map[string]int{}}}
}

// Consume folds a batch of events into the status.
func (s *Status) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.cur = RunStatus{
				RunID:     evt.RunID.String(),
				Started:   true,
				StartedAt: evt.TS,
				Targets:   evt.Targets,
				Kinds:     map[string]int{},
			}
		case progress.StageTargetDone:
			s.cur.TargetsDone++
			s.cur.Kinds[evt.Kind]++
			s.cur.Counts.Add(evt.Counts)
		case progress.StageDownloadDone:
			s.cur.Downloads++
			s.cur.Bytes += evt.Bytes
		case progress.StageRunDone:
			s.cur.Finished = true
			s.cur.FailedTargets = evt.FailedTargets
			s.cur.ExitCode = evt.ExitCode
			s.cur.Counts = evt.Counts
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *Status) Close(context.Context) error { return nil }

// Snapshot returns a copy of the current status.
func (s *Status) Snapshot() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.cur
	out.Kinds = make(map[string]int, len(s.cur.Kinds))
	for k, v := range s.cur.Kinds {
		out.Kinds[k] = v
	}
	return out
}
