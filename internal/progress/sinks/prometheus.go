package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sensor-archive-crawler/internal/progress"
)

// PrometheusSink exports run, target and download outcome metrics.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   prometheus.Histogram

	targets        *prometheus.CounterVec
	targetDuration *prometheus.HistogramVec
	downloads      *prometheus.CounterVec
	downloadBytes  prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_runs_started_total",
			Help: "Crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_runs_completed_total",
			Help: "Crawl runs completed, partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_runs_running",
			Help: "Crawl runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawl_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
		}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_targets_total",
			Help: "Finished targets partitioned by outcome kind.",
		}, []string{"kind"}),
		targetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawl_target_duration_seconds",
			Help:    "Time from admission to outcome per target.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_downloads_total",
			Help: "Finished downloads partitioned by outcome kind.",
		}, []string{"kind"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_download_bytes_total",
			Help: "Bytes of materialized files.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.targets,
		s.targetDuration,
		s.downloads,
		s.downloadBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			s.runsRunning.Inc()
		case progress.StageRunDone:
			result := "success"
			if evt.ExitCode != 0 {
				result = "failed"
			}
			s.runsCompleted.WithLabelValues(result).Inc()
			s.runsRunning.Dec()
			if evt.Dur > 0 {
				s.runDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StageTargetDone:
			s.targets.WithLabelValues(evt.Kind).Inc()
			if evt.Dur > 0 {
				s.targetDuration.WithLabelValues(evt.Kind).Observe(evt.Dur.Seconds())
			}
		case progress.StageDownloadDone:
			s.downloads.WithLabelValues(evt.Kind).Inc()
			if evt.Bytes > 0 {
				s.downloadBytes.Add(float64(evt.Bytes))
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
