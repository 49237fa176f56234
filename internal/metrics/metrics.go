package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_runs_started_total",
			Help: "Total number of analysis runs started",
		},
	)

	RunsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_runs_completed_total",
			Help: "Total number of analysis runs completed",
		},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_run_duration_seconds",
			Help:    "Full run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Per-symbol job metrics
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_jobs_completed_total",
			Help: "Total number of per-symbol jobs by terminal status",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_job_duration_seconds",
			Help:    "Per-symbol job duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_active_jobs",
			Help: "Number of symbol jobs currently in progress",
		},
	)

	// Control gate metrics
	PausedWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_paused_workers",
			Help: "Number of workers currently parked at a pause breakpoint",
		},
	)

	InterruptChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_interrupt_checks_total",
			Help: "Total breakpoint checks by outcome",
		},
		[]string{"result"},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_stage_duration_seconds",
			Help:    "Analysis stage duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// History metrics
	HistoryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_history_writes_total",
			Help: "Run history writes by result",
		},
		[]string{"result"},
	)
)
