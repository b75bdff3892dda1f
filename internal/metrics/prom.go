package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmguard_runs_total",
			Help: "Pipeline runs by terminal status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mdmguard_run_duration_seconds",
			Help:    "Wall time of completed pipeline runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mdmguard_stage_duration_seconds",
			Help:    "Wall time per pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	InputsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmguard_inputs_total",
			Help: "Inbox files handled, by manifest status",
		},
		[]string{"status"},
	)

	WindowsScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmguard_windows_scored_total",
			Help: "Feature windows passed to the scoring engine",
		},
	)

	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmguard_anomalies_total",
			Help: "Anomalous windows after reconciliation, by model",
		},
		[]string{"model"},
	)

	AlertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmguard_alerts_total",
			Help: "Alerts emitted by the policy filter",
		},
	)

	SkippedTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmguard_scheduler_skipped_ticks_total",
			Help: "Scheduler ticks skipped because a run held the lock",
		},
	)

	LastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdmguard_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		},
	)

	NotifyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmguard_notify_errors_total",
			Help: "Failed notification deliveries by channel",
		},
		[]string{"channel"},
	)
)
