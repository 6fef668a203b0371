package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation pipeline
	EvaluationPassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetalert_evaluation_passes_total",
			Help: "Total number of debounced evaluation passes",
		},
	)

	CandidateAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetalert_candidate_alerts_total",
			Help: "Total number of candidate alerts produced by threshold rules",
		},
		[]string{"type"},
	)

	DedupSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetalert_dedup_suppressed_total",
			Help: "Candidates suppressed by the in-memory active alert set",
		},
	)

	DeviceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetalert_device_errors_total",
			Help: "Per-device evaluation errors skipped during a pass",
		},
	)

	// Persistence
	AlertsPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetalert_alerts_persisted_total",
			Help: "Alerts accepted by the history service",
		},
		[]string{"type"},
	)

	DuplicateConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetalert_duplicate_conflicts_total",
			Help: "Duplicate-key rejections reported by the history service",
		},
	)

	PersistFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetalert_persist_failures_total",
			Help: "Transient alert persistence failures",
		},
	)

	// Telemetry store writes
	FlagResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetalert_flag_resets_total",
			Help: "One-shot trigger flag reset writes",
		},
		[]string{"result"}, // result: ok, error
	)

	// Distribution
	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetalert_refreshes_total",
			Help: "Alert list fetch-and-publish cycles",
		},
		[]string{"trigger"}, // trigger: poll, demand
	)

	RefreshFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetalert_refresh_failures_total",
			Help: "Failed alert list fetches",
		},
	)

	Observers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetalert_observers",
			Help: "Currently registered alert observers",
		},
	)
)
