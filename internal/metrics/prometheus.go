package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts finished scan runs by source, mode and outcome.
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperdata_scans_total",
			Help: "Total number of scan runs by outcome",
		},
		[]string{"source", "mode", "outcome"},
	)

	// ScanDuration tracks the wall time of scan runs in seconds.
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeperdata_scan_duration_seconds",
			Help:    "Duration of scan runs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
		},
		[]string{"source", "mode"},
	)

	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperdata_scan_pages_total",
			Help: "Total number of source pages fetched",
		},
		[]string{"source", "entity"},
	)

	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperdata_change_messages_published_total",
			Help: "Total number of change messages published",
		},
		[]string{"source", "entity"},
	)

	// LockBusy counts acquisitions skipped because another replica held the lock.
	LockBusy = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperdata_lock_busy_total",
			Help: "Total number of lock acquisitions skipped because the lock was held",
		},
		[]string{"lock"},
	)

	// LeaseLost counts runs cancelled because their lease could not be renewed.
	// Any increase warrants an alert.
	LeaseLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperdata_lease_lost_total",
			Help: "Total number of leases lost during a run",
		},
		[]string{"lock"},
	)

	ReconcileOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperdata_reconcile_operations_total",
			Help: "Total number of documents written by reconciliation",
		},
		[]string{"entity", "operation"},
	)

	ImportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperdata_imports_total",
			Help: "Total number of change messages imported by outcome",
		},
		[]string{"source", "outcome"},
	)

	ImportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeperdata_import_duration_seconds",
			Help:    "Duration of holding imports in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"source"},
	)

	// WorkersActive tracks the number of import workers processing a message.
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeperdata_workers_active",
			Help: "Number of import workers currently processing a message",
		},
	)
)
