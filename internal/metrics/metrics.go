// Package metrics exposes docbridge's Prometheus instrumentation.
//
// Metrics are registered on the default registry at init. cmd/docbridge
// serves them on /metrics when a metrics address is configured.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Extension lifecycle
	ExtensionStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbridge_extension_state_transitions_total",
			Help: "Extension state transitions by target state",
		},
		[]string{"extension", "state"},
	)

	ExtensionRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbridge_extension_restarts_total",
			Help: "Automatic restart attempts by outcome",
		},
		[]string{"extension", "outcome"}, // "success", "failed", "gave_up"
	)

	HeartbeatsMissed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbridge_heartbeats_missed_total",
			Help: "Heartbeats that went unanswered",
		},
		[]string{"extension"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docbridge_command_duration_seconds",
			Help:    "Round trip time of extension commands awaiting a result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"extension", "outcome"}, // "success", "failure", "timeout"
	)

	// Snapshots
	SnapshotsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbridge_snapshots_sent_total",
			Help: "Snapshots handed to a transport",
		},
		[]string{"extension", "transport"},
	)

	SnapshotsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbridge_snapshots_failed_total",
			Help: "Snapshot sends that failed",
		},
		[]string{"extension"},
	)

	SnapshotBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docbridge_snapshot_bytes",
			Help:    "Size of snapshot payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB .. 256MiB
		},
	)

	SnapshotSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbridge_snapshot_skips_total",
			Help: "Snapshot sends skipped by the bridge, by reason",
		},
		[]string{"reason"}, // "interval", "backoff", "unavailable", "format_changed", "unbound"
	)

	// Ledger
	LedgerPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docbridge_ledger_pending",
			Help: "Snapshots awaiting acknowledgment",
		},
	)

	LedgerReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbridge_ledger_releases_total",
			Help: "Ledger entries released, by cause",
		},
		[]string{"cause"}, // "ack", "expired", "evicted", "unregistered"
	)

	LedgerUnknownAcks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docbridge_ledger_unknown_acks_total",
			Help: "Acknowledgments for snapshots the ledger does not hold",
		},
	)

	// Bridge
	Bindings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docbridge_bindings",
			Help: "Active session-extension bindings",
		},
	)

	ConversionCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docbridge_conversion_cache_total",
			Help: "Conversion cache lookups and evictions",
		},
		[]string{"result"}, // "hit", "miss", "evicted", "expired"
	)

	ConversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docbridge_conversion_duration_seconds",
			Help:    "Document conversion time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"format", "outcome"},
	)
)

// RecordStateTransition counts an extension entering state.
func RecordStateTransition(extension, state string) {
	ExtensionStateTransitions.WithLabelValues(extension, state).Inc()
}

// RecordRestart counts a restart attempt outcome.
func RecordRestart(extension, outcome string) {
	ExtensionRestarts.WithLabelValues(extension, outcome).Inc()
}

// RecordHeartbeatMissed counts an unanswered heartbeat.
func RecordHeartbeatMissed(extension string) {
	HeartbeatsMissed.WithLabelValues(extension).Inc()
}

// RecordCommand observes a command round trip.
func RecordCommand(extension, outcome string, d time.Duration) {
	CommandDuration.WithLabelValues(extension, outcome).Observe(d.Seconds())
}

// RecordSnapshotSent counts a delivered snapshot and its size.
func RecordSnapshotSent(extension, transport string, size int) {
	SnapshotsSent.WithLabelValues(extension, transport).Inc()
	SnapshotBytes.Observe(float64(size))
}

// RecordSnapshotFailed counts a failed snapshot send.
func RecordSnapshotFailed(extension string) {
	SnapshotsFailed.WithLabelValues(extension).Inc()
}

// RecordSnapshotSkip counts a bridge-side skip.
func RecordSnapshotSkip(reason string) {
	SnapshotSkips.WithLabelValues(reason).Inc()
}

// RecordLedgerRelease counts released ledger entries.
func RecordLedgerRelease(cause string, n int) {
	if n > 0 {
		LedgerReleases.WithLabelValues(cause).Add(float64(n))
	}
}

// RecordConversion observes a conversion.
func RecordConversion(format string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	ConversionDuration.WithLabelValues(format, outcome).Observe(d.Seconds())
}
