// Package metrics provides Prometheus metrics for docsync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync queue metrics
	syncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_sync_operations_total",
			Help: "Total sync operations processed",
		},
		[]string{"type", "origin", "status"},
	)

	syncQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_sync_queue_size",
			Help: "Number of sync operations waiting to be processed",
		},
	)

	syncedFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_synced_files",
			Help: "Number of files with a registered document",
		},
	)

	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_conflicts_total",
			Help: "Total conflicts detected",
		},
	)

	conflictsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_conflicts_pending",
			Help: "Number of conflicts awaiting resolution",
		},
	)

	conflictResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_conflict_resolutions_total",
			Help: "Total conflict resolutions by strategy",
		},
		[]string{"strategy", "status"},
	)

	// Offline/remote sync metrics
	remoteSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_remote_syncs_total",
			Help: "Total remote sync attempts",
		},
		[]string{"result"},
	)

	remoteSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docsync_remote_sync_duration_seconds",
			Help:    "Remote sync duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	offlineUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_offline_updates_total",
			Help: "Total local document updates made while disconnected",
		},
	)

	// Relay metrics
	relayConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_relay_connections_active",
			Help: "Number of active relay websocket connections",
		},
	)

	relayRoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_relay_rooms_active",
			Help: "Number of relay rooms held in memory",
		},
	)

	relayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_relay_messages_total",
			Help: "Total relay messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	relayDuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_relay_duplicate_updates_total",
			Help: "Total resent updates dropped by the relay",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordSyncOperation records one processed sync operation.
func RecordSyncOperation(opType, origin string, success bool) {
	syncOperationsTotal.WithLabelValues(opType, origin, status(success)).Inc()
}

// SetSyncQueueSize sets the current sync queue length.
func SetSyncQueueSize(n int) {
	syncQueueSize.Set(float64(n))
}

// SetSyncedFiles sets the number of registered documents.
func SetSyncedFiles(n int) {
	syncedFiles.Set(float64(n))
}

// RecordConflict records a detected conflict.
func RecordConflict() {
	conflictsTotal.Inc()
}

// SetConflictsPending sets the number of unresolved conflicts.
func SetConflictsPending(n int) {
	conflictsPending.Set(float64(n))
}

// RecordConflictResolution records a resolveConflict call.
func RecordConflictResolution(strategy string, success bool) {
	conflictResolutionsTotal.WithLabelValues(strategy, status(success)).Inc()
}

// RecordRemoteSync records a TriggerSync outcome ("success", "error",
// "offline" or "skipped").
func RecordRemoteSync(result string, duration time.Duration) {
	remoteSyncsTotal.WithLabelValues(result).Inc()
	if result == "success" || result == "error" {
		remoteSyncDuration.Observe(duration.Seconds())
	}
}

// RecordOfflineUpdate counts a local update made while disconnected.
func RecordOfflineUpdate() {
	offlineUpdatesTotal.Inc()
}

// RelayConnectionOpened increments the active relay connection gauge.
func RelayConnectionOpened() {
	relayConnectionsActive.Inc()
}

// RelayConnectionClosed decrements the active relay connection gauge.
func RelayConnectionClosed() {
	relayConnectionsActive.Dec()
}

// SetRelayRooms sets the number of rooms held by the relay.
func SetRelayRooms(n int) {
	relayRoomsActive.Set(float64(n))
}

// RecordRelayMessage records a relay message; direction is "in" or "out".
func RecordRelayMessage(msgType, direction string) {
	relayMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordRelayDuplicate records a resent update the relay already had.
func RecordRelayDuplicate() {
	relayDuplicatesTotal.Inc()
}
