// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DatagramsReceivedTotal counts datagrams read from the SAP channel or a capture
	DatagramsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sap_datagrams_received_total",
			Help: "Total number of SAP datagrams received",
		},
		[]string{"type"},
	)

	// DatagramsDroppedTotal counts datagrams discarded before reaching the store
	DatagramsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sap_datagrams_dropped_total",
			Help: "Total number of SAP datagrams dropped",
		},
		[]string{"reason"},
	)

	// SessionsActive tracks the current size of the session directory
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sap_sessions_active",
			Help: "Number of sessions currently in the directory",
		},
	)

	// SessionsCreatedTotal counts first announcements
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sap_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	// SessionsRemovedTotal counts removals by cause (delete, expired)
	SessionsRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sap_sessions_removed_total",
			Help: "Total number of sessions removed",
		},
		[]string{"cause"},
	)

	// SinkErrorsTotal counts failed sink operations
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sap_sink_errors_total",
			Help: "Total number of failed sink operations",
		},
		[]string{"op"},
	)

	// AnnouncementsSentTotal counts packets sent by the announcer
	AnnouncementsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sap_announcements_sent_total",
			Help: "Total number of SAP packets sent",
		},
		[]string{"type"},
	)

	// AnnounceErrorsTotal counts failed sends
	AnnounceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sap_announce_errors_total",
			Help: "Total number of failed SAP sends",
		},
	)

	// OpaqueAnnouncementsTotal counts announcements recorded with an encrypted
	// or compressed payload
	OpaqueAnnouncementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sap_opaque_announcements_total",
			Help: "Total number of announcements with encrypted or compressed payloads",
		},
	)

	// SweepDurationSeconds measures a single reaper sweep
	SweepDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sap_sweep_duration_seconds",
			Help:    "Duration of session expiry sweeps in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)
)

// Drop reasons.
const (
	DropShort       = "short"
	DropMalformed   = "malformed"
	DropVersion     = "version"
	DropPayloadType = "payload_type"
)
