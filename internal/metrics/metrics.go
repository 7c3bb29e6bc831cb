// Package metrics exposes fleetd's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_streams_total",
		Help: "Total number of declared streams.",
	})
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_streams_active",
		Help: "Number of streams currently active.",
	})
	StreamsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetd_streams_by_status",
		Help: "Number of streams in each connection status.",
	}, []string{"status"})

	WorkerStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_worker_starts_total",
		Help: "Total number of worker start attempts by outcome.",
	}, []string{"outcome"})
	WorkerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_worker_restarts_total",
		Help: "Total number of worker restarts triggered by a config change.",
	})
	WorkerRestartsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_worker_restarts_throttled_total",
		Help: "Total number of worker restarts skipped due to the per-stream rate limit.",
	})
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetd_reconcile_duration_seconds",
		Help:    "Duration of a full reconcile pass over active streams.",
		Buckets: prometheus.DefBuckets,
	})

	MQTTReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_mqtt_reconnects_total",
		Help: "Total number of MQTT broker (re)connection attempts.",
	})
	FramesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_frames_received_total",
		Help: "Total number of frames received from the MQTT broker, before FPS throttling.",
	})
	FramesThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_frames_throttled_total",
		Help: "Total number of frames dropped by the per-stream FPS cap.",
	})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_hub_subscribers",
		Help: "Current number of live WebSocket subscribers.",
	})
	HubDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_hub_drops_total",
		Help: "Total number of frames dropped from a subscriber's queue to make room for a newer one.",
	})
	HubAutoClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_hub_auto_closed_total",
		Help: "Total number of subscribers auto-closed after exceeding the consecutive-drop threshold.",
	})

	AlertsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_alerts_received_total",
		Help: "Total number of alert events received by severity.",
	}, []string{"severity"})
)
