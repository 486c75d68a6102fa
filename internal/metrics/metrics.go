// Package metrics defines the Prometheus collectors exported by ChatSync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Send outcomes.
const (
	SendSynced       = "synced"
	SendReidentified = "reidentified"
	SendPending      = "pending"
	SendFailed       = "failed"
)

// Load sources.
const (
	LoadRemote = "remote"
	LoadCache  = "cache"
	LoadFailed = "failed"
)

var (
	// Reconciler metrics
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Total sends by outcome",
		},
		[]string{"outcome"},
	)

	LoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_loads_total",
			Help: "Total loads by where the result came from",
		},
		[]string{"source"},
	)

	ResendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_resends_total",
			Help: "Total resends of pending messages by outcome",
		},
		[]string{"outcome"},
	)

	PendingMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_pending_messages",
			Help: "Messages currently waiting for a successful send",
		},
	)

	// Remote source metrics
	RemoteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_remote_duration_seconds",
			Help:    "Remote source call latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)
