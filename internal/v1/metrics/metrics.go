// Package metrics exposes the Prometheus instrumentation for the signaling
// server. Naming follows namespace_subsystem_name with the sfu_signaling
// namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections is the current number of open websocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu_signaling",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms is the current number of live rooms in the registry.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu_signaling",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks admitted connections per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu_signaling",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of admitted connections in each room",
	}, []string{"room_id"})

	// RequestsTotal counts processed client requests by type and outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_signaling",
		Subsystem: "websocket",
		Name:      "requests_total",
		Help:      "Total client requests processed",
	}, []string{"request_type", "status"})

	// RequestDuration observes request handling latency by type.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sfu_signaling",
		Subsystem: "websocket",
		Name:      "request_duration_seconds",
		Help:      "Time spent handling client requests",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"request_type"})

	// DroppedFrames counts broadcast frames lost to full client queues.
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sfu_signaling",
		Subsystem: "websocket",
		Name:      "dropped_frames_total",
		Help:      "Broadcast frames dropped because a client queue was full",
	})

	// BroadcastsTotal counts room events fanned out to subscribers.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_signaling",
		Subsystem: "room",
		Name:      "broadcasts_total",
		Help:      "Room events published to the broadcast channel",
	}, []string{"event_type"})

	// WorkerEvents counts lifecycle events received from the media worker.
	WorkerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_signaling",
		Subsystem: "media",
		Name:      "worker_events_total",
		Help:      "Lifecycle events received from the media worker",
	}, []string{"event_type"})

	// WorkerCalls counts control calls to the media worker by HTTP method
	// and outcome.
	WorkerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_signaling",
		Subsystem: "media",
		Name:      "worker_calls_total",
		Help:      "Control API calls issued to the media worker",
	}, []string{"method", "outcome"})

	// WorkerCallDuration observes control call latency by HTTP method.
	WorkerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sfu_signaling",
		Subsystem: "media",
		Name:      "worker_call_duration_seconds",
		Help:      "Time spent on media worker control calls",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method"})

	// WorkerBreakerState reflects the media worker circuit breaker:
	// 0 closed, 1 half-open, 2 open.
	WorkerBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu_signaling",
		Subsystem: "media",
		Name:      "worker_breaker_state",
		Help:      "Media worker circuit breaker state (0 closed, 1 half-open, 2 open)",
	})
)
