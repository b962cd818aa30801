package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WsConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_websocket_connections_total",
			Help: "Total number of WebSocket connections accepted",
		},
	)

	WsActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_websocket_active_connections",
			Help: "Number of currently open WebSocket connections",
		},
	)

	ActiveParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_active_participants",
			Help: "Number of participants currently tracked as online",
		},
	)

	TeamRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_team_rooms",
			Help: "Number of non-empty team rooms",
		},
	)

	DocumentSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_document_sessions",
			Help: "Number of non-empty document sessions",
		},
	)

	LiveAnalyses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_live_analyses",
			Help: "Number of analyses currently marked live",
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_events_total",
			Help: "Total number of inbound collaboration events by type",
		},
		[]string{"event"},
	)

	MessagesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_messages_sent_total",
			Help: "Total number of team chat messages relayed",
		},
	)

	CommentsAddedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_comments_added_total",
			Help: "Total number of document comments relayed",
		},
	)

	AnalysesSharedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_analyses_shared_total",
			Help: "Total number of live analyses shared",
		},
	)

	AnalysesEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_analyses_evicted_total",
			Help: "Total number of finished analyses evicted from memory",
		},
	)
)
