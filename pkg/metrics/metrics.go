package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SourceMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_messages_total",
			Help: "Total number of messages received from the Streaming API (count)",
		},
		[]string{"org"},
	)

	SourceReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_reconnects_total",
			Help: "Total number of streaming client reconnection attempts (count)",
		},
		[]string{"org"},
	)

	ForwardedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarded_messages_total",
			Help: "Total number of messages published to a broker (count)",
		},
		[]string{"broker", "exchange"},
	)

	DroppedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropped_messages_total",
			Help: "Total number of messages dropped for lack of a route (count)",
		},
		[]string{"org"},
	)

	ReplayStorageErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_storage_errors_total",
			Help: "Total number of ignored replay storage failures (count)",
		},
	)

	SinkErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_errors_total",
			Help: "Total number of failed publish attempts (count)",
		},
		[]string{"broker"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

func Register() {
	prometheus.MustRegister(
		SourceMessagesTotal,
		SourceReconnectsTotal,
		ForwardedMessagesTotal,
		DroppedMessagesTotal,
		ReplayStorageErrorsTotal,
		SinkErrorsTotal,
		CircuitBreakerState,
	)
}
