// Package metrics holds the Prometheus collectors of the call and relay layers.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CallTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsig_call_transitions_total",
			Help: "Call state machine transitions by target state",
		},
		[]string{"state"},
	)

	CallOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsig_call_outcomes_total",
			Help: "Terminal call outcomes",
		},
		[]string{"outcome"},
	)

	Candidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsig_candidates_total",
			Help: "Candidates handled by the state machine",
		},
		[]string{"direction", "result"},
	)

	MissedCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callsig_missed_calls_total",
			Help: "Missed-call records emitted",
		},
	)

	Invitations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsig_invitations_total",
			Help: "Invitation slot changes by reason",
		},
		[]string{"reason"},
	)

	RelayRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callsig_relay_rooms",
			Help: "Rooms currently held by the relay directory",
		},
	)

	RelayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsig_relay_messages_total",
			Help: "Relay wire messages received by type",
		},
		[]string{"type"},
	)

	RelayKicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callsig_relay_backpressure_kicks_total",
			Help: "Members disconnected because their send queue was full",
		},
	)

	JanitorExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "callsig_janitor_expired_total",
			Help: "Ringing sessions ended by the janitor",
		},
	)

	TransportLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callsig_transport_op_duration_seconds",
			Help:    "Durable store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)
)

var registerOnce sync.Once

// Register adds every collector to reg exactly once per process.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			CallTransitions,
			CallOutcomes,
			Candidates,
			MissedCalls,
			Invitations,
			RelayRooms,
			RelayMessages,
			RelayKicks,
			JanitorExpired,
			TransportLatency,
		)
	})
}
