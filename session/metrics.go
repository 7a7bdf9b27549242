package session

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shv_client",
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames sent and received by sessions.",
		},
		[]string{"direction", "type"},
	)
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shv_client",
			Subsystem: "session",
			Name:      "calls_total",
			Help:      "Completed calls by outcome.",
		},
		[]string{"outcome"},
	)
	callDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "shv_client",
			Subsystem: "session",
			Name:      "call_duration_seconds",
			Help:      "Time from send to response for calls waited on with Call.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	decodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shv_client",
			Subsystem: "session",
			Name:      "decode_errors_total",
			Help:      "Inbound frames whose body could not be decoded.",
		},
	)
	unmatchedResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shv_client",
			Subsystem: "session",
			Name:      "unmatched_responses_total",
			Help:      "Responses dropped because no call was waiting for their id.",
		},
	)
	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shv_client",
			Subsystem: "session",
			Name:      "dropped_events_total",
			Help:      "Events not delivered because a subscriber buffer was full.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shv_client",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions by target phase.",
		},
		[]string{"phase"},
	)
)

// RegisterMetrics registers the session collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesTotal, callsTotal, callDuration, decodeErrors,
			unmatchedResponses, droppedEvents, stateTransitions)
	})
}

func recordFrame(direction, msgType string) {
	framesTotal.WithLabelValues(direction, msgType).Inc()
}

func recordCalls(outcome string, n int) {
	callsTotal.WithLabelValues(outcome).Add(float64(n))
}

func recordCallDuration(d time.Duration) {
	callDuration.Observe(d.Seconds())
}
