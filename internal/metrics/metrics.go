package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	HubConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxlink_hub_connection_state",
		Help: "Current hub connection state (0 connecting, 1 connected, 2 disconnecting, 3 disconnected)",
	})
	HubPendingInvocations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxlink_hub_pending_invocations",
		Help: "Number of invocations waiting for a completion",
	})
	ClientState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxlink_client_state",
		Help: "Current public client state as its ordinal",
	})
	PlaybackQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxlink_playback_queue_length",
		Help: "Number of finalized messages waiting for playback",
	})
)

// Counters
var (
	HubInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxlink_hub_invocations_total",
		Help: "Total invocations sent to the hub by target and outcome",
	}, []string{"target", "outcome"})
	HubMessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxlink_hub_messages_received_total",
		Help: "Total hub messages received by message type",
	}, []string{"type"})
	HubReconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxlink_hub_reconnect_attempts_total",
		Help: "Total reconnect attempts by result",
	}, []string{"result"})
	ResponsesDecodedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxlink_responses_decoded_total",
		Help: "Total server pushes by $type and classification",
	}, []string{"type", "class"})
	ClientStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxlink_client_state_transitions_total",
		Help: "Total public client state transitions by target state",
	}, []string{"state"})
	AudioChunkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxlink_audio_chunk_failures_total",
		Help: "Total audio chunk step failures by step",
	}, []string{"step"})
	LipSyncBusyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxlink_lipsync_busy_total",
		Help: "Total lip-sync requests parked because the backend was busy",
	})
	TranscriptMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxlink_transcript_messages_total",
		Help: "Total chat messages written to the transcript store by outcome",
	}, []string{"outcome"})
	AudioInputBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxlink_audio_input_bytes_total",
		Help: "Total microphone PCM bytes streamed to the server",
	})
)

// Histograms
var (
	AudioChunkStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voxlink_audio_chunk_step_duration_ms",
		Help:    "Audio chunk preparation step duration in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"step"})
	HubInvocationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voxlink_hub_invocation_duration_ms",
		Help:    "Time from invocation to completion in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"target"})
)
