package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the session engine.
type Metrics struct {
	// Streaming channel metrics
	EventsReceived   *prometheus.CounterVec
	DecodeDrops      prometheus.Counter
	MessagesSent     *prometheus.CounterVec
	Disconnects      prometheus.Counter
	ReconnectRetries prometheus.Counter

	// Audio pipeline metrics
	FramesCaptured     prometheus.Counter
	FramesDropped      prometheus.Counter
	SequenceGaps       prometheus.Counter
	CaptureQueueDepth  prometheus.Gauge
	PlaybackStarts     prometheus.Counter
	PlaybackInterrupts prometheus.Counter
	PlaybackDuplicates prometheus.Counter

	// Orchestration metrics
	TurnsSubmitted *prometheus.CounterVec
	TurnsRejected  *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
	TerminalErrors prometheus.Counter
}

// New creates all metrics registered against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_events_received_total",
			Help: "Total number of inbound streaming-channel events by kind",
		}, []string{"kind"}),
		DecodeDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_event_decode_drops_total",
			Help: "Total number of inbound frames dropped as unknown or malformed",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_messages_sent_total",
			Help: "Total number of outbound streaming-channel messages by type",
		}, []string{"type"}),
		Disconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_disconnects_total",
			Help: "Total number of streaming-channel disconnects",
		}),
		ReconnectRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_reconnect_retries_total",
			Help: "Total number of reconnect attempts",
		}),

		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_frames_captured_total",
			Help: "Total number of microphone frames captured",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_frames_dropped_total",
			Help: "Total number of captured frames dropped due to a full queue",
		}),
		SequenceGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_sequence_gaps_total",
			Help: "Total number of detected capture sequence gaps",
		}),
		CaptureQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audio_capture_queue_depth",
			Help: "Current number of frames waiting in the capture queue",
		}),
		PlaybackStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_playback_starts_total",
			Help: "Total number of playback streams started",
		}),
		PlaybackInterrupts: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_playback_interrupts_total",
			Help: "Total number of playback streams stopped before completion",
		}),
		PlaybackDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "audio_playback_duplicates_total",
			Help: "Total number of playback requests dropped as duplicates",
		}),

		TurnsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_turns_submitted_total",
			Help: "Total number of turns submitted by route",
		}, []string{"route"}),
		TurnsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_turns_rejected_total",
			Help: "Total number of turns rejected by reason",
		}, []string{"reason"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_turn_duration_seconds",
			Help:    "Time from turn submission to finalized response",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}),
		TerminalErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_terminal_errors_total",
			Help: "Total number of channel-fatal errors observed",
		}),
	}
}
