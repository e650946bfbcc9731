package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the device engine and the
// reference service. All Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	// Frame metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	SendFailures   *prometheus.CounterVec
	DecodeErrors   prometheus.Counter

	// Session metrics
	StateTransitions *prometheus.CounterVec
	CurrentState     prometheus.Gauge
	SequenceGaps     *prometheus.CounterVec
	RingOverflow     prometheus.Counter
	SilenceStops     prometheus.Counter
	WakeEvents       prometheus.Counter

	// Playback metrics
	Playbacks        prometheus.Counter
	PlaybackRejected *prometheus.CounterVec
	PlaybackDuration prometheus.Histogram

	// Service session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionDuration  prometheus.Histogram
	UplinkBytes      prometheus.Counter
	Recordings       prometheus.Counter
	RecordingSeconds prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// Synthesis metrics
	SynthesisRequests  prometheus.Counter
	SynthesisSuccesses prometheus.Counter
	SynthesisFailures  prometheus.Counter
	SynthesisDuration  prometheus.Histogram
	SynthesisRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackchan_frames_sent_total",
			Help: "Total number of frames sent, by kind and phase",
		}, []string{"kind", "phase"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackchan_frames_received_total",
			Help: "Total number of frames received, by kind and phase",
		}, []string{"kind", "phase"}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackchan_send_failures_total",
			Help: "Total number of frame sends that failed, by kind",
		}, []string{"kind"}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_decode_errors_total",
			Help: "Total number of malformed frames dropped",
		}),

		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackchan_state_transitions_total",
			Help: "Total number of session state transitions, by target state",
		}, []string{"state"}),
		CurrentState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stackchan_state",
			Help: "Current session state id (0 idle, 1 listening, 2 thinking, 3 speaking)",
		}),
		SequenceGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackchan_sequence_anomalies_total",
			Help: "Total number of out-of-order or duplicate sequence numbers, by direction",
		}, []string{"direction"}),
		RingOverflow: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_ring_overflow_samples_total",
			Help: "Total number of captured samples overwritten before they were sent",
		}),
		SilenceStops: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_silence_stops_total",
			Help: "Total number of uplink sessions ended by silence",
		}),
		WakeEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_wake_events_total",
			Help: "Total number of wake word detections",
		}),

		Playbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_playbacks_total",
			Help: "Total number of downlink sessions played",
		}),
		PlaybackRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackchan_playbacks_rejected_total",
			Help: "Total number of downlink sessions not played, by reason",
		}, []string{"reason"}),
		PlaybackDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackchan_playback_duration_seconds",
			Help:    "Duration of played downlink audio",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stackchan_active_sessions",
			Help: "Current number of connected device sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_sessions_created_total",
			Help: "Total number of device sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_sessions_closed_total",
			Help: "Total number of device sessions closed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackchan_session_duration_seconds",
			Help:    "Duration of device sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}),
		UplinkBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_uplink_bytes_total",
			Help: "Total number of uplink PCM bytes received",
		}),
		Recordings: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_recordings_total",
			Help: "Total number of uplink recordings saved",
		}),
		RecordingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackchan_recording_duration_seconds",
			Help:    "Duration of uplink recordings",
			Buckets: []float64{0.5, 1, 2, 3, 5, 10, 20, 30},
		}),

		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_transcription_requests_total",
			Help: "Total number of transcription requests",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_transcription_successes_total",
			Help: "Total number of successful transcriptions",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_transcription_failures_total",
			Help: "Total number of failed transcriptions",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackchan_transcription_duration_seconds",
			Help:    "Time taken for transcription requests",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_transcription_retries_total",
			Help: "Total number of transcription retries",
		}),

		SynthesisRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_synthesis_requests_total",
			Help: "Total number of speech synthesis requests",
		}),
		SynthesisSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_synthesis_successes_total",
			Help: "Total number of successful speech syntheses",
		}),
		SynthesisFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_synthesis_failures_total",
			Help: "Total number of failed speech syntheses",
		}),
		SynthesisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackchan_synthesis_duration_seconds",
			Help:    "Time taken for speech synthesis requests",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		}),
		SynthesisRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackchan_synthesis_retries_total",
			Help: "Total number of speech synthesis retries",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stackchan_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackchan_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFrameSent records a frame written to the transport
func (m *Metrics) RecordFrameSent(kind, phase string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind, phase).Inc()
}

// RecordSendFailure records a frame that could not be written
func (m *Metrics) RecordSendFailure(kind string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(kind).Inc()
}

// RecordFrameReceived records a decoded inbound frame
func (m *Metrics) RecordFrameReceived(kind, phase string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind, phase).Inc()
}

// RecordDecodeError records a malformed inbound frame
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordStateTransition records entering state
func (m *Metrics) RecordStateTransition(state string, id int) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
	m.CurrentState.Set(float64(id))
}

// RecordSequenceGap records a sequence anomaly in the given direction
func (m *Metrics) RecordSequenceGap(direction string) {
	if m == nil {
		return
	}
	m.SequenceGaps.WithLabelValues(direction).Inc()
}

// RecordRingOverflow records samples overwritten in the capture ring
func (m *Metrics) RecordRingOverflow(samples int) {
	if m == nil || samples <= 0 {
		return
	}
	m.RingOverflow.Add(float64(samples))
}

// RecordSilenceStop records an uplink session ended by silence
func (m *Metrics) RecordSilenceStop() {
	if m == nil {
		return
	}
	m.SilenceStops.Inc()
}

// RecordWakeEvent records a wake word detection
func (m *Metrics) RecordWakeEvent() {
	if m == nil {
		return
	}
	m.WakeEvents.Inc()
}

// RecordPlayback records a downlink session handed to the output
func (m *Metrics) RecordPlayback(durationSeconds float64) {
	if m == nil {
		return
	}
	m.Playbacks.Inc()
	m.PlaybackDuration.Observe(durationSeconds)
}

// RecordPlaybackRejected records a downlink session that was not played
func (m *Metrics) RecordPlaybackRejected(reason string) {
	if m == nil {
		return
	}
	m.PlaybackRejected.WithLabelValues(reason).Inc()
}

// SetActiveSessions updates the connected session gauge
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated records a new device session
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionClosed records a closed device session
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordUplinkBytes records received uplink PCM bytes
func (m *Metrics) RecordUplinkBytes(n int) {
	if m == nil {
		return
	}
	m.UplinkBytes.Add(float64(n))
}

// RecordRecording records a saved uplink recording
func (m *Metrics) RecordRecording(durationSeconds float64) {
	if m == nil {
		return
	}
	m.Recordings.Inc()
	m.RecordingSeconds.Observe(durationSeconds)
}

// RecordTranscriptionRequest records a transcription request
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry records a transcription retry
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordSynthesisRequest records a speech synthesis request
func (m *Metrics) RecordSynthesisRequest() {
	if m == nil {
		return
	}
	m.SynthesisRequests.Inc()
}

// RecordSynthesisSuccess records a successful speech synthesis
func (m *Metrics) RecordSynthesisSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SynthesisSuccesses.Inc()
	m.SynthesisDuration.Observe(durationSeconds)
}

// RecordSynthesisFailure records a failed speech synthesis
func (m *Metrics) RecordSynthesisFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SynthesisFailures.Inc()
	m.SynthesisDuration.Observe(durationSeconds)
}

// RecordSynthesisRetry records a speech synthesis retry
func (m *Metrics) RecordSynthesisRetry() {
	if m == nil {
		return
	}
	m.SynthesisRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
