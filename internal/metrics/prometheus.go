package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the order verifier.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Capture metrics
	CaptureSessionsStarted   prometheus.Counter
	CaptureSessionsCompleted prometheus.Counter
	CaptureFramesReceived    prometheus.Counter
	CaptureFramesDropped     prometheus.Counter
	CaptureDuration          prometheus.Histogram
	PayloadSize              prometheus.Histogram

	// VAD metrics
	VADWindowsProcessed prometheus.Counter
	VADVoiceDetected    prometheus.Counter

	// Utterance metrics
	ChunksGenerated prometheus.Counter
	ChunkDuration   prometheus.Histogram

	// Transcription session metrics
	SessionsStarted     *prometheus.CounterVec
	SessionsTerminated  *prometheus.CounterVec
	StreamFramesDropped prometheus.Counter

	// Backend metrics
	BackendRequests *prometheus.CounterVec
	BackendFailures *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec
	BackendRetries  prometheus.Counter
	ItemsDropped    prometheus.Counter

	// Reconciliation metrics
	Reconciliations *prometheus.CounterVec
	Discrepancies   *prometheus.CounterVec

	// Event publishing metrics
	EventsPublished    prometheus.Counter
	EventPublishErrors prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CaptureSessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_capture_sessions_started_total",
			Help: "Total number of capture sessions started",
		}),
		CaptureSessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_capture_sessions_completed_total",
			Help: "Total number of capture sessions that produced a payload",
		}),
		CaptureFramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_capture_frames_received_total",
			Help: "Total number of native frames delivered by the capture tap",
		}),
		CaptureFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_capture_frames_dropped_total",
			Help: "Total number of frames dropped because the capture buffer was full or the frame was malformed",
		}),
		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderverifier_capture_duration_seconds",
			Help:    "Audio duration of completed capture sessions",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),
		PayloadSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderverifier_payload_size_bytes",
			Help:    "Size of encoded container payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~16MB
		}),

		VADWindowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_vad_windows_processed_total",
			Help: "Total number of VAD windows processed",
		}),
		VADVoiceDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_vad_voice_detected_total",
			Help: "Total number of VAD windows with voice detected",
		}),

		ChunksGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_utterances_generated_total",
			Help: "Total number of utterances cut from streaming audio",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderverifier_utterance_duration_seconds",
			Help:    "Duration of utterances cut from streaming audio",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),

		SessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderverifier_transcription_sessions_started_total",
			Help: "Total number of transcription sessions started",
		}, []string{"mode"}),
		SessionsTerminated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderverifier_transcription_sessions_terminated_total",
			Help: "Total number of transcription sessions by terminal event",
		}, []string{"mode", "event"}),
		StreamFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_stream_frames_dropped_total",
			Help: "Total number of streaming frames dropped because the recognizer queue was full",
		}),

		BackendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderverifier_backend_requests_total",
			Help: "Total number of requests sent to the transcription backend",
		}, []string{"endpoint"}),
		BackendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderverifier_backend_failures_total",
			Help: "Total number of failed backend requests",
		}, []string{"endpoint", "kind"}),
		BackendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orderverifier_backend_request_duration_seconds",
			Help:    "Duration of backend requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}, []string{"endpoint"}),
		BackendRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_backend_retries_total",
			Help: "Total number of backend request retries",
		}),
		ItemsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_items_dropped_total",
			Help: "Total number of malformed food items dropped from backend responses",
		}),

		Reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderverifier_reconciliations_total",
			Help: "Total number of reconciliations by outcome",
		}, []string{"result"}),
		Discrepancies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderverifier_discrepancies_total",
			Help: "Total number of discrepancies found",
		}, []string{"kind"}),

		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_events_published_total",
			Help: "Total number of events published to the message bus",
		}),
		EventPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderverifier_event_publish_errors_total",
			Help: "Total number of failed event publications",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderverifier_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orderverifier_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderverifier_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordCaptureStarted increments the capture sessions started counter
func (m *Metrics) RecordCaptureStarted() {
	if m == nil {
		return
	}
	m.CaptureSessionsStarted.Inc()
}

// RecordCaptureCompleted records a finished capture and its payload
func (m *Metrics) RecordCaptureCompleted(durationSeconds float64, payloadBytes int) {
	if m == nil {
		return
	}
	m.CaptureSessionsCompleted.Inc()
	m.CaptureDuration.Observe(durationSeconds)
	m.PayloadSize.Observe(float64(payloadBytes))
}

// RecordFrame counts one native frame and whether it was dropped
func (m *Metrics) RecordFrame(dropped bool) {
	if m == nil {
		return
	}
	m.CaptureFramesReceived.Inc()
	if dropped {
		m.CaptureFramesDropped.Inc()
	}
}

// RecordVADWindows adds the windows classified during one recognition
func (m *Metrics) RecordVADWindows(total, voice uint64) {
	if m == nil {
		return
	}
	m.VADWindowsProcessed.Add(float64(total))
	m.VADVoiceDetected.Add(float64(voice))
}

// RecordChunkGenerated records an utterance cut from streaming audio
func (m *Metrics) RecordChunkGenerated(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksGenerated.Inc()
	m.ChunkDuration.Observe(durationSeconds)
}

// RecordSessionStarted counts a transcription session start
func (m *Metrics) RecordSessionStarted(mode string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(mode).Inc()
}

// RecordSessionTerminated counts a transcription session's terminal event
func (m *Metrics) RecordSessionTerminated(mode, event string) {
	if m == nil {
		return
	}
	m.SessionsTerminated.WithLabelValues(mode, event).Inc()
}

// RecordStreamFrameDropped counts a frame dropped by a streaming session
func (m *Metrics) RecordStreamFrameDropped() {
	if m == nil {
		return
	}
	m.StreamFramesDropped.Inc()
}

// RecordBackendRequest increments the backend request counter
func (m *Metrics) RecordBackendRequest(endpoint string) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(endpoint).Inc()
}

// RecordBackendSuccess records a successful backend request
func (m *Metrics) RecordBackendSuccess(endpoint string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.BackendDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}

// RecordBackendFailure records a failed backend request
func (m *Metrics) RecordBackendFailure(endpoint, kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.BackendFailures.WithLabelValues(endpoint, kind).Inc()
	m.BackendDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}

// RecordBackendRetry increments the retry counter
func (m *Metrics) RecordBackendRetry() {
	if m == nil {
		return
	}
	m.BackendRetries.Inc()
}

// RecordItemsDropped counts malformed items removed from a response
func (m *Metrics) RecordItemsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemsDropped.Add(float64(n))
}

// RecordReconciliation records the outcome of one reconciliation
func (m *Metrics) RecordReconciliation(isMatch bool, missing, extra int) {
	if m == nil {
		return
	}
	result := "mismatch"
	if isMatch {
		result = "match"
	}
	m.Reconciliations.WithLabelValues(result).Inc()
	m.Discrepancies.WithLabelValues("missing").Add(float64(missing))
	m.Discrepancies.WithLabelValues("extra").Add(float64(extra))
}

// RecordEventPublished records a publish attempt
func (m *Metrics) RecordEventPublished(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.EventPublishErrors.Inc()
		return
	}
	m.EventsPublished.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
