package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ymgong66966/restaurant-order-verifier/internal/config"
	"github.com/ymgong66966/restaurant-order-verifier/internal/metrics"
	"github.com/ymgong66966/restaurant-order-verifier/internal/order"
	"github.com/ymgong66966/restaurant-order-verifier/internal/ordering"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
	"github.com/ymgong66966/restaurant-order-verifier/internal/stream"
	"github.com/ymgong66966/restaurant-order-verifier/internal/transcription"
)

const (
	// maxBodyBytes leaves room for base64 receipt images.
	maxBodyBytes  = 25 << 20
	maxFrameBytes = 1 << 20
)

// BackendStats reports transcription client statistics.
type BackendStats interface {
	GetStats() transcription.ClientStats
}

// HTTPServer provides the ordering API plus monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	orders   *ordering.Service
	backend  BackendStats
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. backend, m and gatherer may be
// nil; without a gatherer /metrics serves the default registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	orders *ordering.Service, backend BackendStats, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger.With("component", "http"),
		config:    appConfig,
		orders:    orders,
		backend:   backend,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	// Recording stop waits on the backend; event streams clear their own deadline.
	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler.
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Monitoring
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/transcription", h.withMetrics("/stats/transcription", h.handleTranscriptionStats))

	// Order
	mux.HandleFunc("/order", h.withMetrics("/order", h.handleOrder))
	mux.HandleFunc("/order/items", h.withMetrics("/order/items", h.handleOrderItems))
	mux.HandleFunc("/order/verify", h.withMetrics("/order/verify", h.handleOrderVerify))
	mux.HandleFunc("/order/verify-receipt", h.withMetrics("/order/verify-receipt", h.handleVerifyReceipt))
	mux.HandleFunc("/reconcile", h.withMetrics("/reconcile", h.handleReconcile))

	// Recording
	mux.HandleFunc("/recordings/start", h.withMetrics("/recordings/start", h.handleRecordingStart))
	mux.HandleFunc("/recordings/stop", h.withMetrics("/recordings/stop", h.handleRecordingStop))
	mux.HandleFunc("/recordings/cancel", h.withMetrics("/recordings/cancel", h.handleRecordingCancel))
	mux.HandleFunc("/audio/frames", h.withMetrics("/audio/frames", h.handleAudioFrames))

	// Streaming sessions
	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ordering.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ordering.ErrStreamNotFound):
		return http.StatusNotFound
	}

	switch pipeline.KindOf(err) {
	case pipeline.KindState:
		return http.StatusConflict
	case pipeline.KindPermission:
		return http.StatusForbidden
	case pipeline.KindTransport, pipeline.KindFormat:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	body := map[string]interface{}{"error": err.Error()}
	if kind := pipeline.KindOf(err); kind != pipeline.KindUnknown {
		body["kind"] = kind.String()
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", ordering.ErrInvalidInput, err)
	}
	return nil
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.orders.Stats()

	components := map[string]interface{}{
		"capture": map[string]interface{}{
			"status": stats.Capture.State,
			"format": stats.Capture.Format,
		},
		"stream_manager": map[string]interface{}{
			"status":         "running",
			"active_streams": stats.ActiveStreams,
		},
	}
	if h.backend != nil {
		backendStats := h.backend.GetStats()
		components["transcription"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  backendStats.TotalRequests,
			"success_rate":    backendStats.SuccessRate,
			"active_requests": backendStats.ActiveRequests,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "restaurant-order-verifier",
			"version": "1.0.0",
		},
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.config.Redacted()
	sanitizedConfig := map[string]interface{}{
		"capture": map[string]interface{}{
			"source":            cfg.Capture.Source,
			"sample_rate":       cfg.Capture.SampleRate,
			"channels":          cfg.Capture.Channels,
			"encoding":          cfg.Capture.Encoding,
			"frames_per_buffer": cfg.Capture.FramesPerBuffer,
			"max_buffer_bytes":  cfg.Capture.MaxBufferBytes,
		},
		"backend": map[string]interface{}{
			"base_url":       cfg.Backend.BaseURL,
			"api_key":        cfg.Backend.APIKey,
			"timeout":        cfg.Backend.Timeout,
			"max_retries":    cfg.Backend.MaxRetries,
			"max_concurrent": cfg.Backend.MaxConcurrent,
		},
		"streaming": map[string]interface{}{
			"vad_threshold":        cfg.Streaming.VADThreshold,
			"window_duration":      cfg.Streaming.WindowDuration,
			"chunk_min_duration":   cfg.Streaming.ChunkMinDuration,
			"chunk_max_duration":   cfg.Streaming.ChunkMaxDuration,
			"min_speech_duration":  cfg.Streaming.MinSpeechDuration,
			"min_silence_duration": cfg.Streaming.MinSilenceDuration,
			"queue_size":           cfg.Streaming.QueueSize,
			"extract_items":        cfg.Streaming.ExtractItems,
			"idle_timeout":         cfg.Streaming.IdleTimeout,
		},
		"events": map[string]interface{}{
			"enabled":  cfg.Events.Enabled,
			"nats_url": cfg.Events.NATSURL,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"ordering":  h.orders.Stats(),
	}
	if h.backend != nil {
		stats["transcription"] = h.backend.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleTranscriptionStats implements the /stats/transcription endpoint
func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.backend == nil {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, h.backend.GetStats())
}

type orderResponse struct {
	Items []order.Item `json:"items"`
	Count int          `json:"count"`
}

func newOrderResponse(snapshot order.Snapshot) orderResponse {
	return orderResponse{Items: snapshot.Items(), Count: snapshot.Len()}
}

// handleOrder implements GET and DELETE /order
func (h *HTTPServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, newOrderResponse(h.orders.Items()))

	case http.MethodDelete:
		h.orders.Clear()
		writeJSON(w, http.StatusOK, newOrderResponse(h.orders.Items()))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleOrderItems implements POST /order/items
func (h *HTTPServer) handleOrderItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Items []order.Item `json:"items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Items) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: items are required", ordering.ErrInvalidInput))
		return
	}

	snapshot, err := h.orders.AddItems(req.Items...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newOrderResponse(snapshot))
}

// handleOrderVerify implements POST /order/verify
func (h *HTTPServer) handleOrderVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BilledItems []order.Item `json:"billed_items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	report, err := h.orders.Verify(req.BilledItems)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleVerifyReceipt implements POST /order/verify-receipt
func (h *HTTPServer) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ReceiptImage string `json:"receipt_image"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	report, err := h.orders.VerifyReceipt(r.Context(), req.ReceiptImage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleReconcile implements POST /reconcile
func (h *HTTPServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		OrderedItems []order.Item `json:"ordered_items"`
		BilledItems  []order.Item `json:"billed_items"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	report, err := h.orders.Reconcile(req.OrderedItems, req.BilledItems)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleRecordingStart implements POST /recordings/start
func (h *HTTPServer) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := h.orders.RecordStart(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"recording_id": id,
		"state":        "recording",
	})
}

// handleRecordingStop implements POST /recordings/stop
func (h *HTTPServer) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := h.orders.RecordStop(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleRecordingCancel implements POST /recordings/cancel
func (h *HTTPServer) handleRecordingCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.orders.RecordCancel(); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleAudioFrames implements POST /audio/frames. The body is one frame in
// the configured native format.
func (h *HTTPServer) handleAudioFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	frame, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes+1))
	if err != nil {
		http.Error(w, "Failed to read frame", http.StatusBadRequest)
		return
	}
	if len(frame) > maxFrameBytes {
		http.Error(w, "Frame too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.orders.PushFrame(frame); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleStreams implements GET and POST /streams
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions := h.orders.Streams()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total_streams": len(sessions),
			"timestamp":     time.Now().UTC(),
			"streams":       sessions,
		})

	case http.MethodPost:
		entry, err := h.orders.StartStream(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry.GetSessionInfo())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStreamDetail implements /streams/{id}, /streams/{id}/finish and
// /streams/{id}/events
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	// Extract stream ID and action from URL path
	rest := r.URL.Path[len("/streams/"):]
	streamID, action, _ := strings.Cut(rest, "/")
	if streamID == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		h.handleStream(w, r, streamID)
	case "finish":
		h.handleStreamFinish(w, r, streamID)
	case "events":
		h.handleStreamEvents(w, r, streamID)
	default:
		http.NotFound(w, r)
	}
}

func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, streamID string) {
	switch r.Method {
	case http.MethodGet:
		entry, err := h.orders.Stream(streamID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry.GetSessionInfo())

	case http.MethodDelete:
		if err := h.orders.CancelStream(streamID); err != nil {
			h.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPServer) handleStreamFinish(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.orders.FinishStream(streamID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleStreamEvents replays a session's events from ?since=N. Clients asking
// for text/event-stream stay connected until the terminal event.
func (h *HTTPServer) handleStreamEvents(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entry, err := h.orders.Stream(streamID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		since, err = strconv.Atoi(v)
		if err != nil || since < 0 {
			http.Error(w, "Invalid since parameter", http.StatusBadRequest)
			return
		}
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		events, _ := entry.EventsSince(since)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session_id": entry.ID,
			"events":     events,
			"next":       since + len(events),
			"finished":   entry.Finished(),
		})
		return
	}

	h.streamEvents(w, r, entry, since)
}

func (h *HTTPServer) streamEvents(w http.ResponseWriter, r *http.Request, entry *stream.StreamSession, since int) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("Failed to clear write deadline", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	next := since
	for {
		events, updated := entry.EventsSince(next)
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
				return
			}
			if ev.Terminal() {
				rc.Flush()
				return
			}
		}
		next += len(events)

		if err := rc.Flush(); err != nil {
			return
		}

		select {
		case <-updated:
		case <-r.Context().Done():
			return
		}
	}
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Restaurant Order Verifier",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get service statistics",
			"GET /stats/transcription":   "Get transcription backend statistics",
			"GET /metrics":               "Prometheus metrics",
			"GET /order":                 "Current order",
			"DELETE /order":              "Clear the order",
			"POST /order/items":          "Add items manually",
			"POST /order/verify":         "Check billed items against the order",
			"POST /order/verify-receipt": "Check a receipt image against the order",
			"POST /reconcile":            "Compare two item lists",
			"POST /recordings/start":     "Start recording a spoken order",
			"POST /recordings/stop":      "Stop recording and add the spoken items",
			"POST /recordings/cancel":    "Drop the current recording",
			"POST /audio/frames":         "Push one native audio frame",
			"GET /streams":               "List streaming sessions",
			"POST /streams":              "Start a streaming session",
			"GET /streams/{id}":          "Streaming session information",
			"DELETE /streams/{id}":       "Cancel a streaming session",
			"POST /streams/{id}/finish":  "End the audio of a streaming session",
			"GET /streams/{id}/events":   "Replay or follow session events",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
