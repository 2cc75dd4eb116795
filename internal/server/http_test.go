package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ymgong66966/restaurant-order-verifier/internal/audio"
	"github.com/ymgong66966/restaurant-order-verifier/internal/capture"
	"github.com/ymgong66966/restaurant-order-verifier/internal/config"
	"github.com/ymgong66966/restaurant-order-verifier/internal/metrics"
	"github.com/ymgong66966/restaurant-order-verifier/internal/order"
	"github.com/ymgong66966/restaurant-order-verifier/internal/ordering"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
	"github.com/ymgong66966/restaurant-order-verifier/internal/reconcile"
	"github.com/ymgong66966/restaurant-order-verifier/internal/transcription"
)

var monoFormat = audio.NativeFormat{SampleRate: 16000, Channels: 1, Encoding: audio.EncodingInt16}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeBackend struct {
	verifyErr error
}

func (b *fakeBackend) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return "one burger", nil
}

func (b *fakeBackend) ExtractItems(ctx context.Context, wav []byte) (*transcription.Extraction, error) {
	return &transcription.Extraction{Text: "one burger", Items: []order.Item{{Name: "Burger", Quantity: 1}}}, nil
}

func (b *fakeBackend) VerifyBill(ctx context.Context, ordered []order.Item, receiptImage string) (*reconcile.Report, error) {
	if b.verifyErr != nil {
		return nil, b.verifyErr
	}
	report := reconcile.Reconcile(ordered, ordered)
	return &report, nil
}

func (b *fakeBackend) GetStats() transcription.ClientStats {
	return transcription.ClientStats{TotalRequests: 3, SuccessRate: 100}
}

// echoRecognizer emits one partial per frame and a final result carrying a
// single item once the audio ends.
type echoRecognizer struct{}

func (echoRecognizer) Recognize(ctx context.Context, sampleRate int, pcm <-chan []byte, results chan<- transcription.Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-pcm:
			if !ok {
				results <- transcription.Result{Final: true, Text: "a milkshake", Items: []order.Item{{Name: "Milkshake", Quantity: 1}}}
				return nil
			}
			results <- transcription.Result{Text: "a milk"}
		}
	}
}

type testServer struct {
	server  *HTTPServer
	handler http.Handler
	backend *fakeBackend
}

func newTestServer(t *testing.T, mutate ...func(*ordering.Options)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Backend.APIKey = "super-secret-key"

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWith(reg)
	backend := &fakeBackend{}

	opts := ordering.Options{
		Tap:        capture.NewPushTap(monoFormat),
		Backend:    backend,
		Recognizer: echoRecognizer{},
		Logger:     testLogger(),
		Metrics:    m,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	orders, err := ordering.New(opts)
	if err != nil {
		t.Fatalf("Failed to create ordering service: %v", err)
	}
	t.Cleanup(orders.Close)

	server := NewHTTPServer(cfg.HTTP, testLogger(), cfg, orders, backend, m, reg)
	return &testServer{server: server, handler: server.Handler(), backend: backend}
}

func (ts *testServer) do(method, path string, body []byte, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestRoutesAndMethods(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/stats", http.StatusOK},
		{http.MethodGet, "/stats/transcription", http.StatusOK},
		{http.MethodGet, "/config", http.StatusOK},
		{http.MethodGet, "/order", http.StatusOK},
		{http.MethodGet, "/streams", http.StatusOK},
		{http.MethodGet, "/missing", http.StatusNotFound},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{http.MethodGet, "/reconcile", http.StatusMethodNotAllowed},
		{http.MethodPut, "/order", http.StatusMethodNotAllowed},
		{http.MethodGet, "/recordings/start", http.StatusMethodNotAllowed},
		{http.MethodGet, "/streams/", http.StatusBadRequest},
		{http.MethodGet, "/streams/unknown", http.StatusNotFound},
		{http.MethodGet, "/streams/unknown/other", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, nil)
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health", nil)

	var health map[string]interface{}
	decode(t, rec, &health)

	if health["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", health["status"])
	}
	components, ok := health["components"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected components in health response")
	}
	for _, name := range []string{"capture", "stream_manager", "transcription"} {
		if _, ok := components[name]; !ok {
			t.Errorf("Expected component %s", name)
		}
	}
}

func TestConfigHidesAPIKey(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/config", nil)
	if strings.Contains(rec.Body.String(), "super-secret-key") {
		t.Errorf("API key leaked in /config response")
	}
	if !strings.Contains(rec.Body.String(), "redacted") {
		t.Errorf("Expected redacted API key marker")
	}
}

func TestOrderItems(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		count  int
	}{
		{"valid items", `{"items":[{"name":"Burger","quantity":2},{"name":"Fries","quantity":1,"price":3.5}]}`, http.StatusCreated, 2},
		{"zero quantity", `{"items":[{"name":"Soda","quantity":0}]}`, http.StatusBadRequest, 2},
		{"empty list", `{"items":[]}`, http.StatusBadRequest, 2},
		{"malformed json", `{"items":`, http.StatusBadRequest, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/order/items", []byte(tt.body))
			if rec.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}

			var current orderResponse
			decode(t, ts.do(http.MethodGet, "/order", nil), &current)
			if current.Count != tt.count {
				t.Errorf("Expected %d items in order, got %d", tt.count, current.Count)
			}
		})
	}

	rec := ts.do(http.MethodDelete, "/order", nil)
	var cleared orderResponse
	decode(t, rec, &cleared)
	if cleared.Count != 0 || cleared.Items == nil {
		t.Errorf("Expected an empty item list after clear, got %+v", cleared)
	}
}

func TestReconcile(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name          string
		body          string
		status        int
		isMatch       bool
		discrepancies int
	}{
		{
			name:    "matching lists",
			body:    `{"ordered_items":[{"name":"Burger","quantity":1}],"billed_items":[{"name":"BURGER","quantity":3}]}`,
			status:  http.StatusOK,
			isMatch: true,
		},
		{
			name:          "missing and extra",
			body:          `{"ordered_items":[{"name":"Salad","quantity":1}],"billed_items":[{"name":"Soda","quantity":2}]}`,
			status:        http.StatusOK,
			discrepancies: 2,
		},
		{
			name:    "both empty",
			body:    `{"ordered_items":[],"billed_items":[]}`,
			status:  http.StatusOK,
			isMatch: true,
		},
		{
			name:   "invalid billed item",
			body:   `{"ordered_items":[],"billed_items":[{"name":"","quantity":1}]}`,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/reconcile", []byte(tt.body))
			if rec.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}

			var report reconcile.Report
			decode(t, rec, &report)
			if report.IsMatch != tt.isMatch {
				t.Errorf("Expected isMatch %v, got %v", tt.isMatch, report.IsMatch)
			}
			if len(report.Discrepancies) != tt.discrepancies {
				t.Errorf("Expected %d discrepancies, got %d", tt.discrepancies, len(report.Discrepancies))
			}
		})
	}
}

func TestOrderVerify(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodPost, "/order/items", []byte(`{"items":[{"name":"Pasta","quantity":1}]}`))

	rec := ts.do(http.MethodPost, "/order/verify", []byte(`{"billed_items":[{"name":"pasta","quantity":1},{"name":"Wine","quantity":1}]}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report reconcile.Report
	decode(t, rec, &report)
	if report.IsMatch {
		t.Errorf("Expected mismatch")
	}
	if len(report.Discrepancies) != 1 || report.Discrepancies[0].Item != "Wine" {
		t.Errorf("Expected one extra Wine discrepancy, got %+v", report.Discrepancies)
	}
	if report.Message != reconcile.MessageMismatch {
		t.Errorf("Unexpected message %q", report.Message)
	}
}

func TestVerifyReceipt(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/order/verify-receipt", []byte(`{"receipt_image":""}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty image, got %d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/order/verify-receipt", []byte(`{"receipt_image":"aW1hZ2U="}`))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	ts.backend.verifyErr = pipeline.Errorf(pipeline.KindTransport, "verify bill", "backend unreachable")
	rec = ts.do(http.MethodPost, "/order/verify-receipt", []byte(`{"receipt_image":"aW1hZ2U="}`))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rec.Code)
	}

	var body map[string]string
	decode(t, rec, &body)
	if body["kind"] != pipeline.KindTransport.String() {
		t.Errorf("Expected transport kind, got %q", body["kind"])
	}
}

func TestRecordingFlow(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(http.MethodPost, "/recordings/stop", nil); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 stopping while idle, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/audio/frames", make([]byte, 640)); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 pushing without a listener, got %d", rec.Code)
	}

	rec := ts.do(http.MethodPost, "/recordings/start", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec := ts.do(http.MethodPost, "/recordings/start", nil); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for second start, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/streams", nil); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 starting a stream while recording, got %d", rec.Code)
	}

	for i := 0; i < 3; i++ {
		if rec := ts.do(http.MethodPost, "/audio/frames", make([]byte, 640)); rec.Code != http.StatusAccepted {
			t.Fatalf("Expected 202 for frame, got %d", rec.Code)
		}
	}

	rec = ts.do(http.MethodPost, "/recordings/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result ordering.RecordingResult
	decode(t, rec, &result)
	if len(result.Items) != 1 || result.Items[0].Name != "Burger" {
		t.Errorf("Unexpected recorded items %+v", result.Items)
	}
	if len(result.Order) != 1 {
		t.Errorf("Expected the order to hold 1 item, got %d", len(result.Order))
	}

	ts.do(http.MethodPost, "/recordings/start", nil)
	if rec := ts.do(http.MethodPost, "/recordings/cancel", nil); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on cancel, got %d", rec.Code)
	}
}

func TestStreamingFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/streams", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var info struct {
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
	}
	decode(t, rec, &info)
	if info.SessionID == "" || info.Mode != string(transcription.ModeStreaming) {
		t.Fatalf("Unexpected stream info %+v", info)
	}

	if rec := ts.do(http.MethodPost, "/recordings/start", nil); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 recording while streaming, got %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		if rec := ts.do(http.MethodPost, "/audio/frames", make([]byte, 640)); rec.Code != http.StatusAccepted {
			t.Fatalf("Expected 202 for frame, got %d", rec.Code)
		}
	}

	if rec := ts.do(http.MethodPost, "/streams/"+info.SessionID+"/finish", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 on finish, got %d", rec.Code)
	}

	var replay struct {
		Events   []transcription.Event `json:"events"`
		Next     int                   `json:"next"`
		Finished bool                  `json:"finished"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		decode(t, ts.do(http.MethodGet, "/streams/"+info.SessionID+"/events", nil), &replay)
		if replay.Finished || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !replay.Finished {
		t.Fatalf("Expected stream to finish")
	}
	last := replay.Events[len(replay.Events)-1]
	if last.Kind != transcription.EventFinal || !last.ItemsDetected {
		t.Errorf("Expected final event with items, got %+v", last)
	}
	if replay.Next != len(replay.Events) {
		t.Errorf("Expected next %d, got %d", len(replay.Events), replay.Next)
	}

	// Server-sent events replay ends at the terminal event.
	sse := ts.do(http.MethodGet, "/streams/"+info.SessionID+"/events?since=0", nil, "Accept", "text/event-stream")
	if ct := sse.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected event stream content type, got %q", ct)
	}
	if !strings.Contains(sse.Body.String(), "event: final") {
		t.Errorf("Expected final event in stream, got %q", sse.Body.String())
	}

	if rec := ts.do(http.MethodGet, "/streams/"+info.SessionID+"/events?since=-1", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative since, got %d", rec.Code)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		var current orderResponse
		decode(t, ts.do(http.MethodGet, "/order", nil), &current)
		if current.Count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected streamed item to be added to the order")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if rec := ts.do(http.MethodDelete, "/streams/"+info.SessionID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 cancelling a finished stream, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/streams/"+info.SessionID, nil); rec.Code != http.StatusOK {
		t.Errorf("Expected finished stream to stay listed, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodGet, "/health", nil)
	ts.do(http.MethodPost, "/health", nil)

	rec := ts.do(http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"orderverifier_http_requests_total", "orderverifier_http_errors_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metric %s in output", name)
		}
	}
}

func TestRecordingStartDenied(t *testing.T) {
	ts := newTestServer(t, func(o *ordering.Options) {
		o.Authorizer = transcription.AuthorizerFunc(func(ctx context.Context) error {
			return pipeline.Errorf(pipeline.KindPermission, "authorize microphone", "no input device")
		})
	})

	rec := ts.do(http.MethodPost, "/recordings/start", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "permission_error") {
		t.Errorf("Expected permission_error kind, got %s", rec.Body.String())
	}

	if rec := ts.do(http.MethodPost, "/audio/frames", make([]byte, 640)); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 pushing after a denied start, got %d", rec.Code)
	}
}
