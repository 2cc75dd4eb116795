// Command mock-backend serves canned transcription backend responses for local
// development of the order verifier.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ymgong66966/restaurant-order-verifier/internal/audio"
	"github.com/ymgong66966/restaurant-order-verifier/internal/order"
	"github.com/ymgong66966/restaurant-order-verifier/internal/reconcile"
)

type mockBackend struct {
	transcript string
	receipt    []order.Item
	delay      time.Duration
	logger     *slog.Logger
}

type itemsResponse struct {
	Success   bool         `json:"success"`
	Text      string       `json:"text,omitempty"`
	FoodItems []order.Item `json:"food_items"`
	Error     string       `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeAudio reads {"audio_data": base64} and checks the WAV header.
func (m *mockBackend) decodeAudio(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	var req struct {
		AudioData string `json:"audio_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, itemsResponse{Error: "malformed request body"})
		return nil, false
	}

	wav, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, itemsResponse{Error: "audio_data is not base64"})
		return nil, false
	}

	info, err := audio.GetWAVInfo(wav)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, itemsResponse{Error: err.Error()})
		return nil, false
	}

	m.logger.Info("Audio received",
		slog.String("path", r.URL.Path),
		slog.Int("bytes", len(wav)),
		slog.Uint64("sample_rate", uint64(info.SampleRate)),
		slog.Float64("duration", info.Duration),
	)

	time.Sleep(m.delay)
	return wav, true
}

func (m *mockBackend) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.decodeAudio(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": m.transcript})
}

func (m *mockBackend) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
	if _, ok := m.decodeAudio(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, itemsResponse{
		Success:   true,
		Text:      m.transcript,
		FoodItems: parseItems(m.transcript),
	})
}

func (m *mockBackend) handleProcessText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, itemsResponse{Error: "malformed request body"})
		return
	}

	m.logger.Info("Text received", slog.String("text", req.Text))
	writeJSON(w, http.StatusOK, itemsResponse{
		Success:   true,
		FoodItems: parseItems(req.Text),
	})
}

// handleVerifyBill pretends the receipt lists the configured items.
func (m *mockBackend) handleVerifyBill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		OrderedItems []order.Item `json:"ordered_items"`
		ReceiptImage string       `json:"receipt_image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.ReceiptImage == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "receipt_image is required"})
		return
	}

	m.logger.Info("Bill verification requested",
		slog.Int("ordered_items", len(req.OrderedItems)),
		slog.Int("image_bytes", len(req.ReceiptImage)),
	)

	time.Sleep(m.delay)
	writeJSON(w, http.StatusOK, reconcile.Reconcile(req.OrderedItems, m.receipt))
}

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// parseItems turns "two burgers and a coke" into items. Anything it cannot
// read becomes a single item of quantity one.
func parseItems(text string) []order.Item {
	text = strings.ReplaceAll(strings.ToLower(text), " and ", ",")
	items := make([]order.Item, 0)

	for _, part := range strings.Split(text, ",") {
		words := strings.Fields(part)
		if len(words) == 0 {
			continue
		}

		quantity := 1
		if n, ok := numberWords[words[0]]; ok {
			quantity = n
			words = words[1:]
		} else if n, err := strconv.Atoi(words[0]); err == nil && n > 0 {
			quantity = n
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}

		name := strings.Join(words, " ")
		if quantity > 1 {
			name = strings.TrimSuffix(name, "s")
		}
		items = append(items, order.Item{Name: name, Quantity: quantity})
	}
	return items
}

func main() {
	addr := flag.String("addr", ":5001", "Listen address")
	transcript := flag.String("transcript", "two burgers and a coke", "Transcript returned for every audio payload")
	receipt := flag.String("receipt", "burger, coke, fries", "Items the fake receipt lists")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	m := &mockBackend{
		transcript: *transcript,
		receipt:    parseItems(*receipt),
		delay:      *delay,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe_audio_chunk", m.handleTranscribe)
	mux.HandleFunc("/process_audio", m.handleProcessAudio)
	mux.HandleFunc("/process_text", m.handleProcessText)
	mux.HandleFunc("/verify_bill", m.handleVerifyBill)

	logger.Info("Mock backend starting", slog.String("address", *addr))

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
