package transcription

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ymgong66966/restaurant-order-verifier/internal/audio"
	"github.com/ymgong66966/restaurant-order-verifier/internal/metrics"
	"github.com/ymgong66966/restaurant-order-verifier/internal/order"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
	"github.com/ymgong66966/restaurant-order-verifier/internal/reconcile"
)

// Backend endpoints.
const (
	PathTranscribe   = "/transcribe_audio_chunk"
	PathProcessAudio = "/process_audio"
	PathProcessText  = "/process_text"
	PathVerifyBill   = "/verify_bill"
)

// DefaultTimeout bounds every backend exchange unless configured otherwise.
const DefaultTimeout = 30 * time.Second

// Client talks to the transcription and item-extraction backend
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	droppedItems    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains backend client configuration
type Config struct {
	BaseURL       string
	APIKey        string // optional bearer token
	Timeout       time.Duration
	MaxRetries    int // retries are opt-in; zero means a single attempt
	RetryBackoff  time.Duration
	MaxConcurrent int
}

// Extraction is the result of turning speech or text into order items.
type Extraction struct {
	Text    string       `json:"text,omitempty"`
	Items   []order.Item `json:"items"`
	Dropped int          `json:"dropped"`
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	DroppedItems    uint64        `json:"dropped_items"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

type audioRequest struct {
	AudioData string `json:"audio_data"`
}

type textRequest struct {
	Text string `json:"text"`
}

type verifyRequest struct {
	OrderedItems []order.Item `json:"ordered_items"`
	ReceiptImage string       `json:"receipt_image"`
}

// envelope covers every backend response shape; pointer fields tell absent from zero.
type envelope struct {
	Success   *bool             `json:"success"`
	Error     string            `json:"error"`
	Text      *string           `json:"text"`
	FoodItems []json.RawMessage `json:"food_items"`
}

type rawItem struct {
	Name     *string  `json:"name"`
	Quantity *float64 `json:"quantity"`
	Price    *float64 `json:"price"`
}

type rawReport struct {
	Message       *string                 `json:"message"`
	Discrepancies []reconcile.Discrepancy `json:"discrepancies"`
	IsMatch       *bool                   `json:"isMatch"`
}

// NewClient creates a backend client. logger and m may be nil.
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if logger == nil {
		logger = slog.Default()
	}

	// Per-attempt deadlines come from the request context; a timeout unwraps
	// to context.DeadlineExceeded.
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger.With("component", "backend_client"),
		metrics:    m,
	}, nil
}

// Transcribe submits one finished WAV payload and returns the transcript.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var env envelope
	if err := c.call(ctx, PathTranscribe, audioRequest{AudioData: base64.StdEncoding.EncodeToString(wav)}, &env); err != nil {
		return "", err
	}

	if err := checkEnvelope(PathTranscribe, &env); err != nil {
		return "", err
	}

	if env.Text == nil {
		return "", pipeline.Errorf(pipeline.KindFormat, PathTranscribe, "response is missing the text field")
	}

	return strings.TrimSpace(*env.Text), nil
}

// ExtractItems submits a WAV payload and returns the food items heard in it.
func (c *Client) ExtractItems(ctx context.Context, wav []byte) (*Extraction, error) {
	return c.extract(ctx, PathProcessAudio, audioRequest{AudioData: base64.StdEncoding.EncodeToString(wav)})
}

// ProcessText extracts food items from an already transcribed sentence.
func (c *Client) ProcessText(ctx context.Context, text string) (*Extraction, error) {
	return c.extract(ctx, PathProcessText, textRequest{Text: text})
}

func (c *Client) extract(ctx context.Context, path string, body any) (*Extraction, error) {
	var env envelope
	if err := c.call(ctx, path, body, &env); err != nil {
		return nil, err
	}

	if err := checkEnvelope(path, &env); err != nil {
		return nil, err
	}

	if env.FoodItems == nil {
		return nil, pipeline.Errorf(pipeline.KindFormat, path, "response is missing the food_items field")
	}

	items, dropped := parseItems(env.FoodItems)
	if dropped > 0 {
		c.logger.Warn("Dropped malformed food items", "endpoint", path, "dropped", dropped, "kept", len(items))
		c.metrics.RecordItemsDropped(dropped)
		c.mu.Lock()
		c.droppedItems += uint64(dropped)
		c.mu.Unlock()
	}

	extraction := &Extraction{Items: items, Dropped: dropped}
	if env.Text != nil {
		extraction.Text = *env.Text
	}
	return extraction, nil
}

// VerifyBill asks the backend to read a receipt image and compare it with the order.
func (c *Client) VerifyBill(ctx context.Context, ordered []order.Item, receiptImage string) (*reconcile.Report, error) {
	var raw rawReport
	if err := c.call(ctx, PathVerifyBill, verifyRequest{OrderedItems: ordered, ReceiptImage: receiptImage}, &raw); err != nil {
		return nil, err
	}

	if raw.Message == nil || raw.IsMatch == nil {
		return nil, pipeline.Errorf(pipeline.KindFormat, PathVerifyBill, "response is missing message or isMatch")
	}

	report := &reconcile.Report{
		Message:       *raw.Message,
		Discrepancies: raw.Discrepancies,
		IsMatch:       *raw.IsMatch,
	}
	if report.Discrepancies == nil {
		report.Discrepancies = make([]reconcile.Discrepancy, 0)
	}
	return report, nil
}

// checkEnvelope turns an explicit success=false into a transport error.
func checkEnvelope(path string, env *envelope) error {
	if env.Success != nil && !*env.Success {
		msg := env.Error
		if msg == "" {
			msg = "unspecified backend failure"
		}
		return pipeline.Errorf(pipeline.KindTransport, path, "backend reported failure: %s", msg)
	}
	return nil
}

// parseItems keeps well-formed items and counts the rest.
func parseItems(raws []json.RawMessage) ([]order.Item, int) {
	items := make([]order.Item, 0, len(raws))
	dropped := 0

	for _, raw := range raws {
		var ri rawItem
		if err := json.Unmarshal(raw, &ri); err != nil || ri.Name == nil || ri.Quantity == nil {
			dropped++
			continue
		}

		if *ri.Quantity != math.Trunc(*ri.Quantity) {
			dropped++
			continue
		}

		item := order.Item{
			Name:     strings.TrimSpace(*ri.Name),
			Quantity: int(*ri.Quantity),
			Price:    ri.Price,
		}
		if err := item.Validate(); err != nil {
			dropped++
			continue
		}

		items = append(items, item)
	}

	return items, dropped
}

// call performs one logical request with the configured retry policy.
func (c *Client) call(ctx context.Context, path string, body any, out any) error {
	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return pipeline.Wrap(pipeline.KindTransport, path, ctx.Err())
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return pipeline.Wrap(pipeline.KindFormat, path, fmt.Errorf("encode request: %w", err))
	}

	startTime := time.Now()
	c.incrementTotalRequests()
	c.metrics.RecordBackendRequest(path)

	var lastErr error

retry:
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordBackendRetry()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryBackoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				lastErr = pipeline.Wrap(pipeline.KindTransport, path, ctx.Err())
				break retry
			}
		}

		err := c.doRequest(ctx, path, payload, out)
		if err == nil {
			elapsed := time.Since(startTime)
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(elapsed)
			c.metrics.RecordBackendSuccess(path, elapsed.Seconds())
			return nil
		}

		lastErr = err
		c.logger.Debug("Backend request failed", "endpoint", path, "attempt", attempt+1, "error", err)

		if !isRetryableError(err) || ctx.Err() != nil {
			break
		}
	}

	c.incrementFailedRequests()
	c.metrics.RecordBackendFailure(path, pipeline.KindOf(lastErr).String(), time.Since(startTime).Seconds())
	c.logger.Warn("Backend request failed", "endpoint", path, "error", lastErr)

	return lastErr
}

// doRequest performs a single HTTP exchange
func (c *Client) doRequest(ctx context.Context, path string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return pipeline.Wrap(pipeline.KindTransport, path, fmt.Errorf("failed to create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Restaurant-Order-Verifier/1.0")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pipeline.Wrap(pipeline.KindTransport, path, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeline.Wrap(pipeline.KindTransport, path, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pipeline.Wrap(pipeline.KindTransport, path, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		})
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return pipeline.Wrap(pipeline.KindFormat, path, fmt.Errorf("failed to parse response JSON: %w", err))
	}

	return nil
}

// isRetryableError reports whether another attempt could succeed: timeouts,
// network failures, 5xx and 429.
func isRetryableError(err error) bool {
	if !pipeline.IsKind(err, pipeline.KindTransport) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// ValidatePayload checks a WAV payload before it is sent anywhere.
func ValidatePayload(wav []byte) error {
	if err := audio.ValidateWAV(wav); err != nil {
		return pipeline.Wrap(pipeline.KindFormat, "validate payload", err)
	}
	return nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		DroppedItems:    c.droppedItems,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests to finish
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}

	return nil
}
