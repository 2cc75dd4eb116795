package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ymgong66966/restaurant-order-verifier/internal/metrics"
	"github.com/ymgong66966/restaurant-order-verifier/internal/order"
	"github.com/ymgong66966/restaurant-order-verifier/internal/reconcile"
)

// NATS subjects
const (
	SubjectTranscriptionEvents   = "orderverifier.transcription.events"
	SubjectReconciliationReports = "orderverifier.reconciliation.reports"
)

// TranscriptionMessage is published when a transcription session ends.
type TranscriptionMessage struct {
	SessionID     string       `json:"session_id"`
	Mode          string       `json:"mode"`
	Kind          string       `json:"kind"`
	Text          string       `json:"text,omitempty"`
	Items         []order.Item `json:"items,omitempty"`
	ItemsDetected bool         `json:"items_detected"`
	Error         string       `json:"error,omitempty"`
	Timestamp     int64        `json:"timestamp"`
}

// ReportMessage is published for every reconciliation.
type ReportMessage struct {
	RequestID string           `json:"request_id"`
	Source    string           `json:"source"` // "items" or "receipt"
	Ordered   int              `json:"ordered_count"`
	Billed    int              `json:"billed_count,omitempty"`
	Report    reconcile.Report `json:"report"`
	Timestamp int64            `json:"timestamp"`
}

// Publisher delivers domain events.
type Publisher interface {
	PublishTranscription(msg *TranscriptionMessage) error
	PublishReport(msg *ReportMessage) error
	Close()
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Config holds NATS connection settings.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATSPublisher publishes JSON messages on the order verifier subjects.
type NATSPublisher struct {
	conn    Conn
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

// Connect dials NATS and returns a publisher over the connection.
func Connect(config Config, logger *slog.Logger, m *metrics.Metrics) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats_publisher")

	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Name == "" {
		config.Name = "restaurant-order-verifier"
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = nats.DefaultTimeout
	}

	logger.Info("Connecting to NATS", "url", config.URL)

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.Timeout(config.ConnectTimeout),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return NewNATSPublisher(nc, logger, m), nil
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn Conn, logger *slog.Logger, m *metrics.Metrics) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, logger: logger, metrics: m}
}

// PublishTranscription publishes a transcription outcome.
func (p *NATSPublisher) PublishTranscription(msg *TranscriptionMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	if err := p.publish(SubjectTranscriptionEvents, msg); err != nil {
		return err
	}

	p.logger.Debug("Published transcription event",
		"session_id", msg.SessionID,
		"kind", msg.Kind,
		"items", len(msg.Items))
	return nil
}

// PublishReport publishes a reconciliation report.
func (p *NATSPublisher) PublishReport(msg *ReportMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	if err := p.publish(SubjectReconciliationReports, msg); err != nil {
		return err
	}

	p.logger.Debug("Published reconciliation report",
		"request_id", msg.RequestID,
		"match", msg.Report.IsMatch,
		"discrepancies", len(msg.Report.Discrepancies))
	return nil
}

func (p *NATSPublisher) publish(subject string, v any) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	var err error
	switch {
	case closed:
		err = fmt.Errorf("publisher closed")
	case p.conn == nil:
		err = fmt.Errorf("NATS connection not established")
	default:
		var data []byte
		data, err = json.Marshal(v)
		if err != nil {
			err = fmt.Errorf("failed to marshal event: %w", err)
			break
		}
		if perr := p.conn.Publish(subject, data); perr != nil {
			err = fmt.Errorf("failed to publish to %s: %w", subject, perr)
		}
	}

	p.metrics.RecordEventPublished(err)
	return err
}

// Close drains the connection. It is safe to call more than once.
func (p *NATSPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", "error", err)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishTranscription(*TranscriptionMessage) error { return nil }
func (Nop) PublishReport(*ReportMessage) error               { return nil }
func (Nop) Close()                                           {}
