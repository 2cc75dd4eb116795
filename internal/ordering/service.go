package ordering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ymgong66966/restaurant-order-verifier/internal/capture"
	"github.com/ymgong66966/restaurant-order-verifier/internal/events"
	"github.com/ymgong66966/restaurant-order-verifier/internal/metrics"
	"github.com/ymgong66966/restaurant-order-verifier/internal/order"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
	"github.com/ymgong66966/restaurant-order-verifier/internal/reconcile"
	"github.com/ymgong66966/restaurant-order-verifier/internal/stream"
	"github.com/ymgong66966/restaurant-order-verifier/internal/transcription"
)

// DefaultIdleTimeout cancels streaming sessions nobody has touched for this long.
const DefaultIdleTimeout = 2 * time.Minute

var (
	// ErrInvalidInput marks requests rejected before any work is done.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStreamNotFound is returned for unknown streaming session IDs.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrTapBusy is returned when the tap already feeds a recording or a stream.
	ErrTapBusy = &pipeline.Error{Kind: pipeline.KindState, Op: "acquire tap", Err: errors.New("tap is busy")}
)

// Backend is the part of the transcription backend the service uses.
type Backend interface {
	transcription.Backend
	VerifyBill(ctx context.Context, ordered []order.Item, receiptImage string) (*reconcile.Report, error)
}

// Options configures a Service. Recognizer, Authorizer, Publisher, Logger and
// Metrics are optional; without a Recognizer streaming is unavailable.
type Options struct {
	Tap         capture.Tap
	Capture     capture.Config
	Backend     Backend
	Recognizer  transcription.Recognizer
	Authorizer  transcription.Authorizer
	Publisher   events.Publisher
	QueueSize   int
	IdleTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Service owns the current order and the audio flows that feed it.
type Service struct {
	tap        capture.Tap
	capture    *capture.Session
	backend    Backend
	recognizer transcription.Recognizer
	authorizer transcription.Authorizer
	publisher  events.Publisher
	streams    *stream.Manager
	queueSize  int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	items      []order.Item
	liveStream string
	updatedAt  time.Time
}

// RecordingResult is what one spoken order added.
type RecordingResult struct {
	RecordingID   string       `json:"recording_id"`
	SessionID     string       `json:"session_id"`
	Text          string       `json:"text,omitempty"`
	Items         []order.Item `json:"items"`
	ItemsDetected bool         `json:"items_detected"`
	Order         []order.Item `json:"order"`
}

// Stats is a point-in-time view of the service.
type Stats struct {
	Capture       capture.Stats `json:"capture"`
	OrderItems    int           `json:"order_items"`
	ActiveStreams int           `json:"active_streams"`
	LiveStream    string        `json:"live_stream,omitempty"`
	PushedFrames  uint64        `json:"pushed_frames,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at,omitempty"`
}

// New creates a service with an empty order.
func New(opts Options) (*Service, error) {
	if opts.Tap == nil {
		return nil, pipeline.Errorf(pipeline.KindSetup, "new ordering service", "tap is required")
	}
	if opts.Backend == nil {
		return nil, pipeline.Errorf(pipeline.KindSetup, "new ordering service", "backend is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	s := &Service{
		tap:        opts.Tap,
		capture:    capture.NewSession(opts.Tap, opts.Capture, logger, opts.Metrics),
		backend:    opts.Backend,
		recognizer: opts.Recognizer,
		authorizer: opts.Authorizer,
		publisher:  publisher,
		queueSize:  opts.QueueSize,
		logger:     logger.With("component", "ordering"),
		metrics:    opts.Metrics,
		items:      make([]order.Item, 0),
	}
	s.streams = stream.NewManager(logger, idle, s.streamEnded)

	return s, nil
}

// Close cancels live streams and drops any recording in progress.
func (s *Service) Close() {
	s.streams.Stop()
	if err := s.capture.Abort(); err != nil {
		s.logger.Warn("Failed to abort recording", "error", err)
	}
}

// Items returns a snapshot of the current order.
func (s *Service) Items() order.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return order.NewSnapshot(s.items)
}

// AddItems validates every item and appends them all, or none.
func (s *Service) AddItems(items ...order.Item) (order.Snapshot, error) {
	if err := validateItems(items); err != nil {
		return order.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(items)
	return order.NewSnapshot(s.items), nil
}

// Clear empties the order.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make([]order.Item, 0)
	s.updatedAt = time.Now()
	s.logger.Info("Order cleared")
}

func (s *Service) appendLocked(items []order.Item) {
	if len(items) == 0 {
		return
	}
	s.items = append(s.items, order.NewSnapshot(items).Items()...)
	s.updatedAt = time.Now()
	s.logger.Info("Items added to order", "added", len(items), "total", len(s.items))
}

// RecordStart authorizes the microphone and begins recording a spoken order on
// the tap. A denial is reported before the tap is installed.
func (s *Service) RecordStart(ctx context.Context) (string, error) {
	if s.authorizer != nil {
		if err := s.authorizer.Authorize(ctx); err != nil {
			return "", s.recordDenied(err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveStream != "" {
		return "", ErrTapBusy
	}
	return s.capture.Start()
}

func (s *Service) recordDenied(err error) error {
	if !pipeline.IsKind(err, pipeline.KindPermission) {
		err = pipeline.Wrap(pipeline.KindPermission, "authorize recording", err)
	}
	ev := transcription.Event{
		SessionID: uuid.NewString(),
		Kind:      transcription.EventPermissionDenied,
		Err:       err,
		Error:     err.Error(),
		Time:      time.Now(),
	}
	s.metrics.RecordSessionTerminated(string(transcription.ModeItems), string(ev.Kind))
	s.logger.Warn("Recording not authorized", "error", err)
	s.publishTranscription(transcription.ModeItems, ev)
	return err
}

// RecordCancel drops the recording in progress without transcribing it.
func (s *Service) RecordCancel() error {
	return s.capture.Abort()
}

// RecordStop ends the recording, extracts the items spoken and adds them to
// the order.
func (s *Service) RecordStop(ctx context.Context) (*RecordingResult, error) {
	recordingID := s.capture.Stats().Buffer.SessionID

	payload, err := s.capture.Stop()
	if err != nil {
		return nil, err
	}

	session, err := transcription.NewBatchSession(s.backend, transcription.BatchOptions{
		Mode:    transcription.ModeItems,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	if err != nil {
		return nil, err
	}

	if err := submit(ctx, session, payload); err != nil {
		session.Cancel()
		ev, _ := transcription.Await(context.Background(), session)
		s.publishTranscription(session.Mode(), ev)
		return nil, err
	}

	ev, err := transcription.Await(ctx, session)
	s.publishTranscription(session.Mode(), ev)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.appendLocked(ev.Items)
	current := order.NewSnapshot(s.items).Items()
	s.mu.Unlock()

	items := ev.Items
	if items == nil {
		items = make([]order.Item, 0)
	}
	return &RecordingResult{
		RecordingID:   recordingID,
		SessionID:     session.ID(),
		Text:          ev.Text,
		Items:         items,
		ItemsDetected: ev.ItemsDetected,
		Order:         current,
	}, nil
}

func submit(ctx context.Context, session transcription.Session, payload []byte) error {
	if err := session.Start(ctx); err != nil {
		return err
	}
	if err := session.Write(payload); err != nil {
		return err
	}
	return session.Finish()
}

// Reconcile compares two item lists without touching the current order.
func (s *Service) Reconcile(ordered, billed []order.Item) (reconcile.Report, error) {
	if err := validateItems(ordered); err != nil {
		return reconcile.Report{}, err
	}
	if err := validateItems(billed); err != nil {
		return reconcile.Report{}, err
	}
	return s.report("items", ordered, billed), nil
}

// Verify compares the current order with billed.
func (s *Service) Verify(billed []order.Item) (reconcile.Report, error) {
	if err := validateItems(billed); err != nil {
		return reconcile.Report{}, err
	}
	return s.report("items", s.Items().Items(), billed), nil
}

func (s *Service) report(source string, ordered, billed []order.Item) reconcile.Report {
	report := reconcile.Reconcile(ordered, billed)
	s.metrics.RecordReconciliation(report.IsMatch, len(report.Missing()), len(report.Extra()))

	s.logger.Info("Order reconciled",
		"ordered", len(ordered),
		"billed", len(billed),
		"match", report.IsMatch,
		"discrepancies", len(report.Discrepancies))

	s.publishReport(&events.ReportMessage{
		Source:  source,
		Ordered: len(ordered),
		Billed:  len(billed),
		Report:  report,
	})
	return report
}

// VerifyReceipt asks the backend to read a receipt image and check it against
// the current order.
func (s *Service) VerifyReceipt(ctx context.Context, receiptImage string) (*reconcile.Report, error) {
	if receiptImage == "" {
		return nil, fmt.Errorf("%w: receipt image is required", ErrInvalidInput)
	}

	ordered := s.Items().Items()
	report, err := s.backend.VerifyBill(ctx, ordered, receiptImage)
	if err != nil {
		return nil, err
	}

	missing, extra := 0, 0
	for _, d := range report.Discrepancies {
		switch d.Kind {
		case reconcile.KindMissing:
			missing++
		case reconcile.KindExtra:
			extra++
		}
	}
	s.metrics.RecordReconciliation(report.IsMatch, missing, extra)

	s.logger.Info("Receipt verified",
		"ordered", len(ordered),
		"match", report.IsMatch,
		"discrepancies", len(report.Discrepancies))

	s.publishReport(&events.ReportMessage{
		Source:  "receipt",
		Ordered: len(ordered),
		Report:  *report,
	})
	return report, nil
}

// StartStream starts a streaming session on the tap. Its final items are
// added to the order. ctx only bounds authorization and setup; the session
// keeps running after ctx ends.
func (s *Service) StartStream(ctx context.Context) (*stream.StreamSession, error) {
	if s.recognizer == nil {
		return nil, pipeline.Errorf(pipeline.KindSetup, "start stream", "streaming recognizer is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.liveStream != "" || s.capture.Recording() {
		return nil, ErrTapBusy
	}

	session, err := transcription.NewStreamingSession(s.recognizer, transcription.StreamingOptions{
		Tap:        s.tap,
		Authorizer: s.authorizer,
		QueueSize:  s.queueSize,
		Logger:     s.logger,
		Metrics:    s.metrics,
	})
	if err != nil {
		return nil, err
	}

	entry := s.streams.Add(session)
	if err := session.Start(context.WithoutCancel(ctx)); err != nil {
		return entry, err
	}
	s.liveStream = session.ID()

	return entry, nil
}

// streamEnded runs once per streaming session on the manager's relay goroutine.
func (s *Service) streamEnded(session transcription.Session, ev transcription.Event) {
	s.mu.Lock()
	if s.liveStream == session.ID() {
		s.liveStream = ""
	}
	if ev.Kind == transcription.EventFinal {
		s.appendLocked(ev.Items)
	}
	s.mu.Unlock()

	s.publishTranscription(session.Mode(), ev)
}

// Stream looks up a streaming session.
func (s *Service) Stream(id string) (*stream.StreamSession, error) {
	entry, ok := s.streams.GetSession(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	return entry, nil
}

// Streams lists registered streaming sessions.
func (s *Service) Streams() []stream.SessionInfo {
	return s.streams.GetAllSessions()
}

// FinishStream ends the audio of a streaming session; its final event follows.
func (s *Service) FinishStream(id string) error {
	entry, err := s.Stream(id)
	if err != nil {
		return err
	}
	s.streams.UpdateActivity(id)
	return entry.Session().Finish()
}

// CancelStream cancels a streaming session. Its events stay available until
// the session expires.
func (s *Service) CancelStream(id string) error {
	entry, err := s.Stream(id)
	if err != nil {
		return err
	}
	entry.Session().Cancel()
	return nil
}

// PushFrame feeds one native frame to the push tap.
func (s *Service) PushFrame(frame []byte) error {
	push, ok := s.tap.(*capture.PushTap)
	if !ok {
		return pipeline.Errorf(pipeline.KindSetup, "push frame", "capture source does not accept pushed frames")
	}

	if err := push.Push(frame); err != nil {
		return pipeline.Wrap(pipeline.KindState, "push frame", err)
	}

	s.mu.Lock()
	live := s.liveStream
	s.mu.Unlock()
	if live != "" {
		s.streams.UpdateActivity(live)
	}
	return nil
}

// Stats returns a point-in-time view of the service.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	stats := Stats{
		OrderItems: len(s.items),
		LiveStream: s.liveStream,
		UpdatedAt:  s.updatedAt,
	}
	s.mu.Unlock()

	stats.Capture = s.capture.Stats()
	stats.ActiveStreams = s.streams.GetActiveSessionCount()
	if push, ok := s.tap.(*capture.PushTap); ok {
		stats.PushedFrames = push.Frames()
	}
	return stats
}

func (s *Service) publishTranscription(mode transcription.Mode, ev transcription.Event) {
	if ev.Kind == "" {
		return
	}
	msg := &events.TranscriptionMessage{
		SessionID:     ev.SessionID,
		Mode:          string(mode),
		Kind:          string(ev.Kind),
		Text:          ev.Text,
		Items:         ev.Items,
		ItemsDetected: ev.ItemsDetected,
		Error:         ev.Error,
		Timestamp:     ev.Time.Unix(),
	}
	if err := s.publisher.PublishTranscription(msg); err != nil {
		s.logger.Warn("Failed to publish transcription event", "session_id", ev.SessionID, "error", err)
	}
}

func (s *Service) publishReport(msg *events.ReportMessage) {
	msg.RequestID = uuid.NewString()
	msg.Timestamp = time.Now().Unix()
	if err := s.publisher.PublishReport(msg); err != nil {
		s.logger.Warn("Failed to publish reconciliation report", "request_id", msg.RequestID, "error", err)
	}
}

func validateItems(items []order.Item) error {
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return nil
}
