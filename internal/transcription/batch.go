package transcription

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ymgong66966/restaurant-order-verifier/internal/metrics"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
)

// Backend is the part of the backend a batch session needs.
type Backend interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
	ExtractItems(ctx context.Context, wav []byte) (*Extraction, error)
}

// BatchSession submits one finished WAV payload in a single exchange. In
// ModeText the final event carries the transcript; in ModeItems it carries the
// extracted items.
type BatchSession struct {
	id         string
	mode       Mode
	backend    Backend
	authorizer Authorizer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	emitter    *emitter

	mu       sync.Mutex
	started  bool
	finished bool
	payload  []byte
	ctx      context.Context
	cancel   context.CancelFunc
}

// BatchOptions configures a batch session. Authorizer, Logger and Metrics are optional.
type BatchOptions struct {
	Mode       Mode
	Authorizer Authorizer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// NewBatchSession creates a batch session in the given mode. Its event pump
// runs until a terminal event; a session that is never started must be
// cancelled to release it.
func NewBatchSession(backend Backend, opts BatchOptions) (*BatchSession, error) {
	if backend == nil {
		return nil, pipeline.Errorf(pipeline.KindSetup, "new batch session", "backend is required")
	}

	switch opts.Mode {
	case ModeText, ModeItems:
	case "":
		opts.Mode = ModeText
	default:
		return nil, pipeline.Errorf(pipeline.KindSetup, "new batch session", "unsupported batch mode %q", opts.Mode)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	return &BatchSession{
		id:         id,
		mode:       opts.Mode,
		backend:    backend,
		authorizer: opts.Authorizer,
		logger:     logger.With("component", "batch_session", "session_id", id, "mode", string(opts.Mode)),
		metrics:    opts.Metrics,
		emitter:    newEmitter(id),
	}, nil
}

func (s *BatchSession) ID() string           { return s.id }
func (s *BatchSession) Mode() Mode           { return s.mode }
func (s *BatchSession) Events() <-chan Event { return s.emitter.events() }

// Start authorizes the session. A denial ends it with a permission_denied event.
func (s *BatchSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.emitter.isTerminated() {
		return pipeline.Wrap(pipeline.KindState, "batch start", errTerminated)
	}
	if s.started {
		return pipeline.Wrap(pipeline.KindState, "batch start", errAlreadyStarted)
	}
	s.started = true
	s.metrics.RecordSessionStarted(string(s.mode))

	if s.authorizer != nil {
		if err := s.authorizer.Authorize(ctx); err != nil {
			s.terminate(err)
			return err
		}
		if s.emitter.isTerminated() {
			return pipeline.Wrap(pipeline.KindState, "batch start", errTerminated)
		}
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Debug("Batch session started")
	return nil
}

// Write appends to the payload submitted on Finish.
func (s *BatchSession) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptingLocked("batch write"); err != nil {
		return err
	}
	s.payload = append(s.payload, p...)
	return nil
}

// Finish validates the payload and performs the exchange in the background.
func (s *BatchSession) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptingLocked("batch finish"); err != nil {
		return err
	}
	s.finished = true

	if err := ValidatePayload(s.payload); err != nil {
		s.terminate(err)
		return err
	}

	go s.exchange(s.ctx, s.payload)
	return nil
}

func (s *BatchSession) acceptingLocked(op string) error {
	switch {
	case s.emitter.isTerminated():
		return pipeline.Wrap(pipeline.KindState, op, errTerminated)
	case !s.started:
		return pipeline.Wrap(pipeline.KindState, op, errNotStarted)
	case s.finished:
		return pipeline.Wrap(pipeline.KindState, op, errFinished)
	}
	return nil
}

func (s *BatchSession) exchange(ctx context.Context, payload []byte) {
	ev := Event{Kind: EventFinal}

	switch s.mode {
	case ModeItems:
		extraction, err := s.backend.ExtractItems(ctx, payload)
		if err != nil {
			s.exchangeFailed(err)
			return
		}
		ev.Text = extraction.Text
		ev.Items = extraction.Items
		ev.ItemsDetected = len(extraction.Items) > 0

	default:
		text, err := s.backend.Transcribe(ctx, payload)
		if err != nil {
			s.exchangeFailed(err)
			return
		}
		ev.Text = text
	}

	if s.emitter.finish(ev) {
		s.metrics.RecordSessionTerminated(string(s.mode), string(EventFinal))
		s.logger.Info("Batch transcription completed", "chars", len(ev.Text), "items", len(ev.Items))
	}
	s.release()
}

func (s *BatchSession) exchangeFailed(err error) {
	s.terminate(err)
	s.release()
}

// terminate ends the session with an error or permission event. It does
// nothing if the session already ended, for example through Cancel.
func (s *BatchSession) terminate(err error) {
	if !s.emitter.fail(err) {
		return
	}
	kind := EventError
	if pipeline.IsKind(err, pipeline.KindPermission) {
		kind = EventPermissionDenied
	}
	s.metrics.RecordSessionTerminated(string(s.mode), string(kind))
	s.logger.Warn("Batch session failed", "error", err, "kind", pipeline.KindOf(err).String())
}

// Cancel aborts the exchange. It is idempotent and a no-op after a terminal event.
func (s *BatchSession) Cancel() {
	if !s.emitter.cancel() {
		return
	}
	s.metrics.RecordSessionTerminated(string(s.mode), string(EventCancelled))
	s.logger.Info("Batch session cancelled")
	s.release()
}

func (s *BatchSession) release() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
