package transcription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ymgong66966/restaurant-order-verifier/internal/audio"
	"github.com/ymgong66966/restaurant-order-verifier/internal/capture"
	"github.com/ymgong66966/restaurant-order-verifier/internal/metrics"
	"github.com/ymgong66966/restaurant-order-verifier/internal/order"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
)

// DefaultQueueSize is the number of converted frames a streaming session
// buffers ahead of its recognizer.
const DefaultQueueSize = 256

// Result is one recognizer update.
type Result struct {
	Text  string
	Final bool
	Items []order.Item
}

// Recognizer turns a live stream of mono 16-bit PCM into results.
//
// Recognize reads frames from pcm until it is closed, sending partial results
// as they become available and exactly one Final result after the end of
// audio. It returns ctx.Err() promptly once ctx is done and must not send on
// results after returning.
type Recognizer interface {
	Recognize(ctx context.Context, sampleRate int, pcm <-chan []byte, results chan<- Result) error
}

// StreamingOptions configures a streaming session.
type StreamingOptions struct {
	// Format describes frames passed to Write. When Tap is set its format is used.
	Format audio.NativeFormat
	// Tap, when set, is installed on Start and feeds the session directly.
	Tap        capture.Tap
	Authorizer Authorizer
	QueueSize  int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// StreamingSession converts live native frames and feeds them to a Recognizer,
// turning its results into partial events and one final event.
type StreamingSession struct {
	id         string
	recognizer Recognizer
	opts       StreamingOptions
	logger     *slog.Logger
	metrics    *metrics.Metrics
	emitter    *emitter

	dropped  atomic.Uint64
	received atomic.Uint64

	mu           sync.Mutex
	started      bool
	finished     bool
	converter    *audio.Converter
	frames       chan []byte
	cancel       context.CancelFunc
	tapInstalled bool
}

// NewStreamingSession creates a streaming session around recognizer. As with
// batch sessions, an unused session must be cancelled to stop its event pump.
func NewStreamingSession(recognizer Recognizer, opts StreamingOptions) (*StreamingSession, error) {
	if recognizer == nil {
		return nil, pipeline.Errorf(pipeline.KindSetup, "new streaming session", "recognizer is required")
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	return &StreamingSession{
		id:         id,
		recognizer: recognizer,
		opts:       opts,
		logger:     logger.With("component", "streaming_session", "session_id", id),
		metrics:    opts.Metrics,
		emitter:    newEmitter(id),
	}, nil
}

func (s *StreamingSession) ID() string           { return s.id }
func (s *StreamingSession) Mode() Mode           { return ModeStreaming }
func (s *StreamingSession) Events() <-chan Event { return s.emitter.events() }

// Start authorizes, builds the converter, starts the recognizer and installs
// the tap. Authorization and setup failures end the session before any audio
// is accepted.
func (s *StreamingSession) Start(ctx context.Context) error {
	s.mu.Lock()

	if s.emitter.isTerminated() {
		s.mu.Unlock()
		return pipeline.Wrap(pipeline.KindState, "stream start", errTerminated)
	}
	if s.started {
		s.mu.Unlock()
		return pipeline.Wrap(pipeline.KindState, "stream start", errAlreadyStarted)
	}
	s.started = true
	s.metrics.RecordSessionStarted(string(ModeStreaming))

	if s.opts.Authorizer != nil {
		if err := s.opts.Authorizer.Authorize(ctx); err != nil {
			s.mu.Unlock()
			s.terminate(err)
			return err
		}
	}

	format := s.opts.Format
	if s.opts.Tap != nil {
		format = s.opts.Tap.Format()
	}

	converter, err := audio.NewConverter(format)
	if err != nil {
		s.mu.Unlock()
		s.terminate(err)
		return err
	}

	if s.emitter.isTerminated() {
		s.mu.Unlock()
		return pipeline.Wrap(pipeline.KindState, "stream start", errTerminated)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.converter = converter
	s.frames = make(chan []byte, s.opts.QueueSize)
	s.cancel = cancel
	frames := s.frames
	s.mu.Unlock()

	go s.run(runCtx, converter.SampleRate(), frames)

	if s.opts.Tap != nil {
		if err := s.opts.Tap.Install(s.tapHandler); err != nil {
			if pipeline.KindOf(err) == pipeline.KindUnknown {
				err = pipeline.Wrap(pipeline.KindSetup, "stream start", err)
			}
			s.terminate(err)
			s.release()
			return err
		}
		s.mu.Lock()
		if s.emitter.isTerminated() {
			s.mu.Unlock()
			if err := s.opts.Tap.Remove(); err != nil {
				s.logger.Warn("Failed to remove tap", "error", err)
			}
			return pipeline.Wrap(pipeline.KindState, "stream start", errTerminated)
		}
		s.tapInstalled = true
		s.mu.Unlock()
	}

	s.logger.Info("Streaming session started", "format", format.String())
	return nil
}

func (s *StreamingSession) tapHandler(frame []byte) {
	if err := s.Write(frame); err != nil {
		s.logger.Debug("Dropped tap frame", "error", err)
	}
}

// Write converts one native frame and queues it for the recognizer without
// blocking. When the queue is full the frame is dropped and counted.
func (s *StreamingSession) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.emitter.isTerminated():
		return pipeline.Wrap(pipeline.KindState, "stream write", errTerminated)
	case s.converter == nil:
		return pipeline.Wrap(pipeline.KindState, "stream write", errNotStarted)
	case s.finished:
		return pipeline.Wrap(pipeline.KindState, "stream write", errFinished)
	}

	pcm, err := s.converter.Convert(p)
	if err != nil {
		s.dropped.Add(1)
		return pipeline.Wrap(pipeline.KindFormat, "stream write", err)
	}

	s.received.Add(1)
	select {
	case s.frames <- pcm:
	default:
		s.dropped.Add(1)
		s.metrics.RecordStreamFrameDropped()
	}
	return nil
}

// Finish ends the audio. The recognizer then delivers the final result and the
// session stops itself.
func (s *StreamingSession) Finish() error {
	s.mu.Lock()
	switch {
	case s.emitter.isTerminated():
		s.mu.Unlock()
		return pipeline.Wrap(pipeline.KindState, "stream finish", errTerminated)
	case s.converter == nil:
		s.mu.Unlock()
		return pipeline.Wrap(pipeline.KindState, "stream finish", errNotStarted)
	case s.finished:
		s.mu.Unlock()
		return pipeline.Wrap(pipeline.KindState, "stream finish", errFinished)
	}
	s.finished = true
	close(s.frames)
	s.mu.Unlock()

	s.removeTap()
	return nil
}

// Cancel stops recognition and removes the tap before returning. It is
// idempotent and a no-op after a terminal event.
func (s *StreamingSession) Cancel() {
	if !s.emitter.cancel() {
		return
	}
	s.metrics.RecordSessionTerminated(string(ModeStreaming), string(EventCancelled))
	s.logger.Info("Streaming session cancelled")
	s.release()
}

// Stats reports frame counters.
func (s *StreamingSession) Stats() (received, dropped uint64) {
	return s.received.Load(), s.dropped.Load()
}

func (s *StreamingSession) run(ctx context.Context, sampleRate int, frames <-chan []byte) {
	results := make(chan Result, 16)
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.recognizer.Recognize(ctx, sampleRate, frames, results)
		close(results)
	}()

	gotFinal := false
	for r := range results {
		if gotFinal {
			continue
		}
		if r.Final {
			gotFinal = true
			s.complete(r)
			continue
		}
		s.emitter.partial(Event{Text: r.Text, Items: r.Items})
	}

	err := <-errCh
	switch {
	case gotFinal:
	case err == nil:
		s.terminate(pipeline.Errorf(pipeline.KindFormat, "recognize", "recognizer ended without a final result"))
	case errors.Is(err, context.Canceled):
		s.Cancel()
	default:
		s.terminate(err)
	}

	s.release()
}

func (s *StreamingSession) complete(r Result) {
	ev := Event{
		Kind:          EventFinal,
		Text:          r.Text,
		Items:         r.Items,
		ItemsDetected: len(r.Items) > 0,
	}
	if !s.emitter.finish(ev) {
		return
	}

	received, dropped := s.Stats()
	s.metrics.RecordSessionTerminated(string(ModeStreaming), string(EventFinal))
	s.logger.Info("Streaming transcription completed",
		"chars", len(r.Text),
		"items", len(r.Items),
		"frames", received,
		"dropped_frames", dropped)

	s.release()
}

// terminate ends the session with an error or permission event.
func (s *StreamingSession) terminate(err error) {
	if !s.emitter.fail(err) {
		return
	}
	kind := EventError
	if pipeline.IsKind(err, pipeline.KindPermission) {
		kind = EventPermissionDenied
	}
	s.metrics.RecordSessionTerminated(string(ModeStreaming), string(kind))
	s.logger.Warn("Streaming session failed", "error", err, "kind", pipeline.KindOf(err).String())
	s.release()
}

// release stops the recognizer and removes the tap. Safe to call repeatedly.
func (s *StreamingSession) release() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.removeTap()
}

// removeTap must run without s.mu held: a tap may be blocked delivering a
// frame into Write while Remove waits for it.
func (s *StreamingSession) removeTap() {
	s.mu.Lock()
	installed := s.tapInstalled
	s.tapInstalled = false
	s.mu.Unlock()

	if !installed {
		return
	}
	if err := s.opts.Tap.Remove(); err != nil {
		s.logger.Warn("Failed to remove tap", "error", err)
	}
}
