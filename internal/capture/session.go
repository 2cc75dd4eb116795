package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ymgong66966/restaurant-order-verifier/internal/audio"
	"github.com/ymgong66966/restaurant-order-verifier/internal/metrics"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
)

// State is the lifecycle state of a capture session.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

var (
	// ErrAlreadyRecording is returned by Start when a recording is in progress.
	ErrAlreadyRecording = &pipeline.Error{Kind: pipeline.KindState, Op: "capture start", Err: errors.New("already recording")}
	// ErrNotRecording is returned by Stop when nothing is being recorded.
	ErrNotRecording = &pipeline.Error{Kind: pipeline.KindState, Op: "capture stop", Err: errors.New("not recording")}
)

// Config bounds a capture session.
type Config struct {
	// MaxBufferBytes caps the converted PCM kept per recording. Zero means unbounded.
	MaxBufferBytes int
}

// Session records one payload per Start/Stop cycle from a Tap.
type Session struct {
	tap     Tap
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	state     State
	id        string
	buffer    *audio.Buffer
	converter *audio.Converter
	startedAt time.Time
	last      audio.BufferStats

	completed uint64

	mu sync.Mutex
}

// Stats is a point-in-time view of a capture session.
type Stats struct {
	State     string            `json:"state"`
	Format    string            `json:"format"`
	Completed uint64            `json:"completed_recordings"`
	Buffer    audio.BufferStats `json:"buffer"`
}

// NewSession creates an idle capture session over tap. m may be nil.
func NewSession(tap Tap, config Config, logger *slog.Logger, m *metrics.Metrics) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		tap:     tap,
		config:  config,
		logger:  logger.With("component", "capture"),
		metrics: m,
		state:   StateIdle,
	}
}

// Start begins a recording and returns its ID. Format problems surface here as
// setup errors, before the tap is installed.
func (s *Session) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return "", ErrAlreadyRecording
	}

	format := s.tap.Format()
	converter, err := audio.NewConverter(format)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	buffer := audio.NewBuffer(id, converter.SampleRate(), s.config.MaxBufferBytes)

	if err := s.tap.Install(s.frameHandler(converter, buffer)); err != nil {
		if pipeline.KindOf(err) == pipeline.KindUnknown {
			err = pipeline.Wrap(pipeline.KindSetup, "capture start", fmt.Errorf("install tap: %w", err))
		}
		return "", err
	}

	s.state = StateRecording
	s.id = id
	s.buffer = buffer
	s.converter = converter
	s.startedAt = time.Now()
	s.metrics.RecordCaptureStarted()

	s.logger.Info("Recording started", "session_id", id, "format", format.String())

	return id, nil
}

// frameHandler is the tap callback for one recording. It only converts and
// appends; the buffer is sealed on stop so late frames are rejected there.
func (s *Session) frameHandler(converter *audio.Converter, buffer *audio.Buffer) func([]byte) {
	scratch := make([]byte, 0)

	return func(frame []byte) {
		need := converter.OutputSize(len(frame))
		if cap(scratch) < need {
			scratch = make([]byte, need)
		}
		n, err := converter.ConvertInto(scratch[:need], frame)
		if err != nil {
			s.metrics.RecordFrame(true)
			return
		}

		err = buffer.Append(scratch[:n])
		s.metrics.RecordFrame(err != nil && !errors.Is(err, audio.ErrBufferSealed))
	}
}

// Stop ends the recording and returns the encoded WAV payload.
func (s *Session) Stop() ([]byte, error) {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil, ErrNotRecording
	}
	s.state = StateStopping
	id, buffer, sampleRate, startedAt := s.id, s.buffer, s.converter.SampleRate(), s.startedAt
	s.mu.Unlock()

	if err := s.tap.Remove(); err != nil {
		s.logger.Warn("Failed to remove capture tap", "session_id", id, "error", err)
	}

	stats := buffer.Stats()
	pcm := buffer.Seal()
	payload, err := audio.EncodeWAV(pcm, sampleRate)

	s.mu.Lock()
	s.reset(stats)
	if err == nil {
		s.completed++
	}
	s.mu.Unlock()

	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindFormat, "capture stop", err)
	}

	s.metrics.RecordCaptureCompleted(stats.Duration.Seconds(), len(payload))
	s.logger.Info("Recording stopped",
		"session_id", id,
		"bytes", stats.Bytes,
		"frames", stats.Frames,
		"dropped_frames", stats.DroppedFrames,
		"duration", stats.Duration,
		"wall_time", time.Since(startedAt))

	return payload, nil
}

// Abort ends the recording without producing a payload. It is a no-op when idle.
func (s *Session) Abort() error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	id, buffer := s.id, s.buffer
	s.mu.Unlock()

	err := s.tap.Remove()

	stats := buffer.Stats()
	buffer.Seal()

	s.mu.Lock()
	s.reset(stats)
	s.mu.Unlock()

	s.logger.Info("Recording aborted", "session_id", id, "bytes", stats.Bytes)

	if err != nil {
		return fmt.Errorf("remove tap: %w", err)
	}
	return nil
}

func (s *Session) reset(last audio.BufferStats) {
	s.state = StateIdle
	s.id = ""
	s.buffer = nil
	s.converter = nil
	s.last = last
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Recording reports whether a recording is in progress.
func (s *Session) Recording() bool {
	return s.State() == StateRecording
}

// Stats returns the live buffer statistics while recording, otherwise those of
// the last finished recording.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		State:     s.state.String(),
		Format:    s.tap.Format().String(),
		Completed: s.completed,
		Buffer:    s.last,
	}
	if s.buffer != nil {
		stats.Buffer = s.buffer.Stats()
	}
	return stats
}
