package mic

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/ymgong66966/restaurant-order-verifier/internal/audio"
	"github.com/ymgong66966/restaurant-order-verifier/internal/capture"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
)

// Config selects the stream parameters requested from the default input device.
type Config struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// Initialize loads the PortAudio library.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return classify("portaudio initialize", err)
	}
	return nil
}

// Terminate releases the PortAudio library.
func Terminate() error {
	return portaudio.Terminate()
}

// Tap captures from the default input device.
type Tap struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
}

var _ capture.Tap = (*Tap)(nil)

// NewTap creates a tap. The device is opened on Install.
func NewTap(config Config, logger *slog.Logger) *Tap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tap{
		config: config,
		logger: logger.With("component", "mic_tap"),
	}
}

func (t *Tap) Format() audio.NativeFormat {
	return audio.NativeFormat{
		SampleRate: t.config.SampleRate,
		Channels:   t.config.Channels,
		Encoding:   audio.EncodingFloat32,
	}
}

// Install opens and starts an input stream whose callback serialises each
// buffer and hands it to handler.
func (t *Tap) Install(handler func(frame []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stream != nil {
		return capture.ErrTapInstalled
	}

	frame := make([]byte, t.config.FramesPerBuffer*t.config.Channels*4)
	callback := func(in []float32) {
		n := len(in) * 4
		if n > len(frame) {
			frame = make([]byte, n)
		}
		audio.Float32ToBytes(frame[:n], in)
		handler(frame[:n])
	}

	stream, err := portaudio.OpenDefaultStream(t.config.Channels, 0, float64(t.config.SampleRate), t.config.FramesPerBuffer, callback)
	if err != nil {
		return classify("open input stream", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return classify("start input stream", err)
	}

	t.stream = stream
	t.logger.Info("Microphone stream started", "format", t.Format().String(), "frames_per_buffer", t.config.FramesPerBuffer)
	return nil
}

// Remove stops the stream. PortAudio waits for the callback in flight, so the
// handler is not called after Remove returns.
func (t *Tap) Remove() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stream == nil {
		return nil
	}
	stream := t.stream
	t.stream = nil

	stopErr := stream.Stop()
	closeErr := stream.Close()
	t.logger.Info("Microphone stream stopped")

	if err := errors.Join(stopErr, closeErr); err != nil {
		return pipeline.Wrap(pipeline.KindSetup, "stop input stream", err)
	}
	return nil
}

// Authorize checks that an input device is available before a session
// captures anything. It satisfies transcription.Authorizer.
func (t *Tap) Authorize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		return pipeline.Wrap(pipeline.KindPermission, "authorize microphone", err)
	}
	if device.MaxInputChannels < t.config.Channels {
		return pipeline.Errorf(pipeline.KindSetup, "authorize microphone",
			"device %q has %d input channels, need %d", device.Name, device.MaxInputChannels, t.config.Channels)
	}
	return nil
}

// classify maps PortAudio failures onto the pipeline taxonomy. An input device
// that exists but cannot be opened is treated as restricted access.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable),
		errors.Is(err, portaudio.InvalidDevice):
		return pipeline.Wrap(pipeline.KindPermission, op, err)
	default:
		return pipeline.Wrap(pipeline.KindSetup, op, err)
	}
}
