package capture

import (
	"errors"
	"sync"

	"github.com/ymgong66966/restaurant-order-verifier/internal/audio"
)

// Tap is a source of native audio frames, usually a microphone.
//
// Install registers handler and starts delivery. The handler is invoked serially
// with frames in the tap's native format and must not retain the frame slice.
// Remove stops delivery; once it returns, the handler is not called again.
type Tap interface {
	Format() audio.NativeFormat
	Install(handler func(frame []byte)) error
	Remove() error
}

var (
	// ErrTapInstalled is returned when installing a handler on a busy tap.
	ErrTapInstalled = errors.New("tap already has a handler installed")
	// ErrTapNotInstalled is returned by Push when nothing is listening.
	ErrTapNotInstalled = errors.New("tap has no handler installed")
)

// PushTap is a Tap fed by the caller. The HTTP API uses it to accept frames
// from remote clients when no local microphone is configured.
type PushTap struct {
	format  audio.NativeFormat
	handler func([]byte)
	frames  uint64

	mu sync.Mutex
}

// NewPushTap creates a tap that reports format.
func NewPushTap(format audio.NativeFormat) *PushTap {
	return &PushTap{format: format}
}

func (t *PushTap) Format() audio.NativeFormat {
	return t.format
}

func (t *PushTap) Install(handler func(frame []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler != nil {
		return ErrTapInstalled
	}
	t.handler = handler
	return nil
}

func (t *PushTap) Remove() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = nil
	return nil
}

// Push delivers one frame to the installed handler. Delivery is serial and no
// handler runs after Remove returns.
func (t *PushTap) Push(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler == nil {
		return ErrTapNotInstalled
	}
	t.handler(frame)
	t.frames++
	return nil
}

// Installed reports whether a handler is currently registered.
func (t *PushTap) Installed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler != nil
}

// Frames returns the number of frames delivered so far.
func (t *PushTap) Frames() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}
