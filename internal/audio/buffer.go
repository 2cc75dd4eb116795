package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrBufferSealed is returned when appending to a buffer whose session has ended.
	ErrBufferSealed = errors.New("audio buffer is sealed")
	// ErrBufferFull is returned when an append would exceed the configured limit.
	ErrBufferFull = errors.New("audio buffer is full")
)

// Buffer accumulates converted PCM for exactly one capture session. It is
// append-only while recording and is discarded, never reused, once sealed.
type Buffer struct {
	sessionID  string
	sampleRate int
	maxBytes   int

	data []byte

	frames     uint64
	dropped    uint64
	createdAt  time.Time
	lastUpdate time.Time
	sealed     bool

	mu sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	SessionID     string        `json:"session_id"`
	SampleRate    int           `json:"sample_rate"`
	Bytes         int           `json:"bytes"`
	Frames        uint64        `json:"frames"`
	DroppedFrames uint64        `json:"dropped_frames"`
	Duration      time.Duration `json:"duration"`
	Sealed        bool          `json:"sealed"`
	LastUpdate    time.Time     `json:"last_update"`
}

// NewBuffer creates a capture buffer. maxBytes <= 0 means unbounded.
func NewBuffer(sessionID string, sampleRate int, maxBytes int) *Buffer {
	capacity := sampleRate * 4 // 2 seconds of 16-bit mono
	if maxBytes > 0 && capacity > maxBytes {
		capacity = maxBytes
	}
	if capacity < 0 {
		capacity = 0
	}

	now := time.Now()
	return &Buffer{
		sessionID:  sessionID,
		sampleRate: sampleRate,
		maxBytes:   maxBytes,
		data:       make([]byte, 0, capacity),
		createdAt:  now,
		lastUpdate: now,
	}
}

// Append adds one converted frame. Frames that would overflow the limit are
// dropped whole and counted.
func (b *Buffer) Append(pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return ErrBufferSealed
	}

	if len(pcm)%bytesPerOutputSample != 0 {
		return fmt.Errorf("audio data length must be even (got %d bytes)", len(pcm))
	}

	if b.maxBytes > 0 && len(b.data)+len(pcm) > b.maxBytes {
		b.dropped++
		return ErrBufferFull
	}

	b.data = append(b.data, pcm...)
	b.frames++
	b.lastUpdate = time.Now()

	return nil
}

// Len returns the number of PCM bytes accumulated so far.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Seal ends the buffer's life and hands over its bytes. Subsequent appends fail
// and subsequent seals return nil.
func (b *Buffer) Seal() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return nil
	}

	b.sealed = true
	data := b.data
	b.data = nil
	return data
}

// Duration returns the audio duration represented by the accumulated bytes.
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.durationLocked()
}

func (b *Buffer) durationLocked() time.Duration {
	if b.sampleRate <= 0 {
		return 0
	}
	samples := len(b.data) / bytesPerOutputSample
	return time.Duration(samples) * time.Second / time.Duration(b.sampleRate)
}

// Stats returns buffer statistics
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		SessionID:     b.sessionID,
		SampleRate:    b.sampleRate,
		Bytes:         len(b.data),
		Frames:        b.frames,
		DroppedFrames: b.dropped,
		Duration:      b.durationLocked(),
		Sealed:        b.sealed,
		LastUpdate:    b.lastUpdate,
	}
}
