package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ymgong66966/restaurant-order-verifier/internal/vad"
)

// ChunkState represents the current state of the chunking process
type ChunkState int

const (
	StateIdle ChunkState = iota
	StateCollecting
	StateWaitingSilence
)

func (s ChunkState) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateWaitingSilence:
		return "waiting_silence"
	default:
		return "idle"
	}
}

// AudioChunk is one utterance cut from a live stream, ready for transcription.
type AudioChunk struct {
	ChunkID    string        `json:"chunk_id"`
	Index      int           `json:"index"`
	Offset     time.Duration `json:"offset"` // audio time at which the utterance starts
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate"`
	PCM        []byte        `json:"-"`
	Confidence float32       `json:"confidence"` // average VAD confidence
}

// WAV frames the chunk's PCM as a standalone container.
func (c *AudioChunk) WAV() ([]byte, error) {
	return EncodeWAV(c.PCM, c.SampleRate)
}

// ChunkingConfig contains configuration for the chunking process.
// All durations are measured in audio time, not wall-clock time.
type ChunkingConfig struct {
	MinDuration        time.Duration
	MaxDuration        time.Duration
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
	SampleRate         int
}

// Validate checks the configuration for consistency.
func (c ChunkingConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.MaxDuration <= 0 {
		return fmt.Errorf("max duration must be positive, got %v", c.MaxDuration)
	}
	if c.MinDuration > c.MaxDuration {
		return fmt.Errorf("min duration %v exceeds max duration %v", c.MinDuration, c.MaxDuration)
	}
	if c.MinSilenceDuration <= 0 {
		return fmt.Errorf("min silence duration must be positive, got %v", c.MinSilenceDuration)
	}
	return nil
}

// Chunker cuts a live PCM stream into utterances using VAD decisions.
type Chunker struct {
	config    ChunkingConfig
	processor *vad.Processor
	prefix    string

	state   ChunkState
	pending []byte // samples not yet forming a full VAD window
	current []byte // PCM of the utterance being collected

	position        time.Duration // audio time consumed so far
	chunkStart      time.Duration
	chunkDuration   time.Duration
	speechDuration  time.Duration
	silenceDuration time.Duration
	confidenceSum   float32
	confidenceCount int

	// Statistics
	chunksCreated   int
	chunksDiscarded int
	totalDuration   time.Duration

	mu sync.Mutex
}

// ChunkerStats represents chunker statistics
type ChunkerStats struct {
	State           string        `json:"state"`
	ChunksCreated   int           `json:"chunks_created"`
	ChunksDiscarded int           `json:"chunks_discarded"`
	TotalDuration   time.Duration `json:"total_duration"`
	Position        time.Duration `json:"position"`
}

// NewChunker creates a new audio chunker. prefix is used to build chunk IDs.
func NewChunker(config ChunkingConfig, processor *vad.Processor, prefix string) (*Chunker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if processor == nil {
		return nil, fmt.Errorf("VAD processor is required")
	}

	return &Chunker{
		config:    config,
		processor: processor,
		prefix:    prefix,
		state:     StateIdle,
	}, nil
}

// Write feeds converted PCM and returns any utterances completed by it.
func (c *Chunker) Write(pcm []byte) ([]*AudioChunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(pcm)%bytesPerOutputSample != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(pcm))
	}

	c.pending = append(c.pending, pcm...)
	windowBytes := c.processor.GetWindowSize() * bytesPerOutputSample

	var chunks []*AudioChunk
	for len(c.pending) >= windowBytes {
		window := c.pending[:windowBytes]

		result, err := c.processor.Process(BytesToSamples(window))
		if err != nil {
			return chunks, fmt.Errorf("VAD failed: %w", err)
		}

		if chunk := c.processWindow(window, result); chunk != nil {
			chunks = append(chunks, chunk)
		}

		c.position += result.Duration
		c.pending = c.pending[windowBytes:]
	}

	// Keep the remainder in a fresh slice so the consumed prefix can be collected.
	c.pending = append([]byte(nil), c.pending...)

	return chunks, nil
}

func (c *Chunker) processWindow(window []byte, result *vad.VADResult) *AudioChunk {
	switch c.state {
	case StateIdle:
		if !result.HasVoice {
			return nil
		}
		c.startNewChunk()
		c.collect(window, result)
		c.state = StateCollecting

	case StateCollecting:
		c.collect(window, result)

		if c.silenceDuration >= c.config.MinSilenceDuration {
			if c.speechDuration < c.config.MinSpeechDuration {
				c.discardChunk()
				return nil
			}
			if c.chunkDuration >= c.config.MinDuration {
				return c.finalizeChunk()
			}
			c.state = StateWaitingSilence
		}

	case StateWaitingSilence:
		c.collect(window, result)

		if result.HasVoice {
			c.state = StateCollecting
		} else if c.chunkDuration >= c.config.MinDuration {
			return c.finalizeChunk()
		}
	}

	if c.state != StateIdle && c.chunkDuration >= c.config.MaxDuration {
		return c.finalizeChunk()
	}

	return nil
}

func (c *Chunker) collect(window []byte, result *vad.VADResult) {
	c.current = append(c.current, window...)
	c.chunkDuration += result.Duration
	c.confidenceSum += result.Confidence
	c.confidenceCount++

	if result.HasVoice {
		c.speechDuration += result.Duration
		c.silenceDuration = 0
	} else {
		c.silenceDuration += result.Duration
	}
}

func (c *Chunker) startNewChunk() {
	c.current = make([]byte, 0, c.config.SampleRate*bytesPerOutputSample)
	c.chunkStart = c.position
	c.chunkDuration = 0
	c.speechDuration = 0
	c.silenceDuration = 0
	c.confidenceSum = 0
	c.confidenceCount = 0
}

func (c *Chunker) finalizeChunk() *AudioChunk {
	chunk := &AudioChunk{
		ChunkID:    fmt.Sprintf("%s_%d", c.prefix, c.chunksCreated),
		Index:      c.chunksCreated,
		Offset:     c.chunkStart,
		Duration:   c.chunkDuration,
		SampleRate: c.config.SampleRate,
		PCM:        c.current,
	}
	if c.confidenceCount > 0 {
		chunk.Confidence = c.confidenceSum / float32(c.confidenceCount)
	}

	c.chunksCreated++
	c.totalDuration += chunk.Duration
	c.resetForNextChunk()

	return chunk
}

func (c *Chunker) discardChunk() {
	c.chunksDiscarded++
	c.resetForNextChunk()
}

// resetForNextChunk resets the chunker state for the next chunk
func (c *Chunker) resetForNextChunk() {
	c.state = StateIdle
	c.current = nil
	c.chunkDuration = 0
	c.speechDuration = 0
	c.silenceDuration = 0
	c.confidenceSum = 0
	c.confidenceCount = 0
}

// Flush finalizes the utterance in progress at end of stream, including any
// trailing samples shorter than a VAD window. Utterances without enough speech
// are discarded.
func (c *Chunker) Flush() *AudioChunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle {
		c.pending = nil
		return nil
	}

	c.current = append(c.current, c.pending...)
	c.pending = nil

	if c.speechDuration < c.config.MinSpeechDuration {
		c.discardChunk()
		return nil
	}

	return c.finalizeChunk()
}

// GetStats returns chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ChunkerStats{
		State:           c.state.String(),
		ChunksCreated:   c.chunksCreated,
		ChunksDiscarded: c.chunksDiscarded,
		TotalDuration:   c.totalDuration,
		Position:        c.position,
	}
}

// IsIdle reports whether no utterance is being collected.
func (c *Chunker) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateIdle
}
