package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultFullScaleRMS is the RMS level treated as certain speech.
const DefaultFullScaleRMS = 10000.0

// Processor classifies windows of PCM as voice or silence by RMS energy.
type Processor struct {
	threshold    float32
	windowSize   int // samples per window
	sampleRate   int
	fullScaleRMS float64
	smoothing    float32 // weight of the current window, 1 disables smoothing

	lastResult float32

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// VADResult represents the result of voice activity detection
type VADResult struct {
	Probability float32       `json:"probability"`
	HasVoice    bool          `json:"has_voice"`
	Confidence  float32       `json:"confidence"`
	WindowIndex int           `json:"window_index"`
	Duration    time.Duration `json:"duration"` // audio time covered by the window
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(threshold float32, windowSize int, sampleRate int) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Processor{
		threshold:    threshold,
		windowSize:   windowSize,
		sampleRate:   sampleRate,
		fullScaleRMS: DefaultFullScaleRMS,
		smoothing:    1,
	}, nil
}

// SetSmoothing sets the weight given to the newest window. 1 disables smoothing.
func (p *Processor) SetSmoothing(weight float32) error {
	if weight <= 0 || weight > 1 {
		return fmt.Errorf("smoothing weight must be in (0, 1], got %f", weight)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.smoothing = weight
	return nil
}

// Process processes a window of audio samples and returns voice activity probability
func (p *Processor) Process(samples []int16) (*VADResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(samples) != p.windowSize {
		return nil, fmt.Errorf("expected %d samples, got %d", p.windowSize, len(samples))
	}

	probability := p.energy(samples)

	if p.totalWindows > 0 {
		probability = p.smoothing*probability + (1-p.smoothing)*p.lastResult
	}
	p.lastResult = probability

	hasVoice := probability >= p.threshold

	p.totalWindows++
	if hasVoice {
		p.voiceWindows++
	}
	p.lastProcessed = time.Now()

	// Confidence grows with distance from the threshold.
	confidence := float32(math.Abs(float64(probability - p.threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}

	return &VADResult{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence * 2,
		WindowIndex: int(p.totalWindows - 1),
		Duration:    p.WindowDuration(),
	}, nil
}

// energy maps window RMS onto [0, 1].
func (p *Processor) energy(samples []int16) float32 {
	var sum float64
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	normalized := rms / p.fullScaleRMS
	if normalized > 1.0 {
		normalized = 1.0
	}

	return float32(normalized)
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// Reset resets the processor state and statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastResult = 0
	p.lastProcessed = time.Time{}
}

// GetThreshold returns the current voice detection threshold
func (p *Processor) GetThreshold() float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// GetWindowSize returns the window size in samples
func (p *Processor) GetWindowSize() int {
	return p.windowSize
}

// WindowDuration returns the audio time covered by one window.
func (p *Processor) WindowDuration() time.Duration {
	return time.Duration(p.windowSize) * time.Second / time.Duration(p.sampleRate)
}
