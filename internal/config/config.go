package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ymgong66966/restaurant-order-verifier/internal/audio"
)

// Environment variables that override file values.
const (
	EnvBackendURL    = "BACKEND_URL"
	EnvBackendAPIKey = "BACKEND_API_KEY"
	EnvNATSURL       = "NATS_URL"
)

// Capture sources
const (
	SourcePortAudio = "portaudio"
	SourcePush      = "push"
)

// Config represents the complete service configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Capture   CaptureConfig   `yaml:"capture"`
	Backend   BackendConfig   `yaml:"backend"`
	Streaming StreamingConfig `yaml:"streaming"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// CaptureConfig describes the audio source and its native format.
type CaptureConfig struct {
	Source          string `yaml:"source"` // portaudio or push
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	Encoding        string `yaml:"encoding"`          // int16, int32, float32, float64
	FramesPerBuffer int    `yaml:"frames_per_buffer"` // portaudio only
	MaxBufferBytes  int    `yaml:"max_buffer_bytes"`  // 0 means unbounded
}

// BackendConfig contains transcription backend settings
type BackendConfig struct {
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Timeout       int     `yaml:"timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries"`
	RetryBackoff  float64 `yaml:"retry_backoff"` // seconds
	MaxConcurrent int     `yaml:"max_concurrent"`
}

// StreamingConfig tunes utterance segmentation for streaming sessions
type StreamingConfig struct {
	VADThreshold       float32 `yaml:"vad_threshold"`
	WindowDuration     float64 `yaml:"window_duration"`      // seconds
	ChunkMinDuration   float64 `yaml:"chunk_min_duration"`   // seconds
	ChunkMaxDuration   float64 `yaml:"chunk_max_duration"`   // seconds
	MinSpeechDuration  float64 `yaml:"min_speech_duration"`  // seconds
	MinSilenceDuration float64 `yaml:"min_silence_duration"` // seconds
	QueueSize          int     `yaml:"queue_size"`
	ExtractItems       bool    `yaml:"extract_items"`
	IdleTimeout        float64 `yaml:"idle_timeout"` // seconds without events before a session is cancelled
}

// EventsConfig contains NATS publishing configuration
type EventsConfig struct {
	Enabled       bool    `yaml:"enabled"`
	NATSURL       string  `yaml:"nats_url"`
	Name          string  `yaml:"name"`
	ReconnectWait float64 `yaml:"reconnect_wait"` // seconds
	MaxReconnects int     `yaml:"max_reconnects"` // -1 retries forever
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads an optional .env file next to the process, parses the
// configuration file, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns the configuration used for fields a file leaves out.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Capture: CaptureConfig{
			Source:          SourcePush,
			SampleRate:      16000,
			Channels:        1,
			Encoding:        string(audio.EncodingInt16),
			FramesPerBuffer: 1024,
		},
		Backend: BackendConfig{
			BaseURL:       "http://localhost:5001",
			Timeout:       30,
			RetryBackoff:  0.5,
			MaxConcurrent: 4,
		},
		Streaming: StreamingConfig{
			VADThreshold:       0.05,
			WindowDuration:     0.02,
			ChunkMinDuration:   0.3,
			ChunkMaxDuration:   15,
			MinSpeechDuration:  0.2,
			MinSilenceDuration: 0.6,
			QueueSize:          256,
			ExtractItems:       true,
			IdleTimeout:        120,
		},
		Events: EventsConfig{
			NATSURL:       "nats://localhost:4222",
			Name:          "restaurant-order-verifier",
			ReconnectWait: 2,
			MaxReconnects: -1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// ApplyEnv overrides file values with non-empty environment variables.
// A NATS_URL also enables event publishing.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvBackendURL)); v != "" {
		c.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(getenv(EnvBackendAPIKey)); v != "" {
		c.Backend.APIKey = v
	}
	if v := strings.TrimSpace(getenv(EnvNATSURL)); v != "" {
		c.Events.NATSURL = v
		c.Events.Enabled = true
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Streaming.Validate(); err != nil {
		return fmt.Errorf("streaming config: %w", err)
	}

	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate checks the source and builds a converter for the native format so
// an unusable format fails at startup.
func (c *CaptureConfig) Validate() error {
	switch c.Source {
	case SourcePortAudio:
		if c.Encoding != string(audio.EncodingFloat32) {
			return fmt.Errorf("portaudio source delivers float32 samples, got encoding '%s'", c.Encoding)
		}
		if c.FramesPerBuffer < 1 {
			return fmt.Errorf("frames_per_buffer must be at least 1, got %d", c.FramesPerBuffer)
		}
	case SourcePush:
	default:
		return fmt.Errorf("source must be '%s' or '%s', got '%s'", SourcePortAudio, SourcePush, c.Source)
	}

	if _, err := audio.NewConverter(c.NativeFormat()); err != nil {
		return err
	}

	if c.MaxBufferBytes < 0 {
		return fmt.Errorf("max_buffer_bytes cannot be negative, got %d", c.MaxBufferBytes)
	}

	return nil
}

// NativeFormat returns the configured device format.
func (c *CaptureConfig) NativeFormat() audio.NativeFormat {
	return audio.NativeFormat{
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Encoding:   audio.SampleEncoding(c.Encoding),
	}
}

// Validate validates backend configuration
func (b *BackendConfig) Validate() error {
	if b.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	if !strings.HasPrefix(b.BaseURL, "http://") && !strings.HasPrefix(b.BaseURL, "https://") {
		return fmt.Errorf("base_url must be an http or https URL, got '%s'", b.BaseURL)
	}

	if b.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", b.Timeout)
	}

	if b.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", b.MaxRetries)
	}

	if b.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff cannot be negative, got %f", b.RetryBackoff)
	}

	if b.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", b.MaxConcurrent)
	}

	return nil
}

// Validate validates streaming configuration
func (s *StreamingConfig) Validate() error {
	if s.VADThreshold < 0 || s.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1, got %f", s.VADThreshold)
	}

	if s.WindowDuration <= 0 || s.WindowDuration > 0.5 {
		return fmt.Errorf("window_duration must be in (0, 0.5] seconds, got %f", s.WindowDuration)
	}

	if s.ChunkMinDuration < 0 {
		return fmt.Errorf("chunk_min_duration cannot be negative, got %f", s.ChunkMinDuration)
	}

	if s.ChunkMaxDuration <= s.ChunkMinDuration {
		return fmt.Errorf("chunk_max_duration (%f) must be greater than chunk_min_duration (%f)",
			s.ChunkMaxDuration, s.ChunkMinDuration)
	}

	if s.MinSpeechDuration < 0 {
		return fmt.Errorf("min_speech_duration cannot be negative, got %f", s.MinSpeechDuration)
	}

	if s.MinSilenceDuration <= 0 {
		return fmt.Errorf("min_silence_duration must be positive, got %f", s.MinSilenceDuration)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	if s.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %f", s.IdleTimeout)
	}

	return nil
}

// Validate validates events configuration
func (e *EventsConfig) Validate() error {
	if !e.Enabled {
		return nil
	}

	if e.NATSURL == "" {
		return fmt.Errorf("nats_url cannot be empty when events are enabled")
	}

	if e.ReconnectWait < 0 {
		return fmt.Errorf("reconnect_wait cannot be negative, got %f", e.ReconnectWait)
	}

	if e.MaxReconnects < -1 {
		return fmt.Errorf("max_reconnects must be -1 or more, got %d", e.MaxReconnects)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path.
	return nil
}

// GetTimeoutDuration returns the backend timeout as a time.Duration
func (b *BackendConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// GetRetryBackoff returns the delay before the first retry
func (b *BackendConfig) GetRetryBackoff() time.Duration {
	return seconds(b.RetryBackoff)
}

// GetWindowDuration returns the VAD window as a time.Duration
func (s *StreamingConfig) GetWindowDuration() time.Duration {
	return seconds(s.WindowDuration)
}

// GetChunkMinDuration returns the minimum utterance duration as a time.Duration
func (s *StreamingConfig) GetChunkMinDuration() time.Duration {
	return seconds(s.ChunkMinDuration)
}

// GetChunkMaxDuration returns the maximum utterance duration as a time.Duration
func (s *StreamingConfig) GetChunkMaxDuration() time.Duration {
	return seconds(s.ChunkMaxDuration)
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (s *StreamingConfig) GetMinSpeechDuration() time.Duration {
	return seconds(s.MinSpeechDuration)
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (s *StreamingConfig) GetMinSilenceDuration() time.Duration {
	return seconds(s.MinSilenceDuration)
}

// GetIdleTimeout returns the streaming idle timeout as a time.Duration
func (s *StreamingConfig) GetIdleTimeout() time.Duration {
	return seconds(s.IdleTimeout)
}

// GetReconnectWait returns the NATS reconnect delay as a time.Duration
func (e *EventsConfig) GetReconnectWait() time.Duration {
	return seconds(e.ReconnectWait)
}

// Redacted returns a copy safe to expose over the API.
func (c *Config) Redacted() Config {
	out := *c
	if out.Backend.APIKey != "" {
		out.Backend.APIKey = fmt.Sprintf("[redacted, %d chars]", len(c.Backend.APIKey))
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
